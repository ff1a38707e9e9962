package jobs

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Manager wraps the cron engine and the registered background jobs.
type Manager struct {
	engine *cron.Cron
	logger *zap.Logger
}

// NewManager constructs the cron manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{engine: cron.New(), logger: logger}
}

// Register schedules a job with a cron spec such as "@hourly".
func (m *Manager) Register(spec string, job cron.Job) error {
	_, err := m.engine.AddJob(spec, job)
	return err
}

// Start launches the scheduler.
func (m *Manager) Start() {
	m.logger.Info("cron scheduler starting")
	m.engine.Start()
}

// Stop halts the scheduler and waits for running jobs.
func (m *Manager) Stop() {
	m.logger.Info("cron scheduler stopping")
	ctx := m.engine.Stop()
	<-ctx.Done()
}
