package achievement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stridefit/stride-backend/internal/ledger"
	"github.com/stridefit/stride-backend/internal/notify"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	fail error
}

func (n *recordingNotifier) Send(_ context.Context, notification notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, notification)
	return nil
}

func TestHandleUnlockCreditsRewardOnce(t *testing.T) {
	notifier := &recordingNotifier{}
	f := newEngineFixture(t, notifier)
	ctx := context.Background()
	definition := Definition{Code: "TEN_VISITS", MetricType: MetricAssistanceTotal, TargetValue: 10, TokenReward: 100, UnlockMessage: "Ten visits!"}

	dispatcher := f.engine.dispatcher
	awarded, err := dispatcher.HandleUnlock(ctx, "user-1", definition, "progress-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if awarded != 100 {
		t.Fatalf("expected 100 awarded, got %d", awarded)
	}

	// A retried dispatch must not double-pay.
	awarded, err = dispatcher.HandleUnlock(ctx, "user-1", definition, "progress-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if awarded != 0 {
		t.Fatalf("expected no second credit, got %d", awarded)
	}

	balance, err := f.ledger.GetBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance != 100 {
		t.Fatalf("expected balance 100, got %d", balance)
	}
	if len(notifier.sent) != 2 {
		t.Fatalf("expected a notification per dispatch, got %d", len(notifier.sent))
	}
	if notifier.sent[0].Message != "Ten visits!" {
		t.Fatalf("unexpected notification message %q", notifier.sent[0].Message)
	}
}

func TestHandleUnlockSwallowsNotificationFailure(t *testing.T) {
	notifier := &recordingNotifier{fail: errors.New("push gateway down")}
	f := newEngineFixture(t, notifier)
	ctx := context.Background()
	definition := Definition{Code: "TEN_VISITS", MetricType: MetricAssistanceTotal, TargetValue: 10, TokenReward: 50}

	awarded, err := f.engine.dispatcher.HandleUnlock(ctx, "user-1", definition, "progress-1")
	if err != nil {
		t.Fatalf("notification failure must not propagate, got %v", err)
	}
	if awarded != 50 {
		t.Fatalf("expected reward despite notification failure, got %d", awarded)
	}
}

func TestHandleUnlockWithoutReward(t *testing.T) {
	notifier := &recordingNotifier{}
	f := newEngineFixture(t, notifier)
	definition := Definition{Code: "FREEBIE", MetricType: MetricAssistanceTotal, TargetValue: 1, TokenReward: 0}

	awarded, err := f.engine.dispatcher.HandleUnlock(context.Background(), "user-1", definition, "progress-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if awarded != 0 {
		t.Fatalf("expected no tokens, got %d", awarded)
	}

	var count int64
	if err := f.db.Model(&ledger.Entry{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count entries: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no ledger entries, got %d", count)
	}
}
