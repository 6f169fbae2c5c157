package events

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
)

func TestHubDeliversEscrowEvents(t *testing.T) {
	hub := NewHub(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, unsubscribe := hub.Subscribe(ctx)
	defer unsubscribe()

	hub.Emit(DepositCompleted{EscrowTransfer: EscrowTransfer{Sequence: 1, Amount: uint256.NewInt(1)}})
	select {
	case evt := <-updates:
		if evt.Transfer().Sequence != 1 {
			t.Fatalf("unexpected sequence %d", evt.Transfer().Sequence)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub(1)
	updates, unsubscribe := hub.Subscribe(context.Background())
	defer unsubscribe()

	for i := uint64(1); i <= 3; i++ {
		hub.Emit(WithdrawCompleted{EscrowTransfer: EscrowTransfer{Sequence: i}})
	}
	if evt := <-updates; evt.Transfer().Sequence != 1 {
		t.Fatalf("expected first event to be buffered, got %d", evt.Transfer().Sequence)
	}
	select {
	case evt := <-updates:
		t.Fatalf("expected overflow to be dropped, got %d", evt.Transfer().Sequence)
	default:
	}
}

func TestHubCancelOnContextDone(t *testing.T) {
	hub := NewHub(1)
	ctx, cancel := context.WithCancel(context.Background())
	updates, _ := hub.Subscribe(ctx)
	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed after context cancellation")
	}
	if hub.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", hub.Subscribers())
	}
}
