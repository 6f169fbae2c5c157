package events

import (
	"testing"

	"github.com/holiman/uint256"

	"escrowledger/crypto"
)

func TestDepositCompletedAttributes(t *testing.T) {
	depositor := [20]byte{1}
	collector := [20]byte{2}
	evt := DepositCompleted{
		EscrowTransfer: EscrowTransfer{
			Sequence:  7,
			Depositor: depositor,
			Collector: collector,
			Amount:    uint256.NewInt(42),
			Timestamp: 1000,
		},
		LockDeadline: 1100,
	}
	out := evt.Event()
	if out.Type != TypeDepositCompleted {
		t.Fatalf("unexpected type %s", out.Type)
	}
	want := map[string]string{
		"sequence":     "7",
		"depositor":    crypto.FormatIdentity(depositor),
		"collector":    crypto.FormatIdentity(collector),
		"amount":       "42",
		"timestamp":    "1000",
		"lockDeadline": "1100",
	}
	for k, v := range want {
		if got := out.Attribute(k); got != v {
			t.Fatalf("attribute %s: got %q want %q", k, got, v)
		}
	}
}

func TestNewEscrowEventRoundTrip(t *testing.T) {
	transfer := EscrowTransfer{Sequence: 3, Amount: uint256.NewInt(5)}
	for _, kind := range []string{TypeDepositCompleted, TypeDepositReceiveCompleted, TypeWithdrawCompleted} {
		evt, err := NewEscrowEvent(kind, transfer, 9)
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if evt.EventType() != kind {
			t.Fatalf("expected %s, got %s", kind, evt.EventType())
		}
		if evt.Transfer().Sequence != 3 {
			t.Fatalf("transfer payload lost for %s", kind)
		}
		if !IsEscrowType(kind) {
			t.Fatalf("%s should be an escrow type", kind)
		}
	}
	if _, err := NewEscrowEvent("escrow.unknown", transfer, 0); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestFanoutDeliversToAll(t *testing.T) {
	var a, b int
	fan := NewFanout(
		EmitterFunc(func(Event) { a++ }),
		nil,
		EmitterFunc(func(Event) { b++ }),
	)
	fan.Emit(WithdrawCompleted{})
	fan.Add(NoopEmitter{})
	fan.Emit(WithdrawCompleted{})
	if a != 2 || b != 2 {
		t.Fatalf("expected both emitters to see 2 events, got %d and %d", a, b)
	}
}
