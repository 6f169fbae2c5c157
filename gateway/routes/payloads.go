package routes

import (
	"encoding/hex"
	"strconv"

	"github.com/holiman/uint256"

	"escrowledger/core/events"
	"escrowledger/core/state"
	"escrowledger/crypto"
	"escrowledger/native/escrow"
)

type depositRequest struct {
	Collector string `json:"collector"`
	Amount    string `json:"amount"`
}

type claimRequest struct {
	Depositor string `json:"depositor"`
}

type refundRequest struct {
	Collector string `json:"collector"`
}

type fundRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type depositResponse struct {
	Depositor    string `json:"depositor"`
	Collector    string `json:"collector"`
	Deposited    string `json:"deposited"`
	Amount       string `json:"amount"`
	LockDeadline uint64 `json:"lockDeadline"`
	Sequence     uint64 `json:"sequence"`
}

type settlementResponse struct {
	Depositor string `json:"depositor"`
	Collector string `json:"collector"`
	Amount    string `json:"amount"`
	Sequence  uint64 `json:"sequence"`
}

type recordResponse struct {
	Depositor    string `json:"depositor"`
	Collector    string `json:"collector"`
	Amount       string `json:"amount"`
	LockDeadline uint64 `json:"lockDeadline"`
}

type pendingResponse struct {
	Counterparty string `json:"counterparty"`
	Amount       string `json:"amount"`
	LockDeadline uint64 `json:"lockDeadline"`
	Refundable   *bool  `json:"refundable,omitempty"`
}

type eventResponse struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Sequence     uint64 `json:"sequence"`
	Depositor    string `json:"depositor"`
	Collector    string `json:"collector"`
	Amount       string `json:"amount"`
	Timestamp    uint64 `json:"timestamp"`
	LockDeadline uint64 `json:"lockDeadline,omitempty"`
}

type eventsResponse struct {
	Events     []eventResponse `json:"events"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

type balanceResponse struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func newDepositResponse(r *escrow.DepositReceipt) depositResponse {
	return depositResponse{
		Depositor:    crypto.FormatIdentity(r.Depositor),
		Collector:    crypto.FormatIdentity(r.Collector),
		Deposited:    amountString(r.Deposited),
		Amount:       amountString(r.Amount),
		LockDeadline: r.LockDeadline,
		Sequence:     r.Sequence,
	}
}

func newSettlementResponse(depositor, collector [20]byte, amount *uint256.Int, seq uint64) settlementResponse {
	return settlementResponse{
		Depositor: crypto.FormatIdentity(depositor),
		Collector: crypto.FormatIdentity(collector),
		Amount:    amountString(amount),
		Sequence:  seq,
	}
}

func newPendingResponses(entries []escrow.Pending, withRefundable bool) []pendingResponse {
	out := make([]pendingResponse, 0, len(entries))
	for _, entry := range entries {
		item := pendingResponse{
			Counterparty: crypto.FormatIdentity(entry.Counterparty),
			Amount:       amountString(entry.Amount),
			LockDeadline: entry.LockDeadline,
		}
		if withRefundable {
			refundable := entry.Refundable
			item.Refundable = &refundable
		}
		out = append(out, item)
	}
	return out
}

func newEventResponse(id [32]byte, evt events.EscrowEvent) eventResponse {
	transfer := evt.Transfer()
	out := eventResponse{
		Type:      evt.EventType(),
		Sequence:  transfer.Sequence,
		Depositor: crypto.FormatIdentity(transfer.Depositor),
		Collector: crypto.FormatIdentity(transfer.Collector),
		Amount:    amountString(transfer.Amount),
		Timestamp: transfer.Timestamp,
	}
	if id != ([32]byte{}) {
		out.ID = hex.EncodeToString(id[:])
	}
	if deposit, ok := evt.(events.DepositCompleted); ok {
		out.LockDeadline = deposit.LockDeadline
	}
	return out
}

func newEventsResponse(records []state.EscrowEventRecord, limit int) eventsResponse {
	out := eventsResponse{Events: make([]eventResponse, 0, len(records))}
	for _, record := range records {
		out.Events = append(out.Events, newEventResponse(record.ID, record.Event))
	}
	if limit > 0 && len(records) == limit {
		last := records[len(records)-1].Event.Transfer().Sequence
		out.NextCursor = strconv.FormatUint(last, 10)
	}
	return out
}
