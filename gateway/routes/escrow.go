package routes

import (
	"errors"
	"net/http"

	"escrowledger/crypto"
)

var errNoCaller = errors.New("caller identity required")

func (a *api) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, errNoCaller)
		return
	}
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	collector, err := crypto.ParseIdentity(req.Collector)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		a.fail(w, r, "deposit", err)
		return
	}
	receipt, err := a.ledger.Deposit(r.Context(), caller, collector, amount)
	if err != nil {
		a.fail(w, r, "deposit", err)
		return
	}
	writeJSON(w, http.StatusCreated, newDepositResponse(receipt))
}

func (a *api) handleClaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, errNoCaller)
		return
	}
	var req claimRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	depositor, err := crypto.ParseIdentity(req.Depositor)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	receipt, err := a.ledger.Claim(r.Context(), caller, depositor)
	if err != nil {
		a.fail(w, r, "claim", err)
		return
	}
	writeJSON(w, http.StatusOK, newSettlementResponse(receipt.Depositor, receipt.Collector, receipt.Amount, receipt.Sequence))
}

func (a *api) handleRefund(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, errNoCaller)
		return
	}
	var req refundRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	collector, err := crypto.ParseIdentity(req.Collector)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	receipt, err := a.ledger.Refund(r.Context(), caller, collector)
	if err != nil {
		a.fail(w, r, "refund", err)
		return
	}
	writeJSON(w, http.StatusOK, newSettlementResponse(receipt.Depositor, receipt.Collector, receipt.Amount, receipt.Sequence))
}

func (a *api) handleLookup(w http.ResponseWriter, r *http.Request) {
	depositor, err := pathIdentity(r, "depositor")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	collector, err := pathIdentity(r, "collector")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	record, err := a.ledger.Lookup(depositor, collector)
	if err != nil {
		a.fail(w, r, "lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{
		Depositor:    crypto.FormatIdentity(depositor),
		Collector:    crypto.FormatIdentity(collector),
		Amount:       amountString(record.Amount),
		LockDeadline: record.LockDeadline,
	})
}

func (a *api) handleLockDuration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint64{"lockDuration": a.ledger.LockDuration()})
}

func (a *api) handleInbound(w http.ResponseWriter, r *http.Request) {
	collector, err := pathIdentity(r, "collector")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	pending, err := a.ledger.Inbound(collector)
	if err != nil {
		a.fail(w, r, "inbound", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"collector": crypto.FormatIdentity(collector),
		"pending":   newPendingResponses(pending, false),
	})
}

func (a *api) handleOutbound(w http.ResponseWriter, r *http.Request) {
	depositor, err := pathIdentity(r, "depositor")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	pending, err := a.ledger.Outbound(depositor)
	if err != nil {
		a.fail(w, r, "outbound", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"depositor": crypto.FormatIdentity(depositor),
		"pending":   newPendingResponses(pending, true),
	})
}
