package routes

import (
	"net/http"

	"escrowledger/crypto"
)

func (a *api) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := pathIdentity(r, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	balance, err := a.accounts.Balance(addr)
	if err != nil {
		a.fail(w, r, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Address: crypto.FormatIdentity(addr), Balance: amountString(balance)})
}

func (a *api) handleFund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	addr, err := crypto.ParseIdentity(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		a.fail(w, r, "fund", err)
		return
	}
	balance, err := a.accounts.Fund(addr, amount)
	if err != nil {
		a.fail(w, r, "fund", err)
		return
	}
	a.logger.Info("account funded",
		"address", crypto.FormatIdentity(addr),
		"amount", amount.Dec())
	writeJSON(w, http.StatusOK, balanceResponse{Address: crypto.FormatIdentity(addr), Balance: amountString(balance)})
}
