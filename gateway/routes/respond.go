package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"escrowledger/crypto"
	"escrowledger/gateway/middleware"
	"escrowledger/native/bank"
	"escrowledger/native/escrow"
)

const (
	codeBadRequest   = "BAD_REQUEST"
	codeUnauthorized = "UNAUTHENTICATED"
	maxCommandBody   = 64 << 10
)

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorPayload{Error: err.Error(), Code: code})
}

// statusFor maps ledger failures onto HTTP statuses and stable codes.
func statusFor(err error) (int, string) {
	code := escrow.Code(err)
	switch code {
	case escrow.CodeInvalidAmount:
		return http.StatusBadRequest, code
	case escrow.CodeArithmeticOverflow:
		return http.StatusUnprocessableEntity, code
	case escrow.CodeNoDepositFound:
		return http.StatusNotFound, code
	case escrow.CodeLockNotExpired:
		return http.StatusConflict, code
	case escrow.CodeTransferFailed:
		return http.StatusPaymentRequired, code
	}
	switch {
	case errors.Is(err, bank.ErrInvalidAmount):
		return http.StatusBadRequest, escrow.CodeInvalidAmount
	case errors.Is(err, bank.ErrBalanceOverflow):
		return http.StatusUnprocessableEntity, escrow.CodeArithmeticOverflow
	}
	return http.StatusInternalServerError, escrow.CodeInternal
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("escrow api failure",
			"operation", operation,
			"requestId", middleware.RequestIDFrom(r.Context()),
			"error", err.Error())
		// Internal details stay in the log.
		err = errors.New("internal error")
	}
	writeError(w, status, code, err)
}

func callerFrom(r *http.Request) ([20]byte, bool) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		return [20]byte{}, false
	}
	return p.Address, true
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxCommandBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func pathIdentity(r *http.Request, name string) ([20]byte, error) {
	raw := chi.URLParam(r, name)
	id, err := crypto.ParseIdentity(raw)
	if err != nil {
		return [20]byte{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return id, nil
}

// parseAmount accepts a base-10 string or a 0x-prefixed hex string.
func parseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, escrow.ErrInvalidAmount
	}
	var (
		v   *uint256.Int
		err error
	)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		v, err = uint256.FromHex(trimmed)
	} else {
		v, err = uint256.FromDecimal(trimmed)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", escrow.ErrInvalidAmount, raw, err)
	}
	return v, nil
}

func queryUint(r *http.Request, name string) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func queryIdentity(r *http.Request, name string) (*[20]byte, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	id, err := crypto.ParseIdentity(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return &id, nil
}
