package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"escrowledger/crypto"
	"escrowledger/gateway/auth"
	"escrowledger/gateway/middleware"
)

// HeaderKey carries the client-chosen idempotency key on command requests.
const HeaderKey = "Idempotency-Key"

const maxRequestBody = 1 << 20 // 1 MiB

// Guard replays stored responses for repeated command requests and records
// every command in the audit log.
type Guard struct {
	store  *SQLiteStore
	logger *slog.Logger
	nowFn  func() time.Time
}

func NewGuard(store *SQLiteStore, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, logger: logger, nowFn: time.Now}
}

func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
		if err != nil || len(body) > maxRequestBody {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		caller := callerOf(r)

		key := strings.TrimSpace(r.Header.Get(HeaderKey))
		if key == "" {
			rec := newCapture(w)
			next.ServeHTTP(rec, r)
			g.audit(r, caller, body, rec.status, rec.body.Bytes())
			return
		}

		requestHash := hashRequest(r.Method, auth.CanonicalRequestPath(r), body)
		cached, err := g.store.Lookup(r.Context(), caller, key, requestHash)
		if err != nil {
			status, code := http.StatusInternalServerError, "INTERNAL"
			if errors.Is(err, ErrMismatch) {
				status, code = http.StatusConflict, "IDEMPOTENCY_MISMATCH"
			}
			payload := writeJSONError(w, status, code, err.Error())
			g.audit(r, caller, body, status, payload)
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			g.audit(r, caller, body, cached.Status, cached.Body)
			return
		}

		rec := newCapture(w)
		next.ServeHTTP(rec, r)
		// Server faults are not cached so the client may retry with the same key.
		if rec.status < http.StatusInternalServerError {
			if err := g.store.Save(r.Context(), caller, key, requestHash, rec.status, rec.body.Bytes()); err != nil {
				g.logger.Error("idempotency: save response", slog.String("key", key), slog.String("error", err.Error()))
			}
		}
		g.audit(r, caller, body, rec.status, rec.body.Bytes())
	})
}

func (g *Guard) audit(r *http.Request, caller string, requestBody []byte, status int, responseBody []byte) {
	entry := AuditEntry{
		Caller:         caller,
		Method:         r.Method,
		Path:           auth.CanonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      g.nowFn().UTC(),
	}
	if err := g.store.InsertAuditLog(r.Context(), entry); err != nil {
		g.logger.Warn("idempotency: audit insert failed", slog.String("error", err.Error()))
	}
}

func callerOf(r *http.Request) string {
	if p, ok := middleware.PrincipalFrom(r.Context()); ok {
		return crypto.FormatIdentity(p.Address)
	}
	return "anonymous"
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) []byte {
	payload, _ := json.Marshal(map[string]string{"error": message, "code": code})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	return payload
}

type capture struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newCapture(w http.ResponseWriter) *capture {
	return &capture{ResponseWriter: w, status: http.StatusOK}
}

func (c *capture) WriteHeader(code int) {
	if !c.wroteHeader {
		c.status = code
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *capture) Write(b []byte) (int, error) {
	c.wroteHeader = true
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}
