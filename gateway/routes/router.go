package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"escrowledger/core/events"
	"escrowledger/core/state"
	"escrowledger/gateway/idempotency"
	"escrowledger/gateway/middleware"
	"escrowledger/native/escrow"
)

// Ledger is the escrow surface the HTTP API drives.
type Ledger interface {
	Deposit(ctx context.Context, depositor, collector [20]byte, amount *uint256.Int) (*escrow.DepositReceipt, error)
	Claim(ctx context.Context, caller, depositor [20]byte) (*escrow.ClaimReceipt, error)
	Refund(ctx context.Context, caller, collector [20]byte) (*escrow.RefundReceipt, error)
	Lookup(depositor, collector [20]byte) (*escrow.Record, error)
	LockDuration() uint64
	Inbound(collector [20]byte) ([]escrow.Pending, error)
	Outbound(depositor [20]byte) ([]escrow.Pending, error)
}

// EventLog answers queries over the persisted escrow events.
type EventLog interface {
	EscrowEvents(filter state.EventFilter) ([]state.EscrowEventRecord, error)
	EscrowEvent(sequence uint64) (state.EscrowEventRecord, bool, error)
	EscrowCounterparties(party [20]byte, role escrow.Role) ([][20]byte, error)
}

// EventSource feeds live events to websocket subscribers.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan events.EscrowEvent, func())
}

// Accounts exposes custody balances.
type Accounts interface {
	Balance(addr [20]byte) (*uint256.Int, error)
	Fund(addr [20]byte, amount *uint256.Int) (*uint256.Int, error)
}

type Config struct {
	Ledger         Ledger
	Events         EventLog
	Stream         EventSource
	Accounts       Accounts
	Authenticator  *middleware.Authenticator
	RateLimiter    *middleware.RateLimiter
	Observability  *middleware.Observability
	Idempotency    *idempotency.Guard
	CORS           middleware.CORSConfig
	AdminScope     string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type api struct {
	ledger   Ledger
	events   EventLog
	stream   EventSource
	accounts Accounts
	logger   *slog.Logger
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("routes: ledger required")
	}
	if cfg.Events == nil {
		return nil, errors.New("routes: event log required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{ledger: cfg.Ledger, events: cfg.Events, stream: cfg.Stream, accounts: cfg.Accounts, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	route := func(name string) func(http.Handler) http.Handler {
		if obs == nil {
			return passthrough
		}
		return obs.Middleware(name)
	}
	limit := func(key string) func(http.Handler) http.Handler {
		if cfg.RateLimiter == nil {
			return passthrough
		}
		return cfg.RateLimiter.Middleware(key)
	}
	authn := func(scopes ...string) func(http.Handler) http.Handler {
		if cfg.Authenticator == nil {
			return passthrough
		}
		return cfg.Authenticator.Middleware(scopes...)
	}
	guard := passthrough
	if cfg.Idempotency != nil {
		guard = cfg.Idempotency.Middleware
	}
	timeout := passthrough
	if cfg.RequestTimeout > 0 {
		timeout = withTimeout(cfg.RequestTimeout)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1/escrow", func(sr chi.Router) {
		sr.Group(func(cmd chi.Router) {
			cmd.Use(limit("escrow"), authn(), timeout, guard)
			cmd.With(route("escrow.deposit")).Post("/deposits", a.handleDeposit)
			cmd.With(route("escrow.claim")).Post("/claims", a.handleClaim)
			cmd.With(route("escrow.refund")).Post("/refunds", a.handleRefund)
		})
		sr.Group(func(q chi.Router) {
			q.Use(limit("query"), timeout)
			q.With(route("escrow.lookup")).Get("/records/{depositor}/{collector}", a.handleLookup)
			q.With(route("escrow.lockDuration")).Get("/lock-duration", a.handleLockDuration)
			q.With(route("escrow.inbound")).Get("/inbound/{collector}", a.handleInbound)
			q.With(route("escrow.outbound")).Get("/outbound/{depositor}", a.handleOutbound)
		})
	})

	r.Route("/v1/events", func(sr chi.Router) {
		sr.Use(limit("query"))
		sr.With(route("events.list"), timeout).Get("/", a.handleEvents)
		sr.With(route("events.counterparties"), timeout).Get("/counterparties", a.handleCounterparties)
		if cfg.Stream != nil {
			sr.With(route("events.stream")).Get("/stream", a.handleStream)
		}
	})

	if cfg.Accounts != nil {
		adminScope := cfg.AdminScope
		if adminScope == "" {
			adminScope = "escrow.admin"
		}
		r.Route("/v1/accounts", func(sr chi.Router) {
			sr.With(limit("query"), route("accounts.balance")).Get("/{address}", a.handleBalance)
			sr.With(limit("escrow"), authn(adminScope), timeout, guard, route("accounts.fund")).Post("/fund", a.handleFund)
		})
	}

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}
	return r, nil
}

func passthrough(next http.Handler) http.Handler { return next }

func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
