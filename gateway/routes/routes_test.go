package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"escrowledger/core/events"
	"escrowledger/core/state"
	"escrowledger/crypto"
	"escrowledger/gateway/auth"
	"escrowledger/gateway/idempotency"
	"escrowledger/gateway/middleware"
	"escrowledger/native/bank"
	"escrowledger/native/escrow"
	"escrowledger/storage"
)

const testLockDuration = 100

var (
	alice = [20]byte{0xA1}
	bob   = [20]byte{0xB0}
	carol = [20]byte{0xC0}
)

type fixture struct {
	handler http.Handler
	ledger  *escrow.Ledger
	bank    *bank.Bank
	state   *state.Manager
	hub     *events.Hub
	clock   *atomic.Uint64
}

type fixtureOptions struct {
	authEnabled bool
	signatures  *auth.Authenticator
	secret      string
	guard       bool
	obs         *middleware.Observability
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	mgr, err := state.NewManager(db)
	require.NoError(t, err)
	b, err := bank.New(mgr, bank.DefaultVault())
	require.NoError(t, err)
	ledger, err := escrow.NewLedger(testLockDuration, mgr, b)
	require.NoError(t, err)

	clock := new(atomic.Uint64)
	clock.Store(1_000)
	ledger.SetNowFunc(clock.Load)
	hub := events.NewHub(16)
	ledger.SetEmitter(hub)

	for _, addr := range [][20]byte{alice, bob, carol} {
		_, err := b.Fund(addr, uint256.NewInt(1_000))
		require.NoError(t, err)
	}

	cfg := Config{
		Ledger:        ledger,
		Events:        mgr,
		Stream:        hub,
		Accounts:      b,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{Enabled: opts.authEnabled, HMACSecret: opts.secret}, opts.signatures, nil),
		RateLimiter:   middleware.NewRateLimiter(nil, nil),
		Observability: opts.obs,
		AdminScope:    "escrow.admin",
	}
	if opts.guard {
		store, err := idempotency.NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		cfg.Idempotency = idempotency.NewGuard(store, nil)
	}
	handler, err := New(cfg)
	require.NoError(t, err)
	return &fixture{handler: handler, ledger: ledger, bank: b, state: mgr, hub: hub, clock: clock}
}

func (f *fixture) do(t *testing.T, method, path string, caller *[20]byte, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if caller != nil {
		req.Header.Set(middleware.HeaderCaller, crypto.FormatIdentity(*caller))
	}
	res := httptest.NewRecorder()
	f.handler.ServeHTTP(res, req)
	return res
}

func decode[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out), res.Body.String())
	return out
}

func id(addr [20]byte) string { return crypto.FormatIdentity(addr) }

func TestDepositClaimOverHTTP(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	res := f.do(t, http.MethodPost, "/v1/escrow/deposits", &alice, depositRequest{Collector: id(bob), Amount: "40"})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	dep := decode[depositResponse](t, res)
	require.Equal(t, "40", dep.Amount)
	require.Equal(t, uint64(1_000+testLockDuration), dep.LockDeadline)

	res = f.do(t, http.MethodGet, "/v1/escrow/records/"+id(alice)+"/"+id(bob), nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	rec := decode[recordResponse](t, res)
	require.Equal(t, "40", rec.Amount)

	res = f.do(t, http.MethodPost, "/v1/escrow/claims", &bob, claimRequest{Depositor: id(alice)})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, "40", decode[settlementResponse](t, res).Amount)

	res = f.do(t, http.MethodPost, "/v1/escrow/claims", &bob, claimRequest{Depositor: id(alice)})
	require.Equal(t, http.StatusNotFound, res.Code)
	require.Equal(t, escrow.CodeNoDepositFound, decode[errorPayload](t, res).Code)

	res = f.do(t, http.MethodGet, "/v1/accounts/"+id(bob), nil, nil)
	require.Equal(t, "1040", decode[balanceResponse](t, res).Balance)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	res := f.do(t, http.MethodPost, "/v1/escrow/deposits", &alice, depositRequest{Collector: id(bob), Amount: "0"})
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, escrow.CodeInvalidAmount, decode[errorPayload](t, res).Code)

	res = f.do(t, http.MethodPost, "/v1/escrow/deposits", &alice, depositRequest{Collector: id(bob), Amount: "-3"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(t, http.MethodPost, "/v1/escrow/deposits", &alice, depositRequest{Collector: id(bob), Amount: "5000"})
	require.Equal(t, http.StatusPaymentRequired, res.Code)
	require.Equal(t, escrow.CodeTransferFailed, decode[errorPayload](t, res).Code)

	res = f.do(t, http.MethodPost, "/v1/escrow/deposits", &alice, depositRequest{Collector: id(bob), Amount: "0x0a"})
	require.Equal(t, http.StatusCreated, res.Code)

	res = f.do(t, http.MethodPost, "/v1/escrow/refunds", &alice, refundRequest{Collector: id(bob)})
	require.Equal(t, http.StatusConflict, res.Code)
	require.Equal(t, escrow.CodeLockNotExpired, decode[errorPayload](t, res).Code)

	f.clock.Add(testLockDuration)
	res = f.do(t, http.MethodPost, "/v1/escrow/refunds", &alice, refundRequest{Collector: id(bob)})
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "10", decode[settlementResponse](t, res).Amount)

	res = f.do(t, http.MethodPost, "/v1/escrow/deposits", nil, depositRequest{Collector: id(bob), Amount: "1"})
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res = f.do(t, http.MethodPost, "/v1/escrow/deposits", &alice, map[string]string{"collector": id(bob), "amount": "1", "extra": "x"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(t, http.MethodGet, "/v1/escrow/records/nope/"+id(bob), nil, nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestStatusForOverflow(t *testing.T) {
	status, code := statusFor(escrow.ErrArithmeticOverflow)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, escrow.CodeArithmeticOverflow, code)

	status, code = statusFor(context.DeadlineExceeded)
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, escrow.CodeInternal, code)
}

func TestLookupAbsentAndLockDuration(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	res := f.do(t, http.MethodGet, "/v1/escrow/records/"+id(carol)+"/"+id(bob), nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	rec := decode[recordResponse](t, res)
	require.Equal(t, "0", rec.Amount)
	require.Zero(t, rec.LockDeadline)

	res = f.do(t, http.MethodGet, "/v1/escrow/lock-duration", nil, nil)
	require.Equal(t, map[string]uint64{"lockDuration": testLockDuration}, decode[map[string]uint64](t, res))
}

func TestInboundOutboundAndEvents(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	deposit := func(from, to [20]byte, amount string) {
		t.Helper()
		res := f.do(t, http.MethodPost, "/v1/escrow/deposits", &from, depositRequest{Collector: id(to), Amount: amount})
		require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	}
	deposit(alice, bob, "5")
	deposit(carol, bob, "7")
	deposit(alice, carol, "9")
	deposit(alice, bob, "1")

	res := f.do(t, http.MethodGet, "/v1/escrow/inbound/"+id(bob), nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	inbound := decode[struct {
		Collector string            `json:"collector"`
		Pending   []pendingResponse `json:"pending"`
	}](t, res)
	require.Equal(t, id(bob), inbound.Collector)
	require.Len(t, inbound.Pending, 2)
	for _, p := range inbound.Pending {
		require.Nil(t, p.Refundable)
	}

	f.clock.Add(testLockDuration)
	res = f.do(t, http.MethodGet, "/v1/escrow/outbound/"+id(alice), nil, nil)
	outbound := decode[struct {
		Pending []pendingResponse `json:"pending"`
	}](t, res)
	require.Len(t, outbound.Pending, 2)
	for _, p := range outbound.Pending {
		require.NotNil(t, p.Refundable)
		require.True(t, *p.Refundable)
	}

	res = f.do(t, http.MethodGet, "/v1/events/?depositor="+id(alice)+"&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	page := decode[eventsResponse](t, res)
	require.Len(t, page.Events, 2)
	require.NotEmpty(t, page.NextCursor)
	require.Len(t, page.Events[0].ID, 64)

	res = f.do(t, http.MethodGet, "/v1/events/?depositor="+id(alice)+"&limit=2&cursor="+page.NextCursor, nil, nil)
	rest := decode[eventsResponse](t, res)
	require.NotEmpty(t, rest.Events)
	require.Greater(t, rest.Events[0].Sequence, page.Events[1].Sequence)
	for _, evt := range append(page.Events, rest.Events...) {
		require.Equal(t, id(alice), evt.Depositor)
	}

	res = f.do(t, http.MethodGet, "/v1/events/?type="+events.TypeDepositCompleted+"&collector="+id(bob), nil, nil)
	typed := decode[eventsResponse](t, res)
	require.Len(t, typed.Events, 3)
	for _, evt := range typed.Events {
		require.Equal(t, events.TypeDepositCompleted, evt.Type)
		require.NotZero(t, evt.LockDeadline)
	}

	res = f.do(t, http.MethodGet, "/v1/events/?type=bogus", nil, nil)
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(t, http.MethodGet, "/v1/events/counterparties?collector="+id(bob), nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	parties := decode[map[string]interface{}](t, res)
	require.Equal(t, id(bob), parties["collector"])
	require.ElementsMatch(t, []interface{}{id(alice), id(carol)}, parties["depositors"])

	res = f.do(t, http.MethodGet, "/v1/events/counterparties", nil, nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestFundRequiresAdminScope(t *testing.T) {
	const secret = "test-secret"
	f := newFixture(t, fixtureOptions{authEnabled: true, secret: secret})

	fund := func(token string) *httptest.ResponseRecorder {
		raw, err := json.Marshal(fundRequest{Address: id(carol), Amount: "25"})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/v1/accounts/fund", bytes.NewReader(raw))
		req.Header.Set("Authorization", "Bearer "+token)
		res := httptest.NewRecorder()
		f.handler.ServeHTTP(res, req)
		return res
	}

	plain, err := middleware.IssueToken(secret, id(alice), "", "", nil, time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, fund(plain).Code)

	admin, err := middleware.IssueToken(secret, id(alice), "", "", []string{"escrow.admin"}, time.Minute)
	require.NoError(t, err)
	res := fund(admin)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, "1025", decode[balanceResponse](t, res).Balance)

	// The dev caller header is ignored once auth is on.
	res = f.do(t, http.MethodPost, "/v1/escrow/deposits", &alice, depositRequest{Collector: id(bob), Amount: "1"})
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestSignedDeposit(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	signer := key.PubKey().Address().Array()
	signatures := auth.NewAuthenticator(time.Minute, time.Hour, 128, nil, nil)
	f := newFixture(t, fixtureOptions{authEnabled: true, signatures: signatures})
	_, err = f.bank.Fund(signer, uint256.NewInt(100))
	require.NoError(t, err)

	raw, err := json.Marshal(depositRequest{Collector: id(bob), Amount: "30"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/escrow/deposits", bytes.NewReader(raw))
	require.NoError(t, auth.SignRequest(req, key, raw, time.Now(), "nonce-1"))
	res := httptest.NewRecorder()
	f.handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	require.Equal(t, id(signer), decode[depositResponse](t, res).Depositor)

	replay := httptest.NewRequest(http.MethodPost, "/v1/escrow/deposits", bytes.NewReader(raw))
	replay.Header = req.Header.Clone()
	res = httptest.NewRecorder()
	f.handler.ServeHTTP(res, replay)
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestIdempotentDepositIsAppliedOnce(t *testing.T) {
	f := newFixture(t, fixtureOptions{guard: true})
	send := func(amount string) *httptest.ResponseRecorder {
		raw, err := json.Marshal(depositRequest{Collector: id(bob), Amount: amount})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/v1/escrow/deposits", bytes.NewReader(raw))
		req.Header.Set(middleware.HeaderCaller, id(alice))
		req.Header.Set(idempotency.HeaderKey, "dep-1")
		res := httptest.NewRecorder()
		f.handler.ServeHTTP(res, req)
		return res
	}

	first := send("12")
	require.Equal(t, http.StatusCreated, first.Code)
	second := send("12")
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	require.JSONEq(t, first.Body.String(), second.Body.String())

	record, err := f.ledger.Lookup(alice, bob)
	require.NoError(t, err)
	require.Equal(t, uint64(12), record.Amount.Uint64())

	require.Equal(t, http.StatusConflict, send("13").Code)
}

func TestMetricsAndHealth(t *testing.T) {
	obs := middleware.NewObservability(middleware.ObservabilityConfig{Enabled: true, MetricsPrefix: "escrowtest"}, nil)
	f := newFixture(t, fixtureOptions{obs: obs})

	res := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.NotEmpty(t, res.Header().Get(middleware.HeaderRequestID))

	f.do(t, http.MethodGet, "/v1/escrow/lock-duration", nil, nil)
	res = f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), "escrow.lockDuration")
}

func TestEventStreamBackfillsThenFollows(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	res := f.do(t, http.MethodPost, "/v1/escrow/deposits", &alice, depositRequest{Collector: id(bob), Amount: "3"})
	require.Equal(t, http.StatusCreated, res.Code)

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/stream?collector=" + id(bob)
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() eventResponse {
		t.Helper()
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var evt eventResponse
		require.NoError(t, json.Unmarshal(data, &evt))
		return evt
	}

	backlog := read()
	require.Equal(t, events.TypeDepositCompleted, backlog.Type)
	require.Equal(t, "3", backlog.Amount)
	require.NotEmpty(t, backlog.ID)

	require.Eventually(t, func() bool { return f.hub.Subscribers() > 0 }, 2*time.Second, 10*time.Millisecond)
	// Deposits to another collector are filtered out of the stream.
	res = f.do(t, http.MethodPost, "/v1/escrow/deposits", &alice, depositRequest{Collector: id(carol), Amount: "4"})
	require.Equal(t, http.StatusCreated, res.Code)
	res = f.do(t, http.MethodPost, "/v1/escrow/claims", &bob, claimRequest{Depositor: id(alice)})
	require.Equal(t, http.StatusOK, res.Code)

	live := read()
	require.Equal(t, events.TypeDepositReceiveCompleted, live.Type)
	require.Equal(t, id(bob), live.Collector)
	require.Greater(t, live.Sequence, backlog.Sequence)
	require.NotEmpty(t, live.ID)

	// The live copy carries the same ID as the persisted entry.
	res = f.do(t, http.MethodGet, "/v1/events/?type="+events.TypeDepositReceiveCompleted, nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	page := decode[eventsResponse](t, res)
	require.Len(t, page.Events, 1)
	require.Equal(t, page.Events[0].ID, live.ID)
}
