package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"escrowledger/core/events"
	"escrowledger/core/state"
	"escrowledger/crypto"
	"escrowledger/native/escrow"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	wsWriteTimeout    = 5 * time.Second
)

func eventFilterFrom(r *http.Request) (state.EventFilter, error) {
	var filter state.EventFilter
	depositor, err := queryIdentity(r, "depositor")
	if err != nil {
		return filter, err
	}
	collector, err := queryIdentity(r, "collector")
	if err != nil {
		return filter, err
	}
	filter.Depositor = depositor
	filter.Collector = collector
	for _, raw := range r.URL.Query()["type"] {
		for _, kind := range strings.Split(raw, ",") {
			kind = strings.TrimSpace(kind)
			if kind == "" {
				continue
			}
			if !events.IsEscrowType(kind) {
				return filter, fmt.Errorf("unknown event type %q", kind)
			}
			filter.Types = append(filter.Types, kind)
		}
	}
	if filter.After, err = queryUint(r, "cursor"); err != nil {
		return filter, err
	}
	return filter, nil
}

func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilterFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	switch {
	case limit == 0:
		filter.Limit = defaultEventLimit
	case limit > maxEventLimit:
		filter.Limit = maxEventLimit
	default:
		filter.Limit = int(limit)
	}
	records, err := a.events.EscrowEvents(filter)
	if err != nil {
		a.fail(w, r, "events", err)
		return
	}
	writeJSON(w, http.StatusOK, newEventsResponse(records, filter.Limit))
}

// handleCounterparties answers "who deposited to collector X" and "who did
// depositor X deposit to". Exactly one of the two query parameters is set.
func (a *api) handleCounterparties(w http.ResponseWriter, r *http.Request) {
	depositor, err := queryIdentity(r, "depositor")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	collector, err := queryIdentity(r, "collector")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	var (
		party [20]byte
		role  escrow.Role
		key   string
	)
	switch {
	case depositor != nil && collector == nil:
		party, role, key = *depositor, escrow.RoleDepositor, "collectors"
	case collector != nil && depositor == nil:
		party, role, key = *collector, escrow.RoleCollector, "depositors"
	default:
		writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Errorf("exactly one of depositor or collector is required"))
		return
	}
	parties, err := a.events.EscrowCounterparties(party, role)
	if err != nil {
		a.fail(w, r, "counterparties", err)
		return
	}
	out := make([]string, 0, len(parties))
	for _, p := range parties {
		out = append(out, crypto.FormatIdentity(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		role.String(): crypto.FormatIdentity(party),
		key:           out,
	})
}

// handleStream upgrades to a websocket, replays persisted events after the
// cursor and then forwards live events matching the same filter.
func (a *api) handleStream(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilterFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	if err := a.streamEvents(ctx, conn, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			a.logger.Warn("event stream terminated", "error", err.Error())
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (a *api) streamEvents(ctx context.Context, conn *websocket.Conn, filter state.EventFilter) error {
	// Subscribe before the backfill so nothing committed in between is lost.
	live, cancel := a.stream.Subscribe(ctx)
	defer cancel()

	backlog, err := a.events.EscrowEvents(filter)
	if err != nil {
		return err
	}
	// Events are emitted after commit without a global lock, so live events of
	// different pairs may arrive out of sequence order; dedupe against the
	// backlog by sequence rather than by watermark.
	sent := make(map[uint64]struct{}, len(backlog))
	for _, record := range backlog {
		if err := writeEvent(ctx, conn, newEventResponse(record.ID, record.Event)); err != nil {
			return err
		}
		sent[record.Event.Transfer().Sequence] = struct{}{}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-live:
			if !ok {
				return nil
			}
			if _, dup := sent[evt.Transfer().Sequence]; dup || !filter.Matches(evt) {
				continue
			}
			record, found, err := a.events.EscrowEvent(evt.Transfer().Sequence)
			if err != nil {
				return err
			}
			if !found {
				record = state.EscrowEventRecord{Event: evt}
			}
			if err := writeEvent(ctx, conn, newEventResponse(record.ID, record.Event)); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, payload eventResponse) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
