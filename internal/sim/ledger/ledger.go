// Package ledger implements the per-agent event-sourced ledger: an
// append-only log per agent, a pure reducer over it, snapshot compaction, and
// a read-through cache that is invalidated in the same transaction as every
// append.
package ledger

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"tradepost.ai/internal/persistence/store"
	"tradepost.ai/internal/protocol"
	"tradepost.ai/internal/sim/tuning"
	"tradepost.ai/internal/sim/valuation"
)

// Ledger coordinates access to every agent's event log. All writes to one
// agent's log are serialized behind that agent's mutex; distinct agents never
// contend.
type Ledger struct {
	store  *store.Store
	tune   tuning.Tuning
	engine *valuation.Engine
	red    Reducer
	logger *log.Logger

	mu     sync.Mutex
	agents map[string]*sync.Mutex
	rnd    *rand.Rand

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// EventDraft is an event waiting to be appended.
type EventDraft struct {
	Type    string
	Payload any
}

func New(st *store.Store, tune tuning.Tuning, logger *log.Logger) (*Ledger, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Ledger{
		store:  st,
		tune:   tune,
		engine: valuation.New(tune.Valuation()),
		red:    NewReducer(tune.NotificationCap, tune.PatienceStart, tune.PatienceDrop),
		logger: logger,
		agents: map[string]*sync.Mutex{},
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		enc:    enc,
		dec:    dec,
	}, nil
}

// Valuation exposes the solver shared by production and negotiation heat.
func (l *Ledger) Valuation() *valuation.Engine { return l.engine }

func (l *Ledger) agentMu(agentID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.agents[agentID]
	if !ok {
		mu = &sync.Mutex{}
		l.agents[agentID] = mu
	}
	return mu
}

func (l *Ledger) randRange(min, max float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return min + l.rnd.Float64()*(max-min)
}

// Append writes one event to the agent's log. The store drops the agent's
// cached state in the same transaction, so no reader can observe the old
// cache alongside the new event.
func (l *Ledger) Append(ctx context.Context, agentID, typ string, payload any) (int64, error) {
	mu := l.agentMu(agentID)
	mu.Lock()
	defer mu.Unlock()
	return l.appendLocked(ctx, agentID, typ, payload)
}

func (l *Ledger) appendLocked(ctx context.Context, agentID, typ string, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, protocol.Errorf(protocol.ErrInternal, "encode %s payload: %v", typ, err)
	}
	id, err := l.store.AppendEvent(ctx, agentID, typ, raw, time.Now().UTC())
	if err != nil {
		return 0, protocol.Errorf(protocol.ErrStorage, "append %s for %s: %v", typ, agentID, err)
	}
	return id, nil
}

// State returns the agent's current reduced state, serving from cache when it
// is exactly as new as the log's last event and replaying otherwise.
func (l *Ledger) State(ctx context.Context, agentID string) (AgentState, error) {
	mu := l.agentMu(agentID)
	mu.Lock()
	defer mu.Unlock()
	return l.stateLocked(ctx, agentID)
}

// Update reads the agent's state, lets fn decide which events to append, and
// appends them under the agent's write lock so the read-decide-append
// sequence cannot interleave with another writer on the same ledger.
//
// fn must not retain st past its return.
func (l *Ledger) Update(ctx context.Context, agentID string, fn func(st *AgentState) ([]EventDraft, error)) (AgentState, error) {
	mu := l.agentMu(agentID)
	mu.Lock()
	defer mu.Unlock()

	st, err := l.stateLocked(ctx, agentID)
	if err != nil {
		return AgentState{}, err
	}
	drafts, err := fn(&st)
	if err != nil {
		return AgentState{}, err
	}
	for _, d := range drafts {
		if _, err := l.appendLocked(ctx, agentID, d.Type, d.Payload); err != nil {
			return AgentState{}, err
		}
	}
	if len(drafts) == 0 {
		return st, nil
	}
	return l.stateLocked(ctx, agentID)
}

func (l *Ledger) stateLocked(ctx context.Context, agentID string) (AgentState, error) {
	maxID, err := l.store.MaxEventID(ctx, agentID)
	if err != nil {
		return AgentState{}, protocol.Errorf(protocol.ErrStorage, "max event id for %s: %v", agentID, err)
	}
	if maxID == 0 {
		return NewAgentState(), nil
	}

	cachedID, blob, ok, err := l.store.LoadCache(ctx, agentID)
	if err != nil {
		return AgentState{}, protocol.Errorf(protocol.ErrStorage, "load cache for %s: %v", agentID, err)
	}
	if ok && cachedID == maxID {
		st, err := l.decodeState(blob)
		if err == nil {
			return st, nil
		}
		// A corrupt cache blob is not fatal: drop it and fall through to
		// replay.
		l.logger.Printf("cache for %s unreadable, replaying: %v", agentID, err)
		if err := l.store.InvalidateCache(ctx, agentID); err != nil {
			l.logger.Printf("drop cache for %s: %v", agentID, err)
		}
	}

	st := NewAgentState()
	var snapProcessed int64
	var afterID int64
	snap, haveSnap, err := l.store.LoadSnapshot(ctx, agentID)
	if err != nil {
		return AgentState{}, protocol.Errorf(protocol.ErrStorage, "load snapshot for %s: %v", agentID, err)
	}
	if haveSnap {
		decoded, err := l.decodeState(snap.State)
		if err != nil {
			l.logger.Printf("snapshot for %s unreadable, replaying from genesis: %v", agentID, err)
		} else {
			st = decoded
			afterID = snap.LastEventID
			snapProcessed = snap.EventsProcessed
		}
	}

	events, err := l.store.EventsAfter(ctx, agentID, afterID)
	if err != nil {
		return AgentState{}, protocol.Errorf(protocol.ErrStorage, "replay events for %s: %v", agentID, err)
	}
	for _, ev := range events {
		l.red.Apply(&st, ev)
	}

	out, err := l.encodeState(st)
	if err != nil {
		return AgentState{}, protocol.Errorf(protocol.ErrInternal, "encode state for %s: %v", agentID, err)
	}
	if err := l.store.SaveCache(ctx, agentID, st.LastEventID, out); err != nil {
		return AgentState{}, protocol.Errorf(protocol.ErrStorage, "save cache for %s: %v", agentID, err)
	}

	if l.tune.SnapshotThreshold > 0 && st.EventsProcessed-snapProcessed >= int64(l.tune.SnapshotThreshold) {
		err := l.store.SaveSnapshot(ctx, agentID, store.Snapshot{
			LastEventID:     st.LastEventID,
			EventsProcessed: st.EventsProcessed,
			State:           out,
		})
		if err != nil {
			// Compaction is an optimization; the log remains authoritative.
			l.logger.Printf("snapshot for %s failed: %v", agentID, err)
		}
	}
	return st, nil
}

func (l *Ledger) encodeState(st AgentState) ([]byte, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	return l.enc.EncodeAll(raw, nil), nil
}

func (l *Ledger) decodeState(blob []byte) (AgentState, error) {
	raw, err := l.dec.DecodeAll(blob, nil)
	if err != nil {
		return AgentState{}, err
	}
	st := NewAgentState()
	if err := json.Unmarshal(raw, &st); err != nil {
		return AgentState{}, err
	}
	return st, nil
}

// EnsureAgent returns the agent's state, creating the ledger on first touch:
// an init event with a generated display name and uniformly random starting
// inventory, then an automatic first production whose revenue becomes the
// agent's starting funds.
func (l *Ledger) EnsureAgent(ctx context.Context, agentID string) (AgentState, error) {
	mu := l.agentMu(agentID)
	mu.Lock()
	defer mu.Unlock()

	exists, err := l.store.AgentExists(ctx, agentID)
	if err != nil {
		return AgentState{}, protocol.Errorf(protocol.ErrStorage, "agent exists %s: %v", agentID, err)
	}
	if exists {
		return l.stateLocked(ctx, agentID)
	}

	inv := valuation.Inventory{}
	for _, r := range valuation.Resources {
		inv[r] = valuation.Round4(l.randRange(l.tune.StartingInventoryMin, l.tune.StartingInventoryMax))
	}
	name := DisplayNameFor(agentID)
	_, err = l.appendLocked(ctx, agentID, EvInit, InitPayload{
		Profile:   &ProfilePatch{AgentID: strPtr(agentID), DisplayName: strPtr(name)},
		Inventory: inv,
	})
	if err != nil {
		return AgentState{}, err
	}
	if err := l.runProductionLocked(ctx, agentID, inv, "automatic_initial", 0, true); err != nil {
		return AgentState{}, err
	}
	l.logger.Printf("agent %s initialized as %q", agentID, name)
	return l.stateLocked(ctx, agentID)
}

// RunProduction solves the production LP against the agent's current
// inventory, applies the floored mix (consume inputs, credit revenue), records
// the run and refreshes shadow prices.
func (l *Ledger) RunProduction(ctx context.Context, agentID string, session int) (AgentState, error) {
	mu := l.agentMu(agentID)
	mu.Lock()
	defer mu.Unlock()

	st, err := l.stateLocked(ctx, agentID)
	if err != nil {
		return AgentState{}, err
	}
	if st.EventsProcessed == 0 {
		return AgentState{}, protocol.Errorf(protocol.ErrNotFound, "agent %s has no ledger", agentID)
	}
	if err := l.runProductionLocked(ctx, agentID, st.Inventory, "manual", session, false); err != nil {
		return AgentState{}, err
	}
	return l.stateLocked(ctx, agentID)
}

func (l *Ledger) runProductionLocked(ctx context.Context, agentID string, inv valuation.Inventory, kind string, session int, isStarting bool) error {
	sol := l.engine.Solve(inv)
	mix := sol.Mix.Floored()
	consumed := l.engine.Consumed(mix)
	revenue := l.engine.Revenue(mix)

	remaining := inv.Clone()
	for _, r := range valuation.Resources {
		amount, ok := consumed[r]
		if !ok {
			continue
		}
		if _, err := l.appendLocked(ctx, agentID, EvAdjustInventory, AdjustInventoryPayload{
			Resource: r,
			Amount:   -amount,
		}); err != nil {
			return err
		}
		remaining[r] = valuation.Round4(remaining[r] - amount)
	}

	if isStarting {
		if _, err := l.appendLocked(ctx, agentID, EvSetFunds, SetFundsPayload{Amount: revenue, IsStarting: true}); err != nil {
			return err
		}
	} else if revenue != 0 {
		if _, err := l.appendLocked(ctx, agentID, EvAdjustFunds, AdjustFundsPayload{Amount: revenue}); err != nil {
			return err
		}
	}

	if _, err := l.appendLocked(ctx, agentID, EvAddProduction, Production{
		Kind:     kind,
		QtyA:     mix.QtyA,
		QtyB:     mix.QtyB,
		Revenue:  revenue,
		Consumed: consumed,
		Session:  session,
	}); err != nil {
		return err
	}

	_, err := l.appendLocked(ctx, agentID, EvUpdateShadow, UpdateShadowPayload{
		Prices: l.engine.ShadowPrices(remaining),
	})
	return err
}

// Notify appends a notification to the agent's own ledger.
func (l *Ledger) Notify(ctx context.Context, agentID, kind, message string, data map[string]any) error {
	_, err := l.Append(ctx, agentID, EvAddNotification, NotificationPayload{
		ID:      "notif_" + uuid.NewString(),
		Kind:    kind,
		Message: message,
		Data:    data,
	})
	return err
}

// Agents lists every agent with a ledger.
func (l *Ledger) Agents(ctx context.Context) ([]string, error) {
	agents, err := l.store.Agents(ctx)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrStorage, "list agents: %v", err)
	}
	return agents, nil
}
