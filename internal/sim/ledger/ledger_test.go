package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"

	"tradepost.ai/internal/persistence/store"
	"tradepost.ai/internal/protocol"
	"tradepost.ai/internal/sim/tuning"
	"tradepost.ai/internal/sim/valuation"
)

func testLedger(t *testing.T) (*Ledger, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	tune := tuning.Defaults()
	// Pin the genesis roll so states are predictable.
	tune.StartingInventoryMin = 1000
	tune.StartingInventoryMax = 1000
	tune.SnapshotThreshold = 5

	l, err := New(st, tune, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l, st
}

func TestEnsureAgentGenesis(t *testing.T) {
	l, st := testLedger(t)
	ctx := context.Background()

	state, err := l.EnsureAgent(ctx, "agent-a")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if state.Profile.AgentID != "agent-a" {
		t.Fatalf("agentId = %q", state.Profile.AgentID)
	}
	if state.Profile.DisplayName != DisplayNameFor("agent-a") {
		t.Fatalf("displayName = %q", state.Profile.DisplayName)
	}

	// 1000 of everything: the first production makes 1818 of each product,
	// earning 9090 which becomes both current and starting funds.
	if state.Profile.CurrentFunds != 9090 || state.Profile.StartingFunds != 9090 {
		t.Fatalf("funds = %v/%v, want 9090/9090", state.Profile.CurrentFunds, state.Profile.StartingFunds)
	}
	if state.Inventory[valuation.R1] != 91 {
		t.Fatalf("R1 = %v, want 91 after consuming 909", state.Inventory[valuation.R1])
	}
	if len(state.Productions) != 1 || state.Productions[0].Kind != "automatic_initial" {
		t.Fatalf("productions = %+v", state.Productions)
	}
	if len(state.ShadowPrices) != len(valuation.Resources) {
		t.Fatalf("shadow prices = %v", state.ShadowPrices)
	}

	// Second touch is a no-op.
	before, _ := st.MaxEventID(ctx, "agent-a")
	if _, err := l.EnsureAgent(ctx, "agent-a"); err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	after, _ := st.MaxEventID(ctx, "agent-a")
	if before != after {
		t.Fatalf("re-ensure appended events: %d -> %d", before, after)
	}
}

func TestStateNeverServesStaleCache(t *testing.T) {
	l, st := testLedger(t)
	ctx := context.Background()

	if _, err := l.EnsureAgent(ctx, "agent-a"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	first, err := l.State(ctx, "agent-a")
	if err != nil {
		t.Fatalf("state: %v", err)
	}

	// The read populated the cache at the log head.
	maxID, _ := st.MaxEventID(ctx, "agent-a")
	cachedID, _, ok, _ := st.LoadCache(ctx, "agent-a")
	if !ok || cachedID != maxID {
		t.Fatalf("cache at %d, log head %d", cachedID, maxID)
	}

	if _, err := l.Append(ctx, "agent-a", EvAdjustFunds, AdjustFundsPayload{Amount: 10}); err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := l.State(ctx, "agent-a")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if second.Profile.CurrentFunds != first.Profile.CurrentFunds+10 {
		t.Fatalf("funds = %v, want %v", second.Profile.CurrentFunds, first.Profile.CurrentFunds+10)
	}
	if second.LastEventID <= first.LastEventID {
		t.Fatalf("lastEventId did not advance: %d -> %d", first.LastEventID, second.LastEventID)
	}
}

func TestSnapshotCompactionAndReplayEquivalence(t *testing.T) {
	l, st := testLedger(t)
	ctx := context.Background()

	if _, err := l.EnsureAgent(ctx, "agent-a"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// Genesis emits more events than the threshold of 5, so the first read
	// already compacts.
	snap, ok, err := st.LoadSnapshot(ctx, "agent-a")
	if err != nil || !ok {
		t.Fatalf("snapshot after genesis: ok=%v err=%v", ok, err)
	}
	maxID, _ := st.MaxEventID(ctx, "agent-a")
	if snap.LastEventID != maxID {
		t.Fatalf("snapshot at %d, log head %d", snap.LastEventID, maxID)
	}

	for i := 0; i < 6; i++ {
		if _, err := l.Append(ctx, "agent-a", EvAdjustFunds, AdjustFundsPayload{Amount: 1}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	viaSnapshot, err := l.State(ctx, "agent-a")
	if err != nil {
		t.Fatalf("state: %v", err)
	}

	// Full replay from genesis must land on the same state.
	events, err := st.EventsAfter(ctx, "agent-a", 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	full := NewAgentState()
	for _, ev := range events {
		l.red.Apply(&full, ev)
	}

	a, _ := json.Marshal(viaSnapshot)
	b, _ := json.Marshal(full)
	if !bytes.Equal(a, b) {
		t.Fatalf("snapshot+suffix replay diverged from genesis replay:\n%s\n%s", a, b)
	}

	// And compaction advanced with the new events.
	snap2, ok, _ := st.LoadSnapshot(ctx, "agent-a")
	if !ok || snap2.EventsProcessed <= snap.EventsProcessed {
		t.Fatalf("snapshot did not advance: %+v -> %+v", snap, snap2)
	}
}

func TestUpdateReadsAndAppendsUnderOneLock(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	if _, err := l.EnsureAgent(ctx, "agent-a"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	state, err := l.Update(ctx, "agent-a", func(st *AgentState) ([]EventDraft, error) {
		if st.Profile.CurrentFunds <= 0 {
			t.Fatalf("update fn saw empty state")
		}
		return []EventDraft{
			{Type: EvAdjustFunds, Payload: AdjustFundsPayload{Amount: -90}},
			{Type: EvAddNotification, Payload: NotificationPayload{ID: "notif_x", Kind: "test", Message: "hi"}},
		}, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if state.Profile.CurrentFunds != 9000 {
		t.Fatalf("funds = %v, want 9000", state.Profile.CurrentFunds)
	}
	if len(state.Notifications) != 1 || state.Notifications[0].ID != "notif_x" {
		t.Fatalf("notifications = %+v", state.Notifications)
	}

	// An error from fn appends nothing.
	_, err = l.Update(ctx, "agent-a", func(st *AgentState) ([]EventDraft, error) {
		return nil, protocol.Errorf(protocol.ErrNoFunds, "have %.2f", st.Profile.CurrentFunds)
	})
	if !protocol.IsCode(err, protocol.ErrNoFunds) {
		t.Fatalf("err = %v", err)
	}
	state, _ = l.State(ctx, "agent-a")
	if state.Profile.CurrentFunds != 9000 {
		t.Fatalf("failed update must not write: funds = %v", state.Profile.CurrentFunds)
	}
}

func TestRunProduction(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	_, err := l.RunProduction(ctx, "agent-missing", 1)
	if !protocol.IsCode(err, protocol.ErrNotFound) {
		t.Fatalf("err = %v, want E_NOT_FOUND", err)
	}

	if _, err := l.EnsureAgent(ctx, "agent-a"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	state, err := l.RunProduction(ctx, "agent-a", 2)
	if err != nil {
		t.Fatalf("run production: %v", err)
	}
	if len(state.Productions) != 2 {
		t.Fatalf("productions = %d, want 2", len(state.Productions))
	}
	manual := state.Productions[1]
	if manual.Kind != "manual" || manual.Session != 2 {
		t.Fatalf("production record = %+v", manual)
	}
	// Genesis left too little of R2/R3 to make another whole unit.
	if manual.QtyA != 0 || manual.QtyB != 0 || manual.Revenue != 0 {
		t.Fatalf("expected an empty run on depleted inventory: %+v", manual)
	}
}

func TestNotify(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	if _, err := l.EnsureAgent(ctx, "agent-a"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := l.Notify(ctx, "agent-a", "trade_completed", "sold 40 R1", map[string]any{"transactionId": "txn_1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	state, _ := l.State(ctx, "agent-a")
	if len(state.Notifications) != 1 {
		t.Fatalf("notifications = %+v", state.Notifications)
	}
	n := state.Notifications[0]
	if n.Kind != "trade_completed" || n.Read || !strings.HasPrefix(n.ID, "notif_") {
		t.Fatalf("notification = %+v", n)
	}
}

func TestDisplayNameForIsStable(t *testing.T) {
	a := DisplayNameFor("agent-a")
	if a != DisplayNameFor("agent-a") {
		t.Fatalf("name generation must be deterministic")
	}
	if !strings.Contains(a, " ") {
		t.Fatalf("name %q should be adjective + animal", a)
	}
}
