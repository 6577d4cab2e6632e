package negotiation

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"

	"tradepost.ai/internal/persistence/store"
	"tradepost.ai/internal/protocol"
	"tradepost.ai/internal/sim/ledger"
	"tradepost.ai/internal/sim/trade"
	"tradepost.ai/internal/sim/tuning"
	"tradepost.ai/internal/sim/valuation"
)

func testEngine(t *testing.T) (*Engine, *ledger.Ledger) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	discard := log.New(io.Discard, "", 0)
	l, err := ledger.New(st, tuning.Defaults(), discard)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	exec := trade.New(l, nil, discard)
	return New(st, l, exec, discard), l
}

func seed(t *testing.T, l *ledger.Ledger, id string, inv valuation.Inventory, funds float64) {
	t.Helper()
	ctx := context.Background()
	name := id + " test"
	if _, err := l.Append(ctx, id, ledger.EvInit, ledger.InitPayload{
		Profile:   &ledger.ProfilePatch{AgentID: &id, DisplayName: &name},
		Inventory: inv,
	}); err != nil {
		t.Fatalf("seed init: %v", err)
	}
	if _, err := l.Append(ctx, id, ledger.EvSetFunds, ledger.SetFundsPayload{Amount: funds, IsStarting: true}); err != nil {
		t.Fatalf("seed funds: %v", err)
	}
}

func TestNegotiationRoundTrip(t *testing.T) {
	e, l := testEngine(t)
	ctx := context.Background()

	// "init" wants to buy R1 from "resp".
	seed(t, l, "init", valuation.Inventory{}, 100)
	seed(t, l, "resp", valuation.Inventory{valuation.R1: 20}, 0)

	n, err := e.Create(ctx, "init", "resp", valuation.R1, TypeBuy, Terms{Quantity: 10, Price: 3.0}, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n.Status != StatusPending || n.LastOfferBy != "init" || len(n.Offers) != 1 {
		t.Fatalf("negotiation = %+v", n)
	}

	n, err = e.Counter(ctx, n.ID, "resp", Terms{Quantity: 10, Price: 3.5})
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if n.LastOfferBy != "resp" || len(n.Offers) != 2 {
		t.Fatalf("after counter = %+v", n)
	}

	n, err = e.Accept(ctx, n.ID, "init")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if n.Status != StatusAccepted || n.TransactionID == "" {
		t.Fatalf("after accept = %+v", n)
	}

	// Accepted terms are the latest offer: 10 units at 3.5.
	buyer, _ := l.State(ctx, "init")
	seller, _ := l.State(ctx, "resp")
	if buyer.Inventory[valuation.R1] != 10 || buyer.Profile.CurrentFunds != 65 {
		t.Fatalf("buyer = inv %v funds %v, want 10/65", buyer.Inventory[valuation.R1], buyer.Profile.CurrentFunds)
	}
	if seller.Inventory[valuation.R1] != 10 || seller.Profile.CurrentFunds != 35 {
		t.Fatalf("seller = inv %v funds %v, want 10/35", seller.Inventory[valuation.R1], seller.Profile.CurrentFunds)
	}

	// Matching transaction id on both ledgers.
	if buyer.TransactionByID(n.TransactionID) == nil || seller.TransactionByID(n.TransactionID) == nil {
		t.Fatalf("transaction %s missing from a ledger", n.TransactionID)
	}
	if buyer.NegotiationLocal[n.ID].Outcome != StatusAccepted {
		t.Fatalf("local outcome = %+v", buyer.NegotiationLocal[n.ID])
	}
}

func TestTurnIntegrity(t *testing.T) {
	e, l := testEngine(t)
	ctx := context.Background()

	seed(t, l, "init", valuation.Inventory{}, 100)
	seed(t, l, "resp", valuation.Inventory{valuation.R1: 20}, 0)

	n, err := e.Create(ctx, "init", "resp", valuation.R1, TypeBuy, Terms{Quantity: 5, Price: 2}, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The initiator holds the last offer: it can neither counter nor accept.
	if _, err := e.Counter(ctx, n.ID, "init", Terms{Quantity: 5, Price: 1.5}); !protocol.IsCode(err, protocol.ErrNotYourTurn) {
		t.Fatalf("counter own offer: %v", err)
	}
	if _, err := e.Accept(ctx, n.ID, "init"); !protocol.IsCode(err, protocol.ErrNotYourTurn) {
		t.Fatalf("accept own offer: %v", err)
	}

	// Outsiders can do nothing.
	seed(t, l, "spy", valuation.Inventory{}, 0)
	if _, err := e.Counter(ctx, n.ID, "spy", Terms{Quantity: 5, Price: 1}); !protocol.IsCode(err, protocol.ErrNoPermission) {
		t.Fatalf("outsider counter: %v", err)
	}
	if _, err := e.Accept(ctx, n.ID, "spy"); !protocol.IsCode(err, protocol.ErrNoPermission) {
		t.Fatalf("outsider accept: %v", err)
	}

	// After the responder counters, the turn flips back.
	if _, err := e.Counter(ctx, n.ID, "resp", Terms{Quantity: 5, Price: 2.5}); err != nil {
		t.Fatalf("responder counter: %v", err)
	}
	if _, err := e.Counter(ctx, n.ID, "resp", Terms{Quantity: 5, Price: 2.6}); !protocol.IsCode(err, protocol.ErrNotYourTurn) {
		t.Fatalf("two counters in a row: %v", err)
	}
	if _, err := e.Accept(ctx, n.ID, "resp"); !protocol.IsCode(err, protocol.ErrNotYourTurn) {
		t.Fatalf("accept after own counter: %v", err)
	}
	if _, err := e.Accept(ctx, n.ID, "init"); err != nil {
		t.Fatalf("initiator accept: %v", err)
	}
}

func TestRejectIgnoresTurn(t *testing.T) {
	e, l := testEngine(t)
	ctx := context.Background()

	seed(t, l, "init", valuation.Inventory{}, 100)
	seed(t, l, "resp", valuation.Inventory{valuation.R2: 20}, 0)

	n, err := e.Create(ctx, "init", "resp", valuation.R2, TypeBuy, Terms{Quantity: 5, Price: 2}, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The initiator made the last offer but may still reject.
	n, err = e.Reject(ctx, n.ID, "init")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if n.Status != StatusRejected {
		t.Fatalf("status = %s", n.Status)
	}

	// No trade happened.
	buyer, _ := l.State(ctx, "init")
	if buyer.Inventory[valuation.R2] != 0 || buyer.Profile.CurrentFunds != 100 {
		t.Fatalf("reject must have no side effects")
	}

	// A closed negotiation takes no further transitions.
	if _, err := e.Counter(ctx, n.ID, "resp", Terms{Quantity: 5, Price: 1}); !protocol.IsCode(err, protocol.ErrConflict) {
		t.Fatalf("counter on rejected: %v", err)
	}
	if _, err := e.Accept(ctx, n.ID, "resp"); !protocol.IsCode(err, protocol.ErrConflict) {
		t.Fatalf("accept on rejected: %v", err)
	}
}

func TestPatienceDrainsOnIncomingCounters(t *testing.T) {
	e, l := testEngine(t)
	ctx := context.Background()

	seed(t, l, "init", valuation.Inventory{}, 1000)
	seed(t, l, "resp", valuation.Inventory{valuation.R1: 100}, 0)

	n, err := e.Create(ctx, "init", "resp", valuation.R1, TypeBuy, Terms{Quantity: 10, Price: 2}, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// resp counters (drains init), init counters (drains resp), resp counters
	// (drains init again).
	for i, c := range []struct {
		from  string
		price float64
	}{{"resp", 3}, {"init", 2.2}, {"resp", 2.8}} {
		if _, err := e.Counter(ctx, n.ID, c.from, Terms{Quantity: 10, Price: c.price}); err != nil {
			t.Fatalf("counter %d: %v", i, err)
		}
	}

	initState, _ := l.State(ctx, "init")
	respState, _ := l.State(ctx, "resp")
	if got := initState.NegotiationLocal[n.ID].Patience; got != 80 {
		t.Fatalf("initiator patience = %d, want 80", got)
	}
	if got := respState.NegotiationLocal[n.ID].Patience; got != 90 {
		t.Fatalf("responder patience = %d, want 90", got)
	}
}

func TestHeatTracksShadowPrices(t *testing.T) {
	e, l := testEngine(t)
	ctx := context.Background()

	seed(t, l, "init", valuation.Inventory{}, 1000)
	seed(t, l, "resp", valuation.Inventory{valuation.R1: 100}, 0)
	if _, err := l.Append(ctx, "init", ledger.EvUpdateShadow, ledger.UpdateShadowPayload{
		Prices: map[valuation.Resource]float64{valuation.R1: 6},
	}); err != nil {
		t.Fatalf("seed shadow: %v", err)
	}
	if _, err := l.Append(ctx, "resp", ledger.EvUpdateShadow, ledger.UpdateShadowPayload{
		Prices: map[valuation.Resource]float64{valuation.R1: 3},
	}); err != nil {
		t.Fatalf("seed shadow: %v", err)
	}

	// init buys at 5: buyer gains 1/unit, seller gains 2/unit.
	n, err := e.Create(ctx, "init", "resp", valuation.R1, TypeBuy, Terms{Quantity: 40, Price: 5}, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n.Offers[0].Heat != 120 || !n.Offers[0].Hot {
		t.Fatalf("offer heat = %v hot=%v, want 120 true", n.Offers[0].Heat, n.Offers[0].Hot)
	}

	// A counter above the buyer's shadow price is no longer hot.
	n, err = e.Counter(ctx, n.ID, "resp", Terms{Quantity: 40, Price: 7})
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if n.Offers[1].Hot {
		t.Fatalf("price above buyer shadow must not be hot")
	}
}

func TestAcceptFailureKeepsNegotiationPending(t *testing.T) {
	e, l := testEngine(t)
	ctx := context.Background()

	// Seller has too little inventory for the offered quantity.
	seed(t, l, "init", valuation.Inventory{}, 1000)
	seed(t, l, "resp", valuation.Inventory{valuation.R1: 2}, 0)

	n, err := e.Create(ctx, "init", "resp", valuation.R1, TypeBuy, Terms{Quantity: 10, Price: 1}, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.Accept(ctx, n.ID, "resp"); !protocol.IsCode(err, protocol.ErrNoInventory) {
		t.Fatalf("accept: %v, want E_NO_INVENTORY", err)
	}

	n, err = e.Load(ctx, n.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n.Status != StatusPending || n.TransactionID != "" {
		t.Fatalf("failed accept must leave the negotiation pending: %+v", n)
	}
}

func TestReactionStaysLocal(t *testing.T) {
	e, l := testEngine(t)
	ctx := context.Background()

	seed(t, l, "init", valuation.Inventory{}, 100)
	seed(t, l, "resp", valuation.Inventory{valuation.R3: 50}, 0)

	n, err := e.Create(ctx, "init", "resp", valuation.R3, TypeBuy, Terms{Quantity: 1, Price: 1}, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.React(ctx, n.ID, "resp", 2); err != nil {
		t.Fatalf("react: %v", err)
	}

	respState, _ := l.State(ctx, "resp")
	initState, _ := l.State(ctx, "init")
	if respState.NegotiationLocal[n.ID].LastReaction != 2 {
		t.Fatalf("reaction not recorded: %+v", respState.NegotiationLocal[n.ID])
	}
	if initState.NegotiationLocal[n.ID].LastReaction != 0 {
		t.Fatalf("reaction leaked to the counterparty")
	}
}

func TestPendingFor(t *testing.T) {
	e, l := testEngine(t)
	ctx := context.Background()

	seed(t, l, "a", valuation.Inventory{valuation.R1: 10}, 100)
	seed(t, l, "b", valuation.Inventory{valuation.R1: 10}, 100)
	seed(t, l, "c", valuation.Inventory{valuation.R1: 10}, 100)

	n1, err := e.Create(ctx, "a", "b", valuation.R1, TypeBuy, Terms{Quantity: 1, Price: 1}, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.Create(ctx, "b", "c", valuation.R1, TypeSell, Terms{Quantity: 1, Price: 1}, 1); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.Reject(ctx, n1.ID, "b"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	for agent, want := range map[string]int{"a": 0, "b": 1, "c": 1} {
		got, err := e.PendingFor(ctx, agent)
		if err != nil {
			t.Fatalf("pending for %s: %v", agent, err)
		}
		if len(got) != want {
			t.Fatalf("pending for %s = %d, want %d", agent, len(got), want)
		}
	}
}
