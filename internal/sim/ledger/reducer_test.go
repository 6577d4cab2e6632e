package ledger

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"tradepost.ai/internal/persistence/store"
	"tradepost.ai/internal/sim/valuation"
)

func testReducer() Reducer { return NewReducer(50, 100, 10) }

func mkEvent(t *testing.T, id int64, typ string, payload any) store.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return store.Event{
		ID:        id,
		AgentID:   "agent-a",
		Type:      typ,
		Payload:   raw,
		Timestamp: time.Unix(1700000000+id, 0).UTC(),
	}
}

func TestReduceInventoryRoundingAndClamp(t *testing.T) {
	r := testReducer()
	st := NewAgentState()

	r.Apply(&st, mkEvent(t, 1, EvAdjustInventory, AdjustInventoryPayload{Resource: valuation.R1, Amount: 10.123456}))
	if st.Inventory[valuation.R1] != 10.1235 {
		t.Fatalf("inventory = %v, want 10.1235", st.Inventory[valuation.R1])
	}

	// Over-withdrawal clamps at zero instead of going negative.
	r.Apply(&st, mkEvent(t, 2, EvAdjustInventory, AdjustInventoryPayload{Resource: valuation.R1, Amount: -999}))
	if st.Inventory[valuation.R1] != 0 {
		t.Fatalf("inventory = %v, want 0", st.Inventory[valuation.R1])
	}

	// Unknown resources are ignored entirely.
	r.Apply(&st, mkEvent(t, 3, EvAdjustInventory, AdjustInventoryPayload{Resource: "R9", Amount: 5}))
	if _, ok := st.Inventory["R9"]; ok {
		t.Fatalf("unknown resource must not enter inventory")
	}
	if st.EventsProcessed != 3 {
		t.Fatalf("eventsProcessed = %d, want 3", st.EventsProcessed)
	}
}

func TestReduceFundsRounding(t *testing.T) {
	r := testReducer()
	st := NewAgentState()

	r.Apply(&st, mkEvent(t, 1, EvSetFunds, SetFundsPayload{Amount: 100.006, IsStarting: true}))
	if st.Profile.CurrentFunds != 100.01 || st.Profile.StartingFunds != 100.01 {
		t.Fatalf("funds = %v/%v, want 100.01/100.01", st.Profile.CurrentFunds, st.Profile.StartingFunds)
	}
	r.Apply(&st, mkEvent(t, 2, EvAdjustFunds, AdjustFundsPayload{Amount: -0.004}))
	if st.Profile.CurrentFunds != 100.01 {
		t.Fatalf("funds = %v, want 100.01 (sub-cent adjustment rounds away)", st.Profile.CurrentFunds)
	}
	r.Apply(&st, mkEvent(t, 3, EvAdjustFunds, AdjustFundsPayload{Amount: -25.5}))
	if st.Profile.CurrentFunds != 74.51 {
		t.Fatalf("funds = %v, want 74.51", st.Profile.CurrentFunds)
	}
	if st.Profile.StartingFunds != 100.01 {
		t.Fatalf("startingFunds must not move on adjust")
	}
}

func TestReduceUnknownTypeCountedButIgnored(t *testing.T) {
	r := testReducer()
	st := NewAgentState()

	r.Apply(&st, mkEvent(t, 1, "teleport_agent", map[string]any{"x": 1}))
	if st.EventsProcessed != 1 || st.LastEventID != 1 {
		t.Fatalf("unknown events still advance counters: %+v", st)
	}
	if len(st.Inventory) != 0 || st.Profile.CurrentFunds != 0 {
		t.Fatalf("unknown events must not touch state")
	}
}

func TestReduceNotificationCap(t *testing.T) {
	r := testReducer()
	st := NewAgentState()

	for i := 0; i < 55; i++ {
		r.Apply(&st, mkEvent(t, int64(i+1), EvAddNotification, NotificationPayload{
			ID:      fmt.Sprintf("notif_%02d", i),
			Kind:    "test",
			Message: "m",
		}))
	}
	if len(st.Notifications) != 50 {
		t.Fatalf("notifications = %d, want 50", len(st.Notifications))
	}
	if st.Notifications[0].ID != "notif_05" {
		t.Fatalf("oldest kept = %s, want notif_05", st.Notifications[0].ID)
	}
	if st.Notifications[49].ID != "notif_54" {
		t.Fatalf("newest kept = %s, want notif_54", st.Notifications[49].ID)
	}
}

func TestReduceMarkNotificationsRead(t *testing.T) {
	r := testReducer()
	st := NewAgentState()
	for _, id := range []string{"a", "b", "c"} {
		r.Apply(&st, mkEvent(t, 1, EvAddNotification, NotificationPayload{ID: id, Kind: "test"}))
	}

	r.Apply(&st, mkEvent(t, 4, EvMarkNotifsRead, MarkNotifsReadPayload{IDs: []string{"b"}}))
	if st.UnreadNotifications() != 2 {
		t.Fatalf("unread = %d, want 2", st.UnreadNotifications())
	}
	r.Apply(&st, mkEvent(t, 5, EvMarkNotifsRead, MarkNotifsReadPayload{}))
	if st.UnreadNotifications() != 0 {
		t.Fatalf("nil ids marks everything read")
	}
}

func TestReduceTransactionsAndReflection(t *testing.T) {
	r := testReducer()
	st := NewAgentState()

	r.Apply(&st, mkEvent(t, 1, EvAddTransaction, Transaction{
		TransactionID:     "txn_1",
		Resource:          valuation.R1,
		Quantity:          40,
		PricePerUnit:      5,
		TotalPrice:        200,
		Role:              "seller",
		Counterparty:      "agent-b",
		PendingReflection: true,
	}))
	if got := st.PendingReflections(); len(got) != 1 || got[0].TransactionID != "txn_1" {
		t.Fatalf("pending = %+v", got)
	}

	// Marking an unrelated id changes nothing.
	r.Apply(&st, mkEvent(t, 2, EvMarkReflected, MarkReflectedPayload{TransactionID: "txn_other"}))
	if len(st.PendingReflections()) != 1 {
		t.Fatalf("unrelated mark must not clear pending")
	}

	r.Apply(&st, mkEvent(t, 3, EvMarkReflected, MarkReflectedPayload{TransactionID: "txn_1"}))
	if len(st.PendingReflections()) != 0 {
		t.Fatalf("pending flag should be cleared")
	}
	if st.TransactionByID("txn_1") == nil {
		t.Fatalf("transaction record itself must survive")
	}
}

func TestReducePatienceDrain(t *testing.T) {
	r := testReducer()
	st := NewAgentState()

	r.Apply(&st, mkEvent(t, 1, EvOpenNegotiation, OpenNegotiationPayload{
		NegotiationID: "neg-1",
		Resource:      valuation.R2,
		Role:          "seller",
		Counterparty:  "agent-b",
	}))
	local := st.NegotiationLocal["neg-1"]
	if local == nil || local.Patience != 100 {
		t.Fatalf("open should seed patience 100: %+v", local)
	}

	// My own counters do not drain patience, incoming ones do.
	r.Apply(&st, mkEvent(t, 2, EvAddCounterOffer, AddCounterOfferPayload{NegotiationID: "neg-1", FromMe: true}))
	if local.Patience != 100 {
		t.Fatalf("own counter drained patience: %d", local.Patience)
	}
	for i := 0; i < 12; i++ {
		r.Apply(&st, mkEvent(t, int64(3+i), EvAddCounterOffer, AddCounterOfferPayload{NegotiationID: "neg-1"}))
	}
	if local.Patience != 0 {
		t.Fatalf("patience = %d, want floor at 0", local.Patience)
	}

	r.Apply(&st, mkEvent(t, 20, EvAddReaction, AddReactionPayload{NegotiationID: "neg-1", Level: 3}))
	if local.LastReaction != 3 {
		t.Fatalf("lastReaction = %d, want 3", local.LastReaction)
	}
	r.Apply(&st, mkEvent(t, 21, EvCloseNegotiation, CloseNegotiationPayload{NegotiationID: "neg-1", Outcome: "rejected"}))
	if local.Outcome != "rejected" {
		t.Fatalf("outcome = %q", local.Outcome)
	}
}

func TestReduceOffersAndBuyOrders(t *testing.T) {
	r := testReducer()
	st := NewAgentState()

	r.Apply(&st, mkEvent(t, 1, EvAddOffer, Offer{ID: "offer_1", Resource: valuation.R3, Quantity: 10, PricePerUnit: 2}))
	r.Apply(&st, mkEvent(t, 2, EvAddOffer, Offer{ID: "offer_2", Resource: valuation.R4, Quantity: 5, PricePerUnit: 9}))
	if len(st.Offers) != 2 || st.Offers[0].Status != "open" {
		t.Fatalf("offers = %+v", st.Offers)
	}

	done := "completed"
	r.Apply(&st, mkEvent(t, 3, EvUpdateOffer, UpdateOfferPayload{ID: "offer_1", Updates: OfferPatch{Status: &done}}))
	if st.Offers[0].Status != "completed" {
		t.Fatalf("status = %q", st.Offers[0].Status)
	}
	r.Apply(&st, mkEvent(t, 4, EvRemoveOffer, RemoveByIDPayload{ID: "offer_2"}))
	if len(st.Offers) != 1 || st.Offers[0].ID != "offer_1" {
		t.Fatalf("offers after remove = %+v", st.Offers)
	}

	r.Apply(&st, mkEvent(t, 5, EvAddBuyOrder, BuyOrder{ID: "buy_1", Resource: valuation.R1, Quantity: 100, MaxPricePerUnit: 4}))
	q := 60.0
	r.Apply(&st, mkEvent(t, 6, EvUpdateBuyOrder, UpdateBuyOrderPayload{ID: "buy_1", Updates: BuyOrderPatch{Quantity: &q}}))
	if st.BuyOrders[0].Quantity != 60 {
		t.Fatalf("buy order qty = %v", st.BuyOrders[0].Quantity)
	}
	r.Apply(&st, mkEvent(t, 7, EvRemoveBuyOrder, RemoveByIDPayload{ID: "buy_1"}))
	if len(st.BuyOrders) != 0 {
		t.Fatalf("buy orders after remove = %+v", st.BuyOrders)
	}
}

func TestReduceSession(t *testing.T) {
	r := testReducer()
	st := NewAgentState()

	n, open := 3, true
	r.Apply(&st, mkEvent(t, 1, EvUpdateSession, UpdateSessionPayload{Session: &n, TradingOpen: &open}))
	if st.Session.Current != 3 || !st.Session.TradingOpen {
		t.Fatalf("session = %+v", st.Session)
	}
	closed := false
	r.Apply(&st, mkEvent(t, 2, EvUpdateSession, UpdateSessionPayload{TradingOpen: &closed}))
	if st.Session.Current != 3 || st.Session.TradingOpen {
		t.Fatalf("partial update must keep session number: %+v", st.Session)
	}
}
