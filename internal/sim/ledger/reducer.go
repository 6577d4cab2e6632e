package ledger

import (
	"encoding/json"

	"tradepost.ai/internal/persistence/store"
	"tradepost.ai/internal/sim/valuation"
)

// Reducer folds events into an AgentState. It is pure: the next state depends
// only on the previous state and the event, so replaying the same log always
// produces the same state regardless of when or how often it runs.
//
// Unknown event types and malformed payloads are counted but otherwise
// ignored; a ledger written by a newer build must still replay on an older
// one.
type Reducer struct {
	NotificationCap int
	PatienceStart   int
	PatienceDrop    int
}

func NewReducer(notificationCap, patienceStart, patienceDrop int) Reducer {
	return Reducer{
		NotificationCap: notificationCap,
		PatienceStart:   patienceStart,
		PatienceDrop:    patienceDrop,
	}
}

// Apply mutates st in place. Quantities are rounded at application time:
// inventory to 4 decimals, funds to 2, and inventory never drops below zero.
func (r Reducer) Apply(st *AgentState, ev store.Event) {
	if ev.Timestamp.After(st.LastUpdate) {
		st.LastUpdate = ev.Timestamp
	}
	st.EventsProcessed++
	st.LastEventID = ev.ID

	switch ev.Type {
	case EvInit:
		var p InitPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		if p.Profile != nil {
			applyProfilePatch(&st.Profile, p.Profile)
			if st.Profile.CreatedAt.IsZero() {
				st.Profile.CreatedAt = ev.Timestamp
			}
		}
		for res, qty := range p.Inventory {
			if valuation.ValidResource(res) {
				st.Inventory[res] = valuation.Round4(qty)
			}
		}
		if len(p.Inventory) > 0 {
			st.InventoryUpdatedAt = ev.Timestamp
		}

	case EvUpdateProfile:
		var p ProfilePatch
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		applyProfilePatch(&st.Profile, &p)

	case EvAdjustInventory:
		var p AdjustInventoryPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		if !valuation.ValidResource(p.Resource) {
			return
		}
		next := valuation.Round4(st.Inventory[p.Resource] + p.Amount)
		if next < 0 {
			next = 0
		}
		st.Inventory[p.Resource] = next
		st.InventoryUpdatedAt = ev.Timestamp

	case EvSetFunds:
		var p SetFundsPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		st.Profile.CurrentFunds = valuation.Round2(p.Amount)
		if p.IsStarting {
			st.Profile.StartingFunds = valuation.Round2(p.Amount)
		}

	case EvAdjustFunds:
		var p AdjustFundsPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		st.Profile.CurrentFunds = valuation.Round2(st.Profile.CurrentFunds + p.Amount)

	case EvAddProduction:
		var p Production
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		if p.At.IsZero() {
			p.At = ev.Timestamp
		}
		st.Productions = append(st.Productions, p)

	case EvAddOffer:
		var p Offer
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = ev.Timestamp
		}
		if p.Status == "" {
			p.Status = "open"
		}
		st.Offers = append(st.Offers, p)

	case EvUpdateOffer:
		var p UpdateOfferPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		for i := range st.Offers {
			if st.Offers[i].ID != p.ID {
				continue
			}
			if p.Updates.Quantity != nil {
				st.Offers[i].Quantity = valuation.Round4(*p.Updates.Quantity)
			}
			if p.Updates.Status != nil {
				st.Offers[i].Status = *p.Updates.Status
			}
		}

	case EvRemoveOffer:
		var p RemoveByIDPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		st.Offers = removeOffer(st.Offers, p.ID)

	case EvAddBuyOrder:
		var p BuyOrder
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = ev.Timestamp
		}
		st.BuyOrders = append(st.BuyOrders, p)

	case EvUpdateBuyOrder:
		var p UpdateBuyOrderPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		for i := range st.BuyOrders {
			if st.BuyOrders[i].ID != p.ID {
				continue
			}
			if p.Updates.Quantity != nil {
				st.BuyOrders[i].Quantity = valuation.Round4(*p.Updates.Quantity)
			}
			if p.Updates.MaxPricePerUnit != nil {
				st.BuyOrders[i].MaxPricePerUnit = valuation.Round2(*p.Updates.MaxPricePerUnit)
			}
			st.BuyOrders[i].UpdatedAt = ev.Timestamp
		}

	case EvRemoveBuyOrder:
		var p RemoveByIDPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		st.BuyOrders = removeBuyOrder(st.BuyOrders, p.ID)

	case EvAddTransaction:
		var p Transaction
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		if p.At.IsZero() {
			p.At = ev.Timestamp
		}
		st.Transactions = append(st.Transactions, p)

	case EvMarkReflected:
		var p MarkReflectedPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		for i := range st.Transactions {
			if st.Transactions[i].TransactionID == p.TransactionID {
				st.Transactions[i].PendingReflection = false
			}
		}

	case EvAddNotification:
		var p NotificationPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		st.Notifications = append(st.Notifications, Notification{
			ID:        p.ID,
			Kind:      p.Kind,
			Message:   p.Message,
			Data:      p.Data,
			Timestamp: ev.Timestamp,
		})
		if limit := r.NotificationCap; limit > 0 && len(st.Notifications) > limit {
			st.Notifications = st.Notifications[len(st.Notifications)-limit:]
		}

	case EvMarkNotifsRead:
		var p MarkNotifsReadPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		if p.IDs == nil {
			for i := range st.Notifications {
				st.Notifications[i].Read = true
			}
			return
		}
		want := make(map[string]struct{}, len(p.IDs))
		for _, id := range p.IDs {
			want[id] = struct{}{}
		}
		for i := range st.Notifications {
			if _, ok := want[st.Notifications[i].ID]; ok {
				st.Notifications[i].Read = true
			}
		}

	case EvUpdateShadow:
		var p UpdateShadowPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		for res, price := range p.Prices {
			if valuation.ValidResource(res) {
				st.ShadowPrices[res] = price
			}
		}
		st.ShadowCalculatedAt = ev.Timestamp

	case EvOpenNegotiation:
		var p OpenNegotiationPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		if _, ok := st.NegotiationLocal[p.NegotiationID]; !ok {
			st.NegotiationLocal[p.NegotiationID] = &NegotiationLocal{
				Patience:     r.PatienceStart,
				Resource:     p.Resource,
				Role:         p.Role,
				Counterparty: p.Counterparty,
				StartedAt:    ev.Timestamp,
			}
		}

	case EvAddCounterOffer:
		var p AddCounterOfferPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		local := st.negotiationLocal(p.NegotiationID, r.PatienceStart, ev)
		if !p.FromMe {
			local.Patience -= r.PatienceDrop
			if local.Patience < 0 {
				local.Patience = 0
			}
		}

	case EvAddReaction:
		var p AddReactionPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		st.negotiationLocal(p.NegotiationID, r.PatienceStart, ev).LastReaction = p.Level

	case EvCloseNegotiation:
		var p CloseNegotiationPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		st.negotiationLocal(p.NegotiationID, r.PatienceStart, ev).Outcome = p.Outcome

	case EvUpdateSession:
		var p UpdateSessionPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		if p.Session != nil {
			st.Session.Current = *p.Session
		}
		if p.TradingOpen != nil {
			st.Session.TradingOpen = *p.TradingOpen
		}
	}
}

func (st *AgentState) negotiationLocal(id string, patienceStart int, ev store.Event) *NegotiationLocal {
	local, ok := st.NegotiationLocal[id]
	if !ok {
		local = &NegotiationLocal{Patience: patienceStart, StartedAt: ev.Timestamp}
		st.NegotiationLocal[id] = local
	}
	return local
}

func applyProfilePatch(p *Profile, patch *ProfilePatch) {
	if patch.AgentID != nil {
		p.AgentID = *patch.AgentID
	}
	if patch.DisplayName != nil {
		p.DisplayName = *patch.DisplayName
	}
	if len(patch.Settings) > 0 {
		if p.Settings == nil {
			p.Settings = map[string]any{}
		}
		for k, v := range patch.Settings {
			p.Settings[k] = v
		}
	}
}

func removeOffer(offers []Offer, id string) []Offer {
	out := offers[:0]
	for _, o := range offers {
		if o.ID != id {
			out = append(out, o)
		}
	}
	return out
}

func removeBuyOrder(orders []BuyOrder, id string) []BuyOrder {
	out := orders[:0]
	for _, o := range orders {
		if o.ID != id {
			out = append(out, o)
		}
	}
	return out
}
