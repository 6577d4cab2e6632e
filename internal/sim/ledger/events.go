package ledger

import (
	"tradepost.ai/internal/sim/valuation"
)

// Event types. The reducer ignores anything not listed here, so old logs stay
// replayable when types are retired.
const (
	EvInit             = "init"
	EvUpdateProfile    = "update_profile"
	EvAdjustInventory  = "adjust_inventory"
	EvSetFunds         = "set_funds"
	EvAdjustFunds      = "adjust_funds"
	EvAddProduction    = "add_production"
	EvAddOffer         = "add_offer"
	EvUpdateOffer      = "update_offer"
	EvRemoveOffer      = "remove_offer"
	EvAddBuyOrder      = "add_buy_order"
	EvUpdateBuyOrder   = "update_buy_order"
	EvRemoveBuyOrder   = "remove_buy_order"
	EvAddTransaction   = "add_transaction"
	EvMarkReflected    = "mark_reflected"
	EvAddNotification  = "add_notification"
	EvMarkNotifsRead   = "mark_notifications_read"
	EvUpdateShadow     = "update_shadow_prices"
	EvOpenNegotiation  = "open_negotiation"
	EvAddCounterOffer  = "add_counter_offer"
	EvAddReaction      = "add_reaction"
	EvCloseNegotiation = "close_negotiation"
	EvUpdateSession    = "update_session"
)

type InitPayload struct {
	Profile   *ProfilePatch       `json:"profile,omitempty"`
	Inventory valuation.Inventory `json:"inventory,omitempty"`
}

// ProfilePatch carries only the fields being set; nil means keep.
type ProfilePatch struct {
	AgentID     *string        `json:"agentId,omitempty"`
	DisplayName *string        `json:"displayName,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

type AdjustInventoryPayload struct {
	Resource valuation.Resource `json:"resource"`
	Amount   float64            `json:"amount"`
}

type SetFundsPayload struct {
	Amount     float64 `json:"amount"`
	IsStarting bool    `json:"isStarting,omitempty"`
}

type AdjustFundsPayload struct {
	Amount float64 `json:"amount"`
}

type OfferPatch struct {
	Quantity *float64 `json:"quantity,omitempty"`
	Status   *string  `json:"status,omitempty"`
}

type UpdateOfferPayload struct {
	ID      string     `json:"id"`
	Updates OfferPatch `json:"updates"`
}

type RemoveByIDPayload struct {
	ID string `json:"id"`
}

type BuyOrderPatch struct {
	Quantity        *float64 `json:"quantity,omitempty"`
	MaxPricePerUnit *float64 `json:"maxPricePerUnit,omitempty"`
}

type UpdateBuyOrderPayload struct {
	ID      string        `json:"id"`
	Updates BuyOrderPatch `json:"updates"`
}

type MarkReflectedPayload struct {
	TransactionID string `json:"transactionId"`
}

type MarkNotifsReadPayload struct {
	// Nil marks every notification read.
	IDs []string `json:"ids,omitempty"`
}

type UpdateShadowPayload struct {
	Prices map[valuation.Resource]float64 `json:"prices"`
}

type OpenNegotiationPayload struct {
	NegotiationID string             `json:"negotiationId"`
	Resource      valuation.Resource `json:"resource"`
	Role          string             `json:"role"`
	Counterparty  string             `json:"counterparty"`
}

type AddCounterOfferPayload struct {
	NegotiationID string `json:"negotiationId"`
	// FromMe distinguishes my own counters from the counterparty's; only
	// incoming counters drain patience.
	FromMe       bool    `json:"fromMe"`
	PricePerUnit float64 `json:"pricePerUnit"`
	Quantity     float64 `json:"quantity"`
	Heat         float64 `json:"heat"`
	Hot          bool    `json:"hot"`
}

type AddReactionPayload struct {
	NegotiationID string `json:"negotiationId"`
	Level         int    `json:"level"`
}

type CloseNegotiationPayload struct {
	NegotiationID string `json:"negotiationId"`
	Outcome       string `json:"outcome"`
}

type UpdateSessionPayload struct {
	Session     *int  `json:"session,omitempty"`
	TradingOpen *bool `json:"tradingOpen,omitempty"`
}

// NotificationPayload is the event-side shape; the reducer stamps timestamp
// and read state.
type NotificationPayload struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func strPtr(s string) *string { return &s }
