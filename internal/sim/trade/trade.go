// Package trade executes trades between two agents' ledgers. An immediate
// trade writes both sides in one call, recording the seller's side first as
// pending reflection and clearing the flag once the buyer's side has landed;
// a crash between the two writes leaves a pending record the reflection pass
// completes. A deferred trade writes only one side and leaves the mirroring
// entirely to reflection.
package trade

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"tradepost.ai/internal/persistence/tradelog"
	"tradepost.ai/internal/protocol"
	"tradepost.ai/internal/sim/ledger"
	"tradepost.ai/internal/sim/valuation"
)

type Executor struct {
	ledger *ledger.Ledger
	trades *tradelog.Logger
	logger *log.Logger
}

// New builds an executor. trades may be nil to skip the global log.
func New(l *ledger.Ledger, trades *tradelog.Logger, logger *log.Logger) *Executor {
	return &Executor{ledger: l, trades: trades, logger: logger}
}

// Request describes a trade: the seller gives Quantity of Resource to the
// buyer against Quantity*PricePerUnit funds.
type Request struct {
	SellerID     string
	BuyerID      string
	Resource     valuation.Resource
	Quantity     float64
	PricePerUnit float64

	// OfferID, when set, names the offer ("offer_...") or buy order
	// ("buy_...") this trade fulfills, so it can be closed out.
	OfferID       string
	NegotiationID string
	Session       int
}

type Result struct {
	TransactionID string
	TotalPrice    float64
	Heat          float64
	Hot           bool
}

func (r Request) validate() error {
	if !valuation.ValidResource(r.Resource) {
		return protocol.Errorf(protocol.ErrInvalidResource, "unknown resource %q", r.Resource)
	}
	if r.Quantity <= 0 {
		return protocol.Errorf(protocol.ErrInvalidQuantity, "quantity %v must be positive", r.Quantity)
	}
	if r.PricePerUnit < 0 {
		return protocol.Errorf(protocol.ErrInvalidQuantity, "price %v must not be negative", r.PricePerUnit)
	}
	if r.SellerID == r.BuyerID {
		return protocol.Errorf(protocol.ErrSelfTrade, "agent %s cannot trade with itself", r.SellerID)
	}
	if r.SellerID == "" || r.BuyerID == "" {
		return protocol.Errorf(protocol.ErrBadRequest, "both parties are required")
	}
	return nil
}

// ExecuteImmediate validates and settles a trade on both ledgers.
func (e *Executor) ExecuteImmediate(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	total := valuation.Round2(req.Quantity * req.PricePerUnit)

	sellerState, err := e.ledger.State(ctx, req.SellerID)
	if err != nil {
		return Result{}, err
	}
	buyerState, err := e.ledger.State(ctx, req.BuyerID)
	if err != nil {
		return Result{}, err
	}
	if buyerState.EventsProcessed == 0 {
		return Result{}, protocol.Errorf(protocol.ErrNotFound, "buyer %s has no ledger", req.BuyerID)
	}
	if sellerState.EventsProcessed == 0 {
		return Result{}, protocol.Errorf(protocol.ErrNotFound, "seller %s has no ledger", req.SellerID)
	}
	if buyerState.Profile.CurrentFunds < total {
		return Result{}, protocol.Errorf(protocol.ErrNoFunds,
			"buyer has %.2f, needs %.2f", buyerState.Profile.CurrentFunds, total)
	}

	heat, hot := valuation.Heat(
		buyerState.ShadowPrices[req.Resource],
		sellerState.ShadowPrices[req.Resource],
		req.PricePerUnit, req.Quantity)

	txnID := "trade_" + uuid.NewString()
	buyerName := displayName(buyerState, req.BuyerID)
	sellerName := displayName(sellerState, req.SellerID)

	// Seller side first, flagged pending until the buyer's mirror lands.
	_, err = e.ledger.Update(ctx, req.SellerID, func(st *ledger.AgentState) ([]ledger.EventDraft, error) {
		have := st.Inventory[req.Resource]
		if have < req.Quantity {
			return nil, protocol.Errorf(protocol.ErrNoInventory,
				"seller has %.4f %s, needs %.4f", have, req.Resource, req.Quantity)
		}
		drafts := sideDrafts(req, txnID, "seller", req.BuyerID, buyerName, have, total, heat, hot, true)
		if req.OfferID != "" && !isBuyOrderID(req.OfferID) {
			status := "completed"
			drafts = append(drafts, ledger.EventDraft{
				Type:    ledger.EvUpdateOffer,
				Payload: ledger.UpdateOfferPayload{ID: req.OfferID, Updates: ledger.OfferPatch{Status: &status}},
			})
		}
		return drafts, nil
	})
	if err != nil {
		return Result{}, err
	}

	// Buyer side. Funds were checked above; the pending seller record covers
	// any failure from here on.
	_, err = e.ledger.Update(ctx, req.BuyerID, func(st *ledger.AgentState) ([]ledger.EventDraft, error) {
		drafts := sideDrafts(req, txnID, "buyer", req.SellerID, sellerName, st.Inventory[req.Resource], total, heat, hot, false)
		if isBuyOrderID(req.OfferID) {
			drafts = append(drafts, ledger.EventDraft{
				Type:    ledger.EvRemoveBuyOrder,
				Payload: ledger.RemoveByIDPayload{ID: req.OfferID},
			})
		}
		return drafts, nil
	})
	if err != nil {
		e.logger.Printf("trade %s: buyer side failed, leaving seller record pending: %v", txnID, err)
		return Result{TransactionID: txnID, TotalPrice: total, Heat: heat, Hot: hot}, nil
	}

	if _, err := e.ledger.Append(ctx, req.SellerID, ledger.EvMarkReflected,
		ledger.MarkReflectedPayload{TransactionID: txnID}); err != nil {
		e.logger.Printf("trade %s: mark_reflected failed, reflection will retry: %v", txnID, err)
	}

	e.logGlobal(req, txnID, sellerName, buyerName, total, heat, hot)
	e.logger.Printf("trade %s: %s sold %.4f %s to %s for %.2f", txnID, req.SellerID, req.Quantity, req.Resource, req.BuyerID, total)
	return Result{TransactionID: txnID, TotalPrice: total, Heat: heat, Hot: hot}, nil
}

// RecordOneSided settles a trade on a single ledger, identified by role
// ("buyer" or "seller"), leaving a pending record for reflection to mirror.
// Heat is supplied by the caller, which knows both parties' valuations at the
// moment of agreement.
func (e *Executor) RecordOneSided(ctx context.Context, role string, req Request, heat float64, hot bool) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	if role != "buyer" && role != "seller" {
		return Result{}, protocol.Errorf(protocol.ErrBadRequest, "unknown role %q", role)
	}
	total := valuation.Round2(req.Quantity * req.PricePerUnit)
	txnID := "trade_" + uuid.NewString()

	agentID, counterparty := req.SellerID, req.BuyerID
	if role == "buyer" {
		agentID, counterparty = req.BuyerID, req.SellerID
	}
	counterpartyState, err := e.ledger.State(ctx, counterparty)
	if err != nil {
		return Result{}, err
	}
	counterpartyName := displayName(counterpartyState, counterparty)

	var ownName string
	_, err = e.ledger.Update(ctx, agentID, func(st *ledger.AgentState) ([]ledger.EventDraft, error) {
		ownName = displayName(*st, agentID)
		if role == "seller" {
			if have := st.Inventory[req.Resource]; have < req.Quantity {
				return nil, protocol.Errorf(protocol.ErrNoInventory,
					"seller has %.4f %s, needs %.4f", have, req.Resource, req.Quantity)
			}
		} else if st.Profile.CurrentFunds < total {
			return nil, protocol.Errorf(protocol.ErrNoFunds,
				"buyer has %.2f, needs %.2f", st.Profile.CurrentFunds, total)
		}
		return sideDrafts(req, txnID, role, counterparty, counterpartyName, st.Inventory[req.Resource], total, heat, hot, true), nil
	})
	if err != nil {
		return Result{}, err
	}

	sellerName, buyerName := ownName, counterpartyName
	if role == "buyer" {
		sellerName, buyerName = counterpartyName, ownName
	}
	e.logGlobal(req, txnID, sellerName, buyerName, total, heat, hot)
	e.logger.Printf("trade %s: recorded %s side for %s, pending reflection", txnID, role, agentID)
	return Result{TransactionID: txnID, TotalPrice: total, Heat: heat, Hot: hot}, nil
}

// sideDrafts builds one party's events: inventory move, funds move,
// transaction record and notification.
func sideDrafts(req Request, txnID, role, counterparty, counterpartyName string, invBefore, total, heat float64, hot, pending bool) []ledger.EventDraft {
	qty, funds := -req.Quantity, total
	verb := "Sold"
	if role == "buyer" {
		qty, funds = req.Quantity, -total
		verb = "Bought"
	}
	invAfter := valuation.Round4(invBefore + qty)
	if invAfter < 0 {
		invAfter = 0
	}
	return []ledger.EventDraft{
		{Type: ledger.EvAdjustInventory, Payload: ledger.AdjustInventoryPayload{Resource: req.Resource, Amount: qty}},
		{Type: ledger.EvAdjustFunds, Payload: ledger.AdjustFundsPayload{Amount: funds}},
		{Type: ledger.EvAddTransaction, Payload: ledger.Transaction{
			TransactionID:     txnID,
			NegotiationID:     req.NegotiationID,
			Resource:          req.Resource,
			Quantity:          req.Quantity,
			PricePerUnit:      req.PricePerUnit,
			TotalPrice:        total,
			Role:              role,
			Counterparty:      counterparty,
			InventoryBefore:   invBefore,
			InventoryAfter:    invAfter,
			Heat:              heat,
			Hot:               hot,
			Session:           req.Session,
			PendingReflection: pending,
		}},
		{Type: ledger.EvAddNotification, Payload: ledger.NotificationPayload{
			ID:      "notif_" + uuid.NewString(),
			Kind:    "trade_completed",
			Message: fmt.Sprintf("%s %.4f %s %s %s for %.2f", verb, req.Quantity, req.Resource, tradePreposition(role), counterpartyName, total),
			Data: map[string]any{
				"transactionId": txnID,
				"resource":      string(req.Resource),
				"quantity":      req.Quantity,
				"totalPrice":    total,
				"counterparty":  counterparty,
			},
		}},
	}
}

func tradePreposition(role string) string {
	if role == "buyer" {
		return "from"
	}
	return "to"
}

func isBuyOrderID(id string) bool {
	return len(id) > 4 && id[:4] == "buy_"
}

func displayName(st ledger.AgentState, fallback string) string {
	if st.Profile.DisplayName != "" {
		return st.Profile.DisplayName
	}
	return fallback
}

func (e *Executor) logGlobal(req Request, txnID, sellerName, buyerName string, total, heat float64, hot bool) {
	if e.trades == nil {
		return
	}
	err := e.trades.Write(tradelog.Entry{
		TransactionID: txnID,
		NegotiationID: req.NegotiationID,
		SellerID:      req.SellerID,
		SellerName:    sellerName,
		BuyerID:       req.BuyerID,
		BuyerName:     buyerName,
		Resource:      req.Resource,
		Quantity:      req.Quantity,
		PricePerUnit:  req.PricePerUnit,
		TotalPrice:    total,
		Heat:          heat,
		Hot:           hot,
		Session:       req.Session,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		e.logger.Printf("trade %s: global log write failed: %v", txnID, err)
	}
}
