// Package negotiation runs turn-based offer/counter-offer rounds between two
// agents. The shared negotiation record lives in the store; each party's
// private patience and reactions live as events on its own ledger, so neither
// agent's ledger write ever depends on the other's.
//
// Turn-taking is enforced by the lastOfferBy field checked at transition
// time, not by locking: when both parties race, whichever write lands first
// wins and the loser fails the turn check on re-read.
package negotiation

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"tradepost.ai/internal/persistence/store"
	"tradepost.ai/internal/protocol"
	"tradepost.ai/internal/sim/ledger"
	"tradepost.ai/internal/sim/trade"
	"tradepost.ai/internal/sim/valuation"
)

const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"

	// TypeBuy means the initiator wants to buy the resource, TypeSell that it
	// wants to sell.
	TypeBuy  = "buy"
	TypeSell = "sell"
)

type Negotiation struct {
	ID       string             `json:"id"`
	Resource valuation.Resource `json:"resource"`
	Type     string             `json:"type"`

	InitiatorID   string `json:"initiatorId"`
	InitiatorName string `json:"initiatorName"`
	ResponderID   string `json:"responderId"`
	ResponderName string `json:"responderName"`

	Status      string  `json:"status"`
	LastOfferBy string  `json:"lastOfferBy"`
	Offers      []Offer `json:"offers"`

	SessionNumber int `json:"sessionNumber"`

	// TransactionID is set once an accept has settled the trade.
	TransactionID string `json:"transactionId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Offer struct {
	FromID    string    `json:"fromId"`
	FromName  string    `json:"fromName"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Heat      float64   `json:"heat"`
	Hot       bool      `json:"hot"`
	CreatedAt time.Time `json:"createdAt"`
}

// Terms is a quantity/price pair for an offer or counter-offer.
type Terms struct {
	Quantity float64
	Price    float64
}

// BuyerSeller splits the parties by the negotiation's type.
func (n *Negotiation) BuyerSeller() (buyerID, sellerID string) {
	if n.Type == TypeBuy {
		return n.InitiatorID, n.ResponderID
	}
	return n.ResponderID, n.InitiatorID
}

func (n *Negotiation) participant(id string) bool {
	return id == n.InitiatorID || id == n.ResponderID
}

func (n *Negotiation) otherParty(id string) string {
	if id == n.InitiatorID {
		return n.ResponderID
	}
	return n.InitiatorID
}

func (n *Negotiation) lastOffer() Offer { return n.Offers[len(n.Offers)-1] }

type Engine struct {
	store  *store.Store
	ledger *ledger.Ledger
	exec   *trade.Executor
	logger *log.Logger
}

func New(st *store.Store, l *ledger.Ledger, exec *trade.Executor, logger *log.Logger) *Engine {
	return &Engine{store: st, ledger: l, exec: exec, logger: logger}
}

// Create opens a negotiation with the initiator's first offer.
func (e *Engine) Create(ctx context.Context, initiatorID, responderID string, resource valuation.Resource, typ string, terms Terms, session int) (*Negotiation, error) {
	if initiatorID == "" || responderID == "" {
		return nil, protocol.Errorf(protocol.ErrBadRequest, "both participants are required")
	}
	if initiatorID == responderID {
		return nil, protocol.Errorf(protocol.ErrSelfTrade, "agent %s cannot negotiate with itself", initiatorID)
	}
	if typ != TypeBuy && typ != TypeSell {
		return nil, protocol.Errorf(protocol.ErrBadRequest, "unknown negotiation type %q", typ)
	}
	if !valuation.ValidResource(resource) {
		return nil, protocol.Errorf(protocol.ErrInvalidResource, "unknown resource %q", resource)
	}
	if err := validTerms(terms); err != nil {
		return nil, err
	}

	initiator, err := e.requireAgent(ctx, initiatorID)
	if err != nil {
		return nil, err
	}
	responder, err := e.requireAgent(ctx, responderID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	n := &Negotiation{
		ID:            "neg_" + uuid.NewString(),
		Resource:      resource,
		Type:          typ,
		InitiatorID:   initiatorID,
		InitiatorName: initiator.Profile.DisplayName,
		ResponderID:   responderID,
		ResponderName: responder.Profile.DisplayName,
		Status:        StatusPending,
		LastOfferBy:   initiatorID,
		SessionNumber: session,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	heat, hot := e.heat(n, &initiator, &responder, terms)
	n.Offers = []Offer{{
		FromID:    initiatorID,
		FromName:  initiator.Profile.DisplayName,
		Quantity:  terms.Quantity,
		Price:     terms.Price,
		Heat:      heat,
		Hot:       hot,
		CreatedAt: now,
	}}
	if err := e.save(ctx, n); err != nil {
		return nil, err
	}

	// Each party seeds its own local state for this negotiation.
	initiatorRole, responderRole := "buyer", "seller"
	if typ == TypeSell {
		initiatorRole, responderRole = "seller", "buyer"
	}
	e.appendLocal(ctx, initiatorID, ledger.EvOpenNegotiation, ledger.OpenNegotiationPayload{
		NegotiationID: n.ID, Resource: resource, Role: initiatorRole, Counterparty: responderID,
	})
	e.appendLocal(ctx, responderID, ledger.EvOpenNegotiation, ledger.OpenNegotiationPayload{
		NegotiationID: n.ID, Resource: resource, Role: responderRole, Counterparty: initiatorID,
	})
	e.notify(ctx, responderID, "negotiation_opened", n.InitiatorName+" opened a negotiation", n)

	e.logger.Printf("negotiation %s: %s -> %s, %s %s", n.ID, initiatorID, responderID, typ, resource)
	return n, nil
}

// Counter appends a counter-offer and flips the turn.
func (e *Engine) Counter(ctx context.Context, negotiationID, fromID string, terms Terms) (*Negotiation, error) {
	if err := validTerms(terms); err != nil {
		return nil, err
	}
	n, err := e.Load(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusPending {
		return nil, protocol.Errorf(protocol.ErrConflict, "negotiation %s is %s", n.ID, n.Status)
	}
	if !n.participant(fromID) {
		return nil, protocol.Errorf(protocol.ErrNoPermission, "agent %s is not part of negotiation %s", fromID, n.ID)
	}
	if n.LastOfferBy == fromID {
		return nil, protocol.Errorf(protocol.ErrNotYourTurn, "agent %s made the last offer on %s", fromID, n.ID)
	}

	initiator, err := e.requireAgent(ctx, n.InitiatorID)
	if err != nil {
		return nil, err
	}
	responder, err := e.requireAgent(ctx, n.ResponderID)
	if err != nil {
		return nil, err
	}
	heat, hot := e.heat(n, &initiator, &responder, terms)

	fromName := n.InitiatorName
	if fromID == n.ResponderID {
		fromName = n.ResponderName
	}
	now := time.Now().UTC()
	n.Offers = append(n.Offers, Offer{
		FromID:    fromID,
		FromName:  fromName,
		Quantity:  terms.Quantity,
		Price:     terms.Price,
		Heat:      heat,
		Hot:       hot,
		CreatedAt: now,
	})
	n.LastOfferBy = fromID
	n.UpdatedAt = now
	if err := e.save(ctx, n); err != nil {
		return nil, err
	}

	other := n.otherParty(fromID)
	e.appendLocal(ctx, fromID, ledger.EvAddCounterOffer, ledger.AddCounterOfferPayload{
		NegotiationID: n.ID, FromMe: true, PricePerUnit: terms.Price, Quantity: terms.Quantity,
		Heat: heat, Hot: hot,
	})
	e.appendLocal(ctx, other, ledger.EvAddCounterOffer, ledger.AddCounterOfferPayload{
		NegotiationID: n.ID, FromMe: false, PricePerUnit: terms.Price, Quantity: terms.Quantity,
		Heat: heat, Hot: hot,
	})
	e.notify(ctx, other, "negotiation_counter", fromName+" countered", n)
	return n, nil
}

// Accept closes the negotiation on the latest offer's terms and settles the
// trade. The accepting party cannot be the one who made the last offer.
func (e *Engine) Accept(ctx context.Context, negotiationID, byID string) (*Negotiation, error) {
	n, err := e.Load(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusPending {
		return nil, protocol.Errorf(protocol.ErrConflict, "negotiation %s is %s", n.ID, n.Status)
	}
	if !n.participant(byID) {
		return nil, protocol.Errorf(protocol.ErrNoPermission, "agent %s is not part of negotiation %s", byID, n.ID)
	}
	if n.LastOfferBy == byID {
		return nil, protocol.Errorf(protocol.ErrNotYourTurn, "agent %s cannot accept its own offer on %s", byID, n.ID)
	}

	last := n.lastOffer()
	buyerID, sellerID := n.BuyerSeller()
	res, err := e.exec.ExecuteImmediate(ctx, trade.Request{
		SellerID:      sellerID,
		BuyerID:       buyerID,
		Resource:      n.Resource,
		Quantity:      last.Quantity,
		PricePerUnit:  last.Price,
		NegotiationID: n.ID,
		Session:       n.SessionNumber,
	})
	if err != nil {
		// The negotiation stays pending; the caller can retry or reject.
		return nil, err
	}

	now := time.Now().UTC()
	n.Status = StatusAccepted
	n.TransactionID = res.TransactionID
	n.UpdatedAt = now
	if err := e.save(ctx, n); err != nil {
		return nil, err
	}

	for _, id := range []string{n.InitiatorID, n.ResponderID} {
		e.appendLocal(ctx, id, ledger.EvCloseNegotiation, ledger.CloseNegotiationPayload{
			NegotiationID: n.ID, Outcome: StatusAccepted,
		})
	}
	e.logger.Printf("negotiation %s: accepted by %s, trade %s", n.ID, byID, res.TransactionID)
	return n, nil
}

// Reject closes the negotiation with no trade. Either participant may reject
// regardless of whose turn it is.
func (e *Engine) Reject(ctx context.Context, negotiationID, byID string) (*Negotiation, error) {
	n, err := e.Load(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusPending {
		return nil, protocol.Errorf(protocol.ErrConflict, "negotiation %s is %s", n.ID, n.Status)
	}
	if !n.participant(byID) {
		return nil, protocol.Errorf(protocol.ErrNoPermission, "agent %s is not part of negotiation %s", byID, n.ID)
	}

	n.Status = StatusRejected
	n.UpdatedAt = time.Now().UTC()
	if err := e.save(ctx, n); err != nil {
		return nil, err
	}

	for _, id := range []string{n.InitiatorID, n.ResponderID} {
		e.appendLocal(ctx, id, ledger.EvCloseNegotiation, ledger.CloseNegotiationPayload{
			NegotiationID: n.ID, Outcome: StatusRejected,
		})
	}
	e.notify(ctx, n.otherParty(byID), "negotiation_rejected", "Negotiation was rejected", n)
	return n, nil
}

// React records a party's reaction level on its own ledger only.
func (e *Engine) React(ctx context.Context, negotiationID, byID string, level int) error {
	n, err := e.Load(ctx, negotiationID)
	if err != nil {
		return err
	}
	if !n.participant(byID) {
		return protocol.Errorf(protocol.ErrNoPermission, "agent %s is not part of negotiation %s", byID, n.ID)
	}
	_, err = e.ledger.Append(ctx, byID, ledger.EvAddReaction, ledger.AddReactionPayload{
		NegotiationID: n.ID, Level: level,
	})
	return err
}

// Load fetches one negotiation by id.
func (e *Engine) Load(ctx context.Context, id string) (*Negotiation, error) {
	doc, ok, err := e.store.LoadNegotiation(ctx, id)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrStorage, "load negotiation %s: %v", id, err)
	}
	if !ok {
		return nil, protocol.Errorf(protocol.ErrNotFound, "negotiation %s not found", id)
	}
	var n Negotiation
	if err := json.Unmarshal(doc, &n); err != nil {
		return nil, protocol.Errorf(protocol.ErrInternal, "decode negotiation %s: %v", id, err)
	}
	return &n, nil
}

// PendingFor lists the agent's open negotiations.
func (e *Engine) PendingFor(ctx context.Context, agentID string) ([]*Negotiation, error) {
	docs, err := e.store.NegotiationsByStatus(ctx, StatusPending)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrStorage, "list negotiations: %v", err)
	}
	var out []*Negotiation
	for _, doc := range docs {
		var n Negotiation
		if err := json.Unmarshal(doc, &n); err != nil {
			e.logger.Printf("negotiation: skipping undecodable record: %v", err)
			continue
		}
		if n.participant(agentID) {
			out = append(out, &n)
		}
	}
	return out, nil
}

func (e *Engine) save(ctx context.Context, n *Negotiation) error {
	doc, err := json.Marshal(n)
	if err != nil {
		return protocol.Errorf(protocol.ErrInternal, "encode negotiation %s: %v", n.ID, err)
	}
	if err := e.store.SaveNegotiation(ctx, n.ID, n.Status, doc); err != nil {
		return protocol.Errorf(protocol.ErrStorage, "save negotiation %s: %v", n.ID, err)
	}
	return nil
}

func (e *Engine) requireAgent(ctx context.Context, id string) (ledger.AgentState, error) {
	st, err := e.ledger.State(ctx, id)
	if err != nil {
		return ledger.AgentState{}, err
	}
	if st.EventsProcessed == 0 {
		return ledger.AgentState{}, protocol.Errorf(protocol.ErrNotFound, "agent %s has no ledger", id)
	}
	return st, nil
}

// heat scores the terms against both parties' current shadow prices.
func (e *Engine) heat(n *Negotiation, initiator, responder *ledger.AgentState, terms Terms) (float64, bool) {
	buyer, seller := initiator, responder
	if n.Type == TypeSell {
		buyer, seller = responder, initiator
	}
	return valuation.Heat(
		buyer.ShadowPrices[n.Resource],
		seller.ShadowPrices[n.Resource],
		terms.Price, terms.Quantity)
}

// appendLocal writes a party's private negotiation event, logging rather than
// failing: the shared record is already saved and local state is derived.
func (e *Engine) appendLocal(ctx context.Context, agentID, typ string, payload any) {
	if _, err := e.ledger.Append(ctx, agentID, typ, payload); err != nil {
		e.logger.Printf("negotiation: local %s event for %s: %v", typ, agentID, err)
	}
}

func (e *Engine) notify(ctx context.Context, agentID, kind, message string, n *Negotiation) {
	err := e.ledger.Notify(ctx, agentID, kind, message, map[string]any{
		"negotiationId": n.ID,
		"resource":      string(n.Resource),
	})
	if err != nil {
		e.logger.Printf("negotiation: notify %s: %v", agentID, err)
	}
}

func validTerms(t Terms) error {
	if t.Quantity <= 0 {
		return protocol.Errorf(protocol.ErrInvalidQuantity, "quantity %v must be positive", t.Quantity)
	}
	if t.Price < 0 {
		return protocol.Errorf(protocol.ErrInvalidQuantity, "price %v must not be negative", t.Price)
	}
	return nil
}
