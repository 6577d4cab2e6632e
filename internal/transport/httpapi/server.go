// Package httpapi is the JSON gateway onto the simulation core. Every
// agent-scoped route reads the acting agent from the X-Agent-ID header;
// request bodies are checked against the JSON schemas in the schemas
// directory before any handler logic runs.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"tradepost.ai/internal/protocol"
	"tradepost.ai/internal/sim/ledger"
	"tradepost.ai/internal/sim/negotiation"
	"tradepost.ai/internal/sim/session"
	"tradepost.ai/internal/sim/trade"
	"tradepost.ai/internal/sim/valuation"
)

const agentHeader = "X-Agent-ID"

var schemaNames = []string{
	"agent_init",
	"offer",
	"buy_order",
	"trade",
	"negotiation_create",
	"counter_offer",
}

type Server struct {
	ledger   *ledger.Ledger
	exec     *trade.Executor
	negs     *negotiation.Engine
	sessions *session.Manager
	logger   *log.Logger

	schemas map[string]*jsonschema.Schema
}

// NewServer compiles the request schemas from schemaDir and wires the
// gateway. An empty schemaDir disables body validation.
func NewServer(l *ledger.Ledger, exec *trade.Executor, negs *negotiation.Engine, sessions *session.Manager, schemaDir string, logger *log.Logger) (*Server, error) {
	s := &Server{
		ledger:   l,
		exec:     exec,
		negs:     negs,
		sessions: sessions,
		logger:   logger,
		schemas:  map[string]*jsonschema.Schema{},
	}
	if schemaDir != "" {
		for _, name := range schemaNames {
			sch, err := jsonschema.Compile(filepath.Join(schemaDir, name+".schema.json"))
			if err != nil {
				return nil, err
			}
			s.schemas[name] = sch
		}
	}
	return s, nil
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/agent/init", s.handleAgentInit)
	mux.HandleFunc("/v1/agent/state", s.handleAgentState)
	mux.HandleFunc("/v1/agent/notifications", s.handleNotifications)
	mux.HandleFunc("/v1/agent/notifications/read", s.handleNotificationsRead)
	mux.HandleFunc("/v1/production/run", s.handleRunProduction)
	mux.HandleFunc("/v1/offers", s.handleOffers)
	mux.HandleFunc("/v1/offers/update", s.handleOfferUpdate)
	mux.HandleFunc("/v1/offers/remove", s.handleOfferRemove)
	mux.HandleFunc("/v1/buy-orders", s.handleBuyOrders)
	mux.HandleFunc("/v1/buy-orders/update", s.handleBuyOrderUpdate)
	mux.HandleFunc("/v1/buy-orders/remove", s.handleBuyOrderRemove)
	mux.HandleFunc("/v1/trades", s.handleTrade)
	mux.HandleFunc("/v1/negotiations", s.handleNegotiations)
	mux.HandleFunc("/v1/negotiations/", s.handleNegotiation)
	mux.HandleFunc("/v1/session", s.handleSession)
	mux.HandleFunc("/admin/v1/session/advance", s.handleSessionAdvance)
	mux.HandleFunc("/admin/v1/session/trading", s.handleSessionTrading)
}

// ---- agent ----

func (s *Server) handleAgentInit(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		AgentID string `json:"agentId"`
	}
	if !s.decode(rw, r, "agent_init", &req) {
		return
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = r.Header.Get(agentHeader)
	}
	if agentID == "" {
		writeError(rw, protocol.Errorf(protocol.ErrBadRequest, "agentId is required"))
		return
	}
	st, err := s.ledger.EnsureAgent(r.Context(), agentID)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, st)
}

func (s *Server) handleAgentState(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agentID, ok := s.agent(rw, r)
	if !ok {
		return
	}
	st, err := s.requireState(r, agentID)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, st)
}

func (s *Server) handleNotifications(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agentID, ok := s.agent(rw, r)
	if !ok {
		return
	}
	st, err := s.requireState(r, agentID)
	if err != nil {
		writeError(rw, err)
		return
	}
	unread := make([]ledger.Notification, 0, len(st.Notifications))
	for _, n := range st.Notifications {
		if !n.Read {
			unread = append(unread, n)
		}
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"notifications": unread,
		"unreadCount":   st.UnreadNotifications(),
	})
}

func (s *Server) handleNotificationsRead(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agentID, ok := s.agent(rw, r)
	if !ok {
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if !s.decode(rw, r, "", &req) {
		return
	}
	if _, err := s.requireState(r, agentID); err != nil {
		writeError(rw, err)
		return
	}
	_, err := s.ledger.Append(r.Context(), agentID, ledger.EvMarkNotifsRead, ledger.MarkNotifsReadPayload{IDs: req.IDs})
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRunProduction(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agentID, ok := s.agent(rw, r)
	if !ok {
		return
	}
	st, err := s.ledger.RunProduction(r.Context(), agentID, s.sessions.Current())
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, st)
}

// ---- offers and buy orders ----

func (s *Server) handleOffers(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agentID, ok := s.agent(rw, r)
	if !ok {
		return
	}
	var req struct {
		Resource     string  `json:"resource"`
		Quantity     float64 `json:"quantity"`
		PricePerUnit float64 `json:"pricePerUnit"`
	}
	if !s.decode(rw, r, "offer", &req) {
		return
	}
	if err := checkTerms(req.Resource, req.Quantity, req.PricePerUnit); err != nil {
		writeError(rw, err)
		return
	}
	if _, err := s.requireState(r, agentID); err != nil {
		writeError(rw, err)
		return
	}
	offer := ledger.Offer{
		ID:           "offer_" + uuid.NewString(),
		Resource:     valuation.Resource(req.Resource),
		Quantity:     req.Quantity,
		PricePerUnit: req.PricePerUnit,
		Status:       "open",
	}
	if _, err := s.ledger.Append(r.Context(), agentID, ledger.EvAddOffer, offer); err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, offer)
}

func (s *Server) handleOfferUpdate(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agentID, ok := s.agent(rw, r)
	if !ok {
		return
	}
	var req struct {
		ID       string   `json:"id"`
		Quantity *float64 `json:"quantity"`
		Status   *string  `json:"status"`
	}
	if !s.decode(rw, r, "", &req) {
		return
	}
	if req.ID == "" {
		writeError(rw, protocol.Errorf(protocol.ErrBadRequest, "id is required"))
		return
	}
	st, err := s.mutateOwned(r, agentID, func(st *ledger.AgentState) ([]ledger.EventDraft, error) {
		if !hasOffer(st, req.ID) {
			return nil, protocol.Errorf(protocol.ErrNotFound, "offer %s not found", req.ID)
		}
		payload := ledger.UpdateOfferPayload{ID: req.ID, Updates: ledger.OfferPatch{Quantity: req.Quantity, Status: req.Status}}
		return []ledger.EventDraft{{Type: ledger.EvUpdateOffer, Payload: payload}}, nil
	})
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, st.Offers)
}

func (s *Server) handleOfferRemove(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agentID, ok := s.agent(rw, r)
	if !ok {
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if !s.decode(rw, r, "", &req) {
		return
	}
	st, err := s.mutateOwned(r, agentID, func(st *ledger.AgentState) ([]ledger.EventDraft, error) {
		if !hasOffer(st, req.ID) {
			return nil, protocol.Errorf(protocol.ErrNotFound, "offer %s not found", req.ID)
		}
		return []ledger.EventDraft{{Type: ledger.EvRemoveOffer, Payload: ledger.RemoveByIDPayload{ID: req.ID}}}, nil
	})
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, st.Offers)
}

func (s *Server) handleBuyOrders(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agentID, ok := s.agent(rw, r)
	if !ok {
		return
	}
	var req struct {
		Resource        string  `json:"resource"`
		Quantity        float64 `json:"quantity"`
		MaxPricePerUnit float64 `json:"maxPricePerUnit"`
	}
	if !s.decode(rw, r, "buy_order", &req) {
		return
	}
	if err := checkTerms(req.Resource, req.Quantity, req.MaxPricePerUnit); err != nil {
		writeError(rw, err)
		return
	}
	if _, err := s.requireState(r, agentID); err != nil {
		writeError(rw, err)
		return
	}
	order := ledger.BuyOrder{
		ID:              "buy_" + uuid.NewString(),
		Resource:        valuation.Resource(req.Resource),
		Quantity:        req.Quantity,
		MaxPricePerUnit: req.MaxPricePerUnit,
	}
	if _, err := s.ledger.Append(r.Context(), agentID, ledger.EvAddBuyOrder, order); err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, order)
}

func (s *Server) handleBuyOrderUpdate(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agentID, ok := s.agent(rw, r)
	if !ok {
		return
	}
	var req struct {
		ID              string   `json:"id"`
		Quantity        *float64 `json:"quantity"`
		MaxPricePerUnit *float64 `json:"maxPricePerUnit"`
	}
	if !s.decode(rw, r, "", &req) {
		return
	}
	st, err := s.mutateOwned(r, agentID, func(st *ledger.AgentState) ([]ledger.EventDraft, error) {
		if !hasBuyOrder(st, req.ID) {
			return nil, protocol.Errorf(protocol.ErrNotFound, "buy order %s not found", req.ID)
		}
		payload := ledger.UpdateBuyOrderPayload{ID: req.ID, Updates: ledger.BuyOrderPatch{Quantity: req.Quantity, MaxPricePerUnit: req.MaxPricePerUnit}}
		return []ledger.EventDraft{{Type: ledger.EvUpdateBuyOrder, Payload: payload}}, nil
	})
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, st.BuyOrders)
}

func (s *Server) handleBuyOrderRemove(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agentID, ok := s.agent(rw, r)
	if !ok {
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if !s.decode(rw, r, "", &req) {
		return
	}
	st, err := s.mutateOwned(r, agentID, func(st *ledger.AgentState) ([]ledger.EventDraft, error) {
		if !hasBuyOrder(st, req.ID) {
			return nil, protocol.Errorf(protocol.ErrNotFound, "buy order %s not found", req.ID)
		}
		return []ledger.EventDraft{{Type: ledger.EvRemoveBuyOrder, Payload: ledger.RemoveByIDPayload{ID: req.ID}}}, nil
	})
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, st.BuyOrders)
}

// ---- trades ----

func (s *Server) handleTrade(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agentID, ok := s.agent(rw, r)
	if !ok {
		return
	}
	var req struct {
		SellerID     string  `json:"sellerId"`
		BuyerID      string  `json:"buyerId"`
		Resource     string  `json:"resource"`
		Quantity     float64 `json:"quantity"`
		PricePerUnit float64 `json:"pricePerUnit"`
		OfferID      string  `json:"offerId"`

		// Deferred records only the caller's side and leaves the mirror to
		// the reflection pass.
		Deferred bool `json:"deferred"`
	}
	if !s.decode(rw, r, "trade", &req) {
		return
	}
	if err := s.sessions.RequireTrading(); err != nil {
		writeError(rw, err)
		return
	}
	if agentID != req.SellerID && agentID != req.BuyerID {
		writeError(rw, protocol.Errorf(protocol.ErrNoPermission, "agent %s is not a party to this trade", agentID))
		return
	}
	treq := trade.Request{
		SellerID:     req.SellerID,
		BuyerID:      req.BuyerID,
		Resource:     valuation.Resource(req.Resource),
		Quantity:     req.Quantity,
		PricePerUnit: req.PricePerUnit,
		OfferID:      req.OfferID,
		Session:      s.sessions.Current(),
	}

	var (
		res trade.Result
		err error
	)
	if req.Deferred {
		role := "seller"
		if agentID == req.BuyerID {
			role = "buyer"
		}
		heat, hot := s.pairHeat(r, treq)
		res, err = s.exec.RecordOneSided(r.Context(), role, treq, heat, hot)
	} else {
		res, err = s.exec.ExecuteImmediate(r.Context(), treq)
	}
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

// pairHeat computes heat for a deferred trade from whatever shadow prices are
// available; a missing counterparty just means no heat.
func (s *Server) pairHeat(r *http.Request, req trade.Request) (float64, bool) {
	buyer, berr := s.ledger.State(r.Context(), req.BuyerID)
	seller, serr := s.ledger.State(r.Context(), req.SellerID)
	if berr != nil || serr != nil {
		return 0, false
	}
	return valuation.Heat(buyer.ShadowPrices[req.Resource], seller.ShadowPrices[req.Resource], req.PricePerUnit, req.Quantity)
}

// ---- negotiations ----

func (s *Server) handleNegotiations(rw http.ResponseWriter, r *http.Request) {
	agentID, ok := s.agent(rw, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		pending, err := s.negs.PendingFor(r.Context(), agentID)
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, pending)
	case http.MethodPost:
		var req struct {
			ResponderID  string  `json:"responderId"`
			Resource     string  `json:"resource"`
			Type         string  `json:"type"`
			Quantity     float64 `json:"quantity"`
			PricePerUnit float64 `json:"pricePerUnit"`
		}
		if !s.decode(rw, r, "negotiation_create", &req) {
			return
		}
		if err := s.sessions.RequireTrading(); err != nil {
			writeError(rw, err)
			return
		}
		n, err := s.negs.Create(r.Context(), agentID, req.ResponderID, valuation.Resource(req.Resource), req.Type,
			negotiation.Terms{Quantity: req.Quantity, Price: req.PricePerUnit}, s.sessions.Current())
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, n)
	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleNegotiation(rw http.ResponseWriter, r *http.Request) {
	agentID, ok := s.agent(rw, r)
	if !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/negotiations/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(rw, protocol.Errorf(protocol.ErrBadRequest, "negotiation id is required"))
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		n, err := s.negs.Load(r.Context(), id)
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, n)
		return
	}

	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch action {
	case "counter":
		var req struct {
			Quantity     float64 `json:"quantity"`
			PricePerUnit float64 `json:"pricePerUnit"`
		}
		if !s.decode(rw, r, "counter_offer", &req) {
			return
		}
		if err := s.sessions.RequireTrading(); err != nil {
			writeError(rw, err)
			return
		}
		n, err := s.negs.Counter(r.Context(), id, agentID, negotiation.Terms{Quantity: req.Quantity, Price: req.PricePerUnit})
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, n)
	case "accept":
		if err := s.sessions.RequireTrading(); err != nil {
			writeError(rw, err)
			return
		}
		n, err := s.negs.Accept(r.Context(), id, agentID)
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, n)
	case "reject":
		n, err := s.negs.Reject(r.Context(), id, agentID)
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, n)
	case "react":
		var req struct {
			Level int `json:"level"`
		}
		if !s.decode(rw, r, "", &req) {
			return
		}
		if err := s.negs.React(r.Context(), id, agentID, req.Level); err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(rw, protocol.Errorf(protocol.ErrBadRequest, "unknown action %q", action))
	}
}

// ---- session ----

func (s *Server) handleSession(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"current":     s.sessions.Current(),
		"tradingOpen": s.sessions.TradingOpen(),
	})
}

func (s *Server) handleSessionAdvance(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	n, err := s.sessions.Advance(r.Context())
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"current": n, "tradingOpen": true})
}

func (s *Server) handleSessionTrading(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	var req struct {
		Open bool `json:"open"`
	}
	if !s.decode(rw, r, "", &req) {
		return
	}
	if err := s.sessions.SetTrading(r.Context(), req.Open); err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"current":     s.sessions.Current(),
		"tradingOpen": s.sessions.TradingOpen(),
	})
}

// ---- helpers ----

func (s *Server) agent(rw http.ResponseWriter, r *http.Request) (string, bool) {
	agentID := strings.TrimSpace(r.Header.Get(agentHeader))
	if agentID == "" {
		writeError(rw, protocol.Errorf(protocol.ErrBadRequest, "missing %s header", agentHeader))
		return "", false
	}
	return agentID, true
}

// requireState loads the agent's state, mapping a missing ledger to
// E_NOT_FOUND rather than serving an empty genesis state.
func (s *Server) requireState(r *http.Request, agentID string) (ledger.AgentState, error) {
	st, err := s.ledger.State(r.Context(), agentID)
	if err != nil {
		return ledger.AgentState{}, err
	}
	if st.LastEventID == 0 {
		return ledger.AgentState{}, protocol.Errorf(protocol.ErrNotFound, "agent %s has no ledger", agentID)
	}
	return st, nil
}

func (s *Server) mutateOwned(r *http.Request, agentID string, fn func(st *ledger.AgentState) ([]ledger.EventDraft, error)) (ledger.AgentState, error) {
	return s.ledger.Update(r.Context(), agentID, func(st *ledger.AgentState) ([]ledger.EventDraft, error) {
		if st.LastEventID == 0 {
			return nil, protocol.Errorf(protocol.ErrNotFound, "agent %s has no ledger", agentID)
		}
		return fn(st)
	})
}

// decode reads the body, validates it against the named schema if one is
// loaded, and unmarshals into dst. It writes the error response itself and
// reports whether the caller should proceed.
func (s *Server) decode(rw http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, 1<<20))
	if err != nil {
		writeError(rw, protocol.Errorf(protocol.ErrBadRequest, "read body: %v", err))
		return false
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if sch, ok := s.schemas[schema]; ok && schema != "" {
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			writeError(rw, protocol.Errorf(protocol.ErrBadRequest, "invalid json: %v", err))
			return false
		}
		if err := sch.Validate(v); err != nil {
			writeError(rw, protocol.Errorf(protocol.ErrBadRequest, "%v", err))
			return false
		}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(rw, protocol.Errorf(protocol.ErrBadRequest, "invalid json: %v", err))
		return false
	}
	return true
}

func checkTerms(resource string, quantity, price float64) error {
	if !valuation.ValidResource(valuation.Resource(resource)) {
		return protocol.Errorf(protocol.ErrInvalidResource, "unknown resource %q", resource)
	}
	if quantity <= 0 {
		return protocol.Errorf(protocol.ErrInvalidQuantity, "quantity %v must be positive", quantity)
	}
	if price < 0 {
		return protocol.Errorf(protocol.ErrInvalidQuantity, "price %v must not be negative", price)
	}
	return nil
}

func hasOffer(st *ledger.AgentState, id string) bool {
	for _, o := range st.Offers {
		if o.ID == id {
			return true
		}
	}
	return false
}

func hasBuyOrder(st *ledger.AgentState, id string) bool {
	for _, o := range st.BuyOrders {
		if o.ID == id {
			return true
		}
	}
	return false
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, err error) {
	code := protocol.CodeOf(err)
	msg := err.Error()
	var pe *protocol.Error
	if errors.As(err, &pe) {
		msg = pe.Msg
	}
	writeJSON(rw, statusFor(code), map[string]any{"code": code, "message": msg})
}

func statusFor(code string) int {
	switch code {
	case protocol.ErrBadRequest, protocol.ErrInvalidResource, protocol.ErrInvalidQuantity, protocol.ErrSelfTrade:
		return http.StatusBadRequest
	case protocol.ErrNoInventory, protocol.ErrNoFunds:
		return http.StatusUnprocessableEntity
	case protocol.ErrNoPermission:
		return http.StatusForbidden
	case protocol.ErrNotFound:
		return http.StatusNotFound
	case protocol.ErrNotYourTurn, protocol.ErrConflict, protocol.ErrPhaseClosed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
