package ledger

import (
	"time"

	"tradepost.ai/internal/sim/valuation"
)

// AgentState is the full reduced view of one agent's ledger. It is what the
// cache and snapshot blobs serialize, so every field carries a JSON tag.
type AgentState struct {
	Profile Profile `json:"profile"`

	Inventory          valuation.Inventory `json:"inventory"`
	InventoryUpdatedAt time.Time           `json:"inventoryUpdatedAt"`

	Productions   []Production   `json:"productions"`
	Offers        []Offer        `json:"offers"`
	BuyOrders     []BuyOrder     `json:"buyOrders"`
	Notifications []Notification `json:"notifications"`
	Transactions  []Transaction  `json:"transactions"`

	// NegotiationLocal holds this agent's private per-negotiation state
	// (patience, last reaction). It never leaves the agent's own ledger.
	NegotiationLocal map[string]*NegotiationLocal `json:"negotiationLocal"`

	ShadowPrices       map[valuation.Resource]float64 `json:"shadowPrices"`
	ShadowCalculatedAt time.Time                      `json:"shadowCalculatedAt"`

	Session Session `json:"session"`

	LastUpdate      time.Time `json:"lastUpdate"`
	EventsProcessed int64     `json:"eventsProcessed"`
	LastEventID     int64     `json:"lastEventId"`
}

type Profile struct {
	AgentID       string         `json:"agentId"`
	DisplayName   string         `json:"displayName"`
	CreatedAt     time.Time      `json:"createdAt"`
	CurrentFunds  float64        `json:"currentFunds"`
	StartingFunds float64        `json:"startingFunds"`
	Settings      map[string]any `json:"settings,omitempty"`
}

type Production struct {
	Kind     string                         `json:"kind"`
	QtyA     float64                        `json:"qtyA"`
	QtyB     float64                        `json:"qtyB"`
	Revenue  float64                        `json:"revenue"`
	Consumed map[valuation.Resource]float64 `json:"consumed"`
	Session  int                            `json:"session"`
	Note     string                         `json:"note,omitempty"`
	At       time.Time                      `json:"at"`
}

type Offer struct {
	ID           string             `json:"id"`
	Resource     valuation.Resource `json:"resource"`
	Quantity     float64            `json:"quantity"`
	PricePerUnit float64            `json:"pricePerUnit"`
	Status       string             `json:"status"`
	CreatedAt    time.Time          `json:"createdAt"`
}

type BuyOrder struct {
	ID              string             `json:"id"`
	Resource        valuation.Resource `json:"resource"`
	Quantity        float64            `json:"quantity"`
	MaxPricePerUnit float64            `json:"maxPricePerUnit"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

type Notification struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Read      bool           `json:"read"`
}

// Transaction is one side's record of a trade. The same TransactionID appears
// on both parties' ledgers once reflection has run.
type Transaction struct {
	TransactionID string             `json:"transactionId"`
	NegotiationID string             `json:"negotiationId,omitempty"`
	Resource      valuation.Resource `json:"resource"`
	Quantity      float64            `json:"quantity"`
	PricePerUnit  float64            `json:"pricePerUnit"`
	TotalPrice    float64            `json:"totalPrice"`

	// Role is "buyer" or "seller" from this ledger's point of view.
	Role         string `json:"role"`
	Counterparty string `json:"counterparty"`

	InventoryBefore float64 `json:"inventoryBefore"`
	InventoryAfter  float64 `json:"inventoryAfter"`

	Heat float64 `json:"heat"`
	Hot  bool    `json:"hot"`

	Session int       `json:"session"`
	At      time.Time `json:"at"`

	// PendingReflection marks a one-sided record the reflection pass still
	// has to mirror onto the counterparty's ledger.
	PendingReflection bool `json:"isPendingReflection,omitempty"`
}

type NegotiationLocal struct {
	Patience     int                `json:"patience"`
	LastReaction int                `json:"lastReaction"`
	Resource     valuation.Resource `json:"resource,omitempty"`
	Role         string             `json:"role,omitempty"`
	Counterparty string             `json:"counterparty,omitempty"`
	StartedAt    time.Time          `json:"startedAt"`
	Outcome      string             `json:"outcome,omitempty"`
}

type Session struct {
	Current     int  `json:"current"`
	TradingOpen bool `json:"tradingOpen"`
}

// NewAgentState returns the genesis state every replay starts from.
func NewAgentState() AgentState {
	return AgentState{
		Inventory:        valuation.Inventory{},
		NegotiationLocal: map[string]*NegotiationLocal{},
		ShadowPrices:     map[valuation.Resource]float64{},
	}
}

// TransactionByID finds this ledger's record with the given transaction id.
func (st *AgentState) TransactionByID(id string) *Transaction {
	for i := range st.Transactions {
		if st.Transactions[i].TransactionID == id {
			return &st.Transactions[i]
		}
	}
	return nil
}

// PendingReflections lists the transactions still waiting to be mirrored.
func (st *AgentState) PendingReflections() []Transaction {
	var out []Transaction
	for _, txn := range st.Transactions {
		if txn.PendingReflection {
			out = append(out, txn)
		}
	}
	return out
}

// UnreadNotifications counts notifications not yet marked read.
func (st *AgentState) UnreadNotifications() int {
	n := 0
	for _, notif := range st.Notifications {
		if !notif.Read {
			n++
		}
	}
	return n
}
