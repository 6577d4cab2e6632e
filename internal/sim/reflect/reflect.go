// Package reflect reconciles cross-ledger trades. A trade recorded on one
// agent's ledger with the pending flag set is mirrored onto the counterparty's
// ledger exactly once; the pass is idempotent and safe to re-run after a crash
// at any point.
package reflect

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"tradepost.ai/internal/sim/ledger"
	"tradepost.ai/internal/sim/valuation"
)

type Engine struct {
	ledger *ledger.Ledger
	logger *log.Logger

	// pendingWarnAfter is the age past which a still-pending transaction is
	// logged as suspicious. Zero disables the warning.
	pendingWarnAfter time.Duration
}

func New(l *ledger.Ledger, logger *log.Logger, pendingWarnAfter time.Duration) *Engine {
	return &Engine{ledger: l, logger: logger, pendingWarnAfter: pendingWarnAfter}
}

// ProcessReflections scans every ledger for pending transactions and mirrors
// each onto its counterparty. It returns the number of transactions resolved.
// A failure on one ledger is logged and does not stop the pass.
func (e *Engine) ProcessReflections(ctx context.Context) (int, error) {
	agents, err := e.ledger.Agents(ctx)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, agentID := range agents {
		st, err := e.ledger.State(ctx, agentID)
		if err != nil {
			e.logger.Printf("reflect: state for %s: %v", agentID, err)
			continue
		}
		for _, txn := range st.PendingReflections() {
			if e.pendingWarnAfter > 0 && time.Since(txn.At) > e.pendingWarnAfter {
				e.logger.Printf("reflect: transaction %s on %s pending for %s", txn.TransactionID, agentID, time.Since(txn.At).Round(time.Second))
			}
			if err := e.reflect(ctx, agentID, txn.TransactionID); err != nil {
				e.logger.Printf("reflect: %s on %s: %v", txn.TransactionID, agentID, err)
				continue
			}
			resolved++
		}
	}
	return resolved, nil
}

// reflect resolves one pending transaction: re-check it is still pending,
// mirror it onto the counterparty unless a record with the same transaction
// id already exists there, then clear the actor's pending flag. Each step is
// safe to repeat, so a crash at any point is recovered by the next pass.
func (e *Engine) reflect(ctx context.Context, actorID, transactionID string) error {
	actorState, err := e.ledger.State(ctx, actorID)
	if err != nil {
		return err
	}
	txn := actorState.TransactionByID(transactionID)
	if txn == nil || !txn.PendingReflection {
		return nil
	}
	counterpartyID := txn.Counterparty
	if counterpartyID == "" || counterpartyID == actorID {
		return fmt.Errorf("transaction %s has unusable counterparty %q", transactionID, counterpartyID)
	}
	actorName := actorState.Profile.DisplayName
	if actorName == "" {
		actorName = actorID
	}

	mirrored := false
	_, err = e.ledger.Update(ctx, counterpartyID, func(st *ledger.AgentState) ([]ledger.EventDraft, error) {
		if st.TransactionByID(transactionID) != nil {
			// Already mirrored by an earlier pass that died before clearing
			// the actor's flag.
			return nil, nil
		}
		mirrored = true
		return mirrorDrafts(st, actorID, actorName, *txn), nil
	})
	if err != nil {
		return err
	}

	if _, err := e.ledger.Append(ctx, actorID, ledger.EvMarkReflected,
		ledger.MarkReflectedPayload{TransactionID: transactionID}); err != nil {
		return err
	}
	if mirrored {
		e.logger.Printf("reflect: mirrored %s from %s to %s", transactionID, actorID, counterpartyID)
	}
	return nil
}

// mirrorDrafts builds the counterparty's half of a trade: the opposite role,
// the opposite inventory and funds movements, and a notification.
func mirrorDrafts(st *ledger.AgentState, actorID, actorName string, txn ledger.Transaction) []ledger.EventDraft {
	role := "buyer"
	qty, funds := txn.Quantity, -txn.TotalPrice
	verb, prep := "Bought", "from"
	if txn.Role == "buyer" {
		role = "seller"
		qty, funds = -txn.Quantity, txn.TotalPrice
		verb, prep = "Sold", "to"
	}

	invBefore := st.Inventory[txn.Resource]
	invAfter := valuation.Round4(invBefore + qty)
	if invAfter < 0 {
		invAfter = 0
	}

	return []ledger.EventDraft{
		{Type: ledger.EvAdjustInventory, Payload: ledger.AdjustInventoryPayload{Resource: txn.Resource, Amount: qty}},
		{Type: ledger.EvAdjustFunds, Payload: ledger.AdjustFundsPayload{Amount: funds}},
		{Type: ledger.EvAddTransaction, Payload: ledger.Transaction{
			TransactionID:   txn.TransactionID,
			NegotiationID:   txn.NegotiationID,
			Resource:        txn.Resource,
			Quantity:        txn.Quantity,
			PricePerUnit:    txn.PricePerUnit,
			TotalPrice:      txn.TotalPrice,
			Role:            role,
			Counterparty:    actorID,
			InventoryBefore: invBefore,
			InventoryAfter:  invAfter,
			Heat:            txn.Heat,
			Hot:             txn.Hot,
			Session:         txn.Session,
		}},
		{Type: ledger.EvAddNotification, Payload: ledger.NotificationPayload{
			ID:      "notif_" + uuid.NewString(),
			Kind:    "trade_completed",
			Message: fmt.Sprintf("%s %.4f %s %s %s for %.2f", verb, txn.Quantity, txn.Resource, prep, actorName, txn.TotalPrice),
			Data: map[string]any{
				"transactionId": txn.TransactionID,
				"resource":      string(txn.Resource),
				"quantity":      txn.Quantity,
				"totalPrice":    txn.TotalPrice,
				"counterparty":  actorID,
			},
		}},
	}
}
