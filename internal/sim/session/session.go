// Package session tracks the scheduler-facing world clock: a monotonically
// increasing session number and a trading-phase flag. Trade and negotiation
// operations are rejected outside the trading phase; the session number is
// stamped onto production and trade records for reporting and never
// interpreted by the core.
package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"tradepost.ai/internal/persistence/store"
	"tradepost.ai/internal/protocol"
	"tradepost.ai/internal/sim/ledger"
)

const metaKey = "session"

type state struct {
	Current     int  `json:"current"`
	TradingOpen bool `json:"tradingOpen"`
}

type Manager struct {
	store  *store.Store
	ledger *ledger.Ledger
	logger *log.Logger

	mu sync.Mutex
	st state
}

// New loads the persisted session state, starting at session 1 with trading
// open on a fresh database.
func New(ctx context.Context, st *store.Store, l *ledger.Ledger, logger *log.Logger) (*Manager, error) {
	m := &Manager{store: st, ledger: l, logger: logger, st: state{Current: 1, TradingOpen: true}}
	raw, ok, err := st.GetMeta(ctx, metaKey)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrStorage, "load session: %v", err)
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &m.st); err != nil {
			return nil, protocol.Errorf(protocol.ErrInternal, "decode session: %v", err)
		}
	} else if err := m.persist(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Current returns the session number.
func (m *Manager) Current() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Current
}

// TradingOpen reports whether trades and negotiations are allowed right now.
func (m *Manager) TradingOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.TradingOpen
}

// RequireTrading gates a trading-phase operation.
func (m *Manager) RequireTrading() error {
	if !m.TradingOpen() {
		return protocol.Errorf(protocol.ErrPhaseClosed, "trading phase is closed in session %d", m.Current())
	}
	return nil
}

// Advance moves to the next session and opens trading.
func (m *Manager) Advance(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.Current++
	m.st.TradingOpen = true
	if err := m.persist(ctx); err != nil {
		return 0, err
	}
	m.broadcast(ctx)
	m.logger.Printf("session advanced to %d, trading open", m.st.Current)
	return m.st.Current, nil
}

// SetTrading opens or closes the trading phase within the current session.
func (m *Manager) SetTrading(ctx context.Context, open bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.TradingOpen == open {
		return nil
	}
	m.st.TradingOpen = open
	if err := m.persist(ctx); err != nil {
		return err
	}
	m.broadcast(ctx)
	m.logger.Printf("session %d: trading open=%v", m.st.Current, open)
	return nil
}

func (m *Manager) persist(ctx context.Context) error {
	raw, _ := json.Marshal(m.st)
	if err := m.store.SetMeta(ctx, metaKey, string(raw)); err != nil {
		return protocol.Errorf(protocol.ErrStorage, "save session: %v", err)
	}
	return nil
}

// broadcast mirrors the session change onto every ledger so reduced states
// carry it. Failures are logged; the meta row is authoritative.
func (m *Manager) broadcast(ctx context.Context) {
	agents, err := m.ledger.Agents(ctx)
	if err != nil {
		m.logger.Printf("session broadcast: %v", err)
		return
	}
	cur, open := m.st.Current, m.st.TradingOpen
	for _, agentID := range agents {
		_, err := m.ledger.Append(ctx, agentID, ledger.EvUpdateSession, ledger.UpdateSessionPayload{
			Session: &cur, TradingOpen: &open,
		})
		if err != nil {
			m.logger.Printf("session broadcast to %s: %v", agentID, err)
		}
	}
}
