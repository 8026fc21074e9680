// Package portfolio implements the authoritative ledger of cash, open
// positions, and realized PnL. All state lives behind one mutex: every
// read-then-write sequence (reserve, commit, close, mark-to-market) is
// serialized, so concurrent bots can never tear the ledger or double-spend
// cash. Methods take explicit timestamps so backtests replay bit for bit
// with no wall-clock dependence.
package portfolio

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avdeev/tradeforge/internal/domain"
)

// maxReturnObservations caps the trailing per-mark return series kept for
// VaR estimation.
const maxReturnObservations = 500

// Reservation is an optimistic cash hold taken before order submission.
type Reservation struct {
	BotID    string
	Symbol   string
	Side     domain.PositionSide
	Quantity float64
	Price    float64
	Strategy string
	// Exit levels carried through to the position on commit.
	StopLoss    float64 // 0 means none
	TakeProfit  float64
	TrailingPct float64
}

// Fill is the execution result applied on commit.
type Fill struct {
	Quantity   float64
	Price      float64
	Commission float64
	Slippage   float64
	Time       time.Time
}

// CloseRequest closes an open position.
type CloseRequest struct {
	PositionID string
	ExitPrice  float64
	Reason     domain.ExitReason
	Time       time.Time
	Commission float64
	Slippage   float64
}

// ForcedClose identifies a position whose exit condition has triggered.
type ForcedClose struct {
	PositionID string
	Symbol     string
	Quantity   float64
	Price      float64
	Reason     domain.ExitReason
}

type reservation struct {
	Reservation
	id     string
	amount float64
}

// Config bounds the ledger.
type Config struct {
	MaxPositions int
	// SectorOf maps symbols to sector labels; SectorCap limits one sector's
	// notional as a fraction of equity. Zero cap disables the check.
	SectorOf  map[string]string
	SectorCap float64
	// NewID generates position, reservation, and trade ids. Defaults to
	// random UUIDs; backtests inject a sequential generator so identical
	// inputs reproduce identical results.
	NewID func() string
}

// Manager is the single writer of portfolio state.
type Manager struct {
	mu sync.Mutex

	cash         float64
	positions    map[string]*domain.Position
	posIndex     map[string]string // botID|symbol|side -> position id
	reservations map[string]reservation

	peakEquity  float64
	drawdown    float64
	maxDrawdown float64
	lastEquity  float64
	returns     []float64

	realizedPnL float64
	tradeCount  int64
	winCount    int64

	cfg    Config
	logger *slog.Logger
}

// NewManager creates a ledger seeded with initial cash.
func NewManager(initialCash float64, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxPositions <= 0 {
		cfg.MaxPositions = 10
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Manager{
		cash:         initialCash,
		positions:    make(map[string]*domain.Position),
		posIndex:     make(map[string]string),
		reservations: make(map[string]reservation),
		peakEquity:   initialCash,
		lastEquity:   initialCash,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "portfolio_manager")),
	}
}

func indexKey(botID, symbol string, side domain.PositionSide) string {
	return botID + "|" + symbol + "|" + string(side)
}

// sortedPositions returns open positions in id order. Iterating maps
// directly would make float summation order, and therefore backtest
// results, vary between runs.
func (m *Manager) sortedPositions() []*domain.Position {
	out := make([]*domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// equityLocked sums cash, open position equity, and in-flight reservations.
// Reservations count toward equity so an optimistic debit never looks like
// destroyed value. Positions contribute cost basis plus unrealized PnL, not
// raw notional, so a short's equity moves against price.
func (m *Manager) equityLocked() float64 {
	eq := m.cash
	for _, p := range m.sortedPositions() {
		eq += p.EquityValue()
	}
	ids := make([]string, 0, len(m.reservations))
	for id := range m.reservations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		eq += m.reservations[id].amount
	}
	return eq
}

// Reserve debits cash optimistically before order submission and returns a
// reservation id for the later Commit or Release.
func (m *Manager) Reserve(res Reservation) (string, error) {
	if res.Quantity <= 0 || res.Price <= 0 {
		return "", domain.ErrInvalidOrder
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	amount := res.Quantity * res.Price
	if amount > m.cash {
		return "", domain.ErrInsufficientFunds
	}

	// Adding to an existing position does not consume a position slot.
	if _, exists := m.posIndex[indexKey(res.BotID, res.Symbol, res.Side)]; !exists {
		if len(m.positions) >= m.cfg.MaxPositions {
			return "", domain.ErrMaxPositionsReached
		}
	}

	if m.cfg.SectorCap > 0 {
		if sector, ok := m.cfg.SectorOf[res.Symbol]; ok {
			var sectorNotional float64
			for _, p := range m.sortedPositions() {
				if m.cfg.SectorOf[p.Symbol] == sector {
					sectorNotional += p.MarketValue()
				}
			}
			if eq := m.equityLocked(); eq > 0 && (sectorNotional+amount)/eq > m.cfg.SectorCap {
				return "", domain.ErrSectorAllocation
			}
		}
	}

	id := m.cfg.NewID()
	m.cash -= amount
	m.reservations[id] = reservation{Reservation: res, id: id, amount: amount}
	return id, nil
}

// Release rolls back a reservation after a failed or abandoned order,
// returning the held cash. Releasing an unknown id is a logged no-op.
func (m *Manager) Release(reservationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationID]
	if !ok {
		m.logger.Warn("release of unknown reservation", slog.String("reservation_id", reservationID))
		return
	}
	m.cash += r.amount
	delete(m.reservations, reservationID)
}

// Commit applies a fill against a reservation, creating a new position or
// augmenting an existing one with weighted-average cost math. Unfilled
// remainder of the reserved amount is returned to cash; commission is
// debited from cash.
func (m *Manager) Commit(reservationID string, fill Fill) (domain.Position, error) {
	if fill.Quantity <= 0 || fill.Price <= 0 {
		return domain.Position{}, domain.ErrInvalidOrder
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationID]
	if !ok {
		return domain.Position{}, fmt.Errorf("portfolio: commit: reservation %q: %w", reservationID, domain.ErrNotFound)
	}
	delete(m.reservations, reservationID)

	cost := fill.Quantity * fill.Price
	// Return the reservation, then debit the actual cost and commission.
	m.cash += r.amount - cost - fill.Commission

	key := indexKey(r.BotID, r.Symbol, r.Side)
	if posID, exists := m.posIndex[key]; exists {
		p := m.positions[posID]
		newQty := p.Quantity + fill.Quantity
		p.CostBasis += cost
		p.AvgEntryPrice = p.CostBasis / newQty
		p.Quantity = newQty
		p.CurrentPrice = fill.Price
		p.UnrealizedPnL = p.PnLAt(fill.Price)
		return *p, nil
	}

	p := &domain.Position{
		ID:            m.cfg.NewID(),
		BotID:         r.BotID,
		Symbol:        r.Symbol,
		Side:          r.Side,
		Quantity:      fill.Quantity,
		AvgEntryPrice: fill.Price,
		CostBasis:     cost,
		CurrentPrice:  fill.Price,
		Strategy:      r.Strategy,
		TrailingPct:   r.TrailingPct,
		OpenedAt:      fill.Time,
	}
	if r.StopLoss > 0 {
		sl := r.StopLoss
		p.StopLoss = &sl
	}
	if r.TakeProfit > 0 {
		tp := r.TakeProfit
		p.TakeProfit = &tp
	}
	m.positions[p.ID] = p
	m.posIndex[key] = p.ID
	return *p, nil
}

// MarkToMarket repricing every open position: recomputes unrealized PnL and
// excursions, ratchets trailing stops, updates peak equity and drawdown, and
// returns the positions whose exit condition has triggered. Max drawdown is
// monotone: it only ever ratchets up.
func (m *Manager) MarkToMarket(prices map[string]float64, ts time.Time) []ForcedClose {
	m.mu.Lock()
	defer m.mu.Unlock()

	var forced []ForcedClose
	for _, p := range m.sortedPositions() {
		price, ok := prices[p.Symbol]
		if !ok || price <= 0 {
			continue
		}
		p.CurrentPrice = price
		p.UnrealizedPnL = p.PnLAt(price)
		if p.UnrealizedPnL > p.MaxFavorable {
			p.MaxFavorable = p.UnrealizedPnL
		}
		if p.UnrealizedPnL < p.MaxAdverse {
			p.MaxAdverse = p.UnrealizedPnL
		}
		m.ratchetTrailing(p, price)

		if reason, hit := exitTriggered(p, price); hit {
			forced = append(forced, ForcedClose{
				PositionID: p.ID,
				Symbol:     p.Symbol,
				Quantity:   p.Quantity,
				Price:      price,
				Reason:     reason,
			})
		}
	}

	equity := m.equityLocked()
	if m.lastEquity > 0 {
		ret := equity/m.lastEquity - 1
		m.returns = append(m.returns, ret)
		if overflow := len(m.returns) - maxReturnObservations; overflow > 0 {
			m.returns = append([]float64(nil), m.returns[overflow:]...)
		}
	}
	m.lastEquity = equity

	if equity > m.peakEquity {
		m.peakEquity = equity
	}
	if m.peakEquity > 0 {
		m.drawdown = (m.peakEquity - equity) / m.peakEquity
	}
	if m.drawdown > m.maxDrawdown {
		m.maxDrawdown = m.drawdown
	}

	return forced
}

func (m *Manager) ratchetTrailing(p *domain.Position, price float64) {
	if p.TrailingPct <= 0 {
		return
	}
	if p.Side == domain.PositionLong {
		level := price * (1 - p.TrailingPct)
		if p.TrailingStop == nil || level > *p.TrailingStop {
			p.TrailingStop = &level
		}
	} else {
		level := price * (1 + p.TrailingPct)
		if p.TrailingStop == nil || level < *p.TrailingStop {
			p.TrailingStop = &level
		}
	}
}

func exitTriggered(p *domain.Position, price float64) (domain.ExitReason, bool) {
	if p.Side == domain.PositionLong {
		if p.StopLoss != nil && price <= *p.StopLoss {
			return domain.ExitStopLoss, true
		}
		if p.TrailingStop != nil && price <= *p.TrailingStop {
			return domain.ExitTrailingStop, true
		}
		if p.TakeProfit != nil && price >= *p.TakeProfit {
			return domain.ExitTakeProfit, true
		}
		return "", false
	}
	if p.StopLoss != nil && price >= *p.StopLoss {
		return domain.ExitStopLoss, true
	}
	if p.TrailingStop != nil && price >= *p.TrailingStop {
		return domain.ExitTrailingStop, true
	}
	if p.TakeProfit != nil && price <= *p.TakeProfit {
		return domain.ExitTakeProfit, true
	}
	return "", false
}

// Close realizes PnL, releases cash, and produces the immutable trade
// record. Closing an unknown (or already closed) position returns
// ErrNotFound; callers treat that as an idempotent no-op, so a double close
// can never realize PnL twice.
func (m *Manager) Close(req CloseRequest) (domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[req.PositionID]
	if !ok {
		m.logger.Warn("close of unknown position, ignoring",
			slog.String("position_id", req.PositionID),
		)
		return domain.Trade{}, domain.ErrNotFound
	}

	pnl := p.PnLAt(req.ExitPrice)
	m.cash += p.CostBasis + pnl - req.Commission

	delete(m.positions, req.PositionID)
	delete(m.posIndex, indexKey(p.BotID, p.Symbol, p.Side))

	m.realizedPnL += pnl - req.Commission
	m.tradeCount++
	if pnl-req.Commission > 0 {
		m.winCount++
	}

	return domain.Trade{
		ID:          m.cfg.NewID(),
		BotID:       p.BotID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		Quantity:    p.Quantity,
		EntryPrice:  p.AvgEntryPrice,
		ExitPrice:   req.ExitPrice,
		EntryTime:   p.OpenedAt,
		ExitTime:    req.Time,
		RealizedPnL: pnl - req.Commission,
		ExitReason:  req.Reason,
		Commission:  req.Commission,
		Slippage:    req.Slippage,
		Strategy:    p.Strategy,
	}, nil
}

// Snapshot returns a deep, consistent copy of the ledger for risk
// assessment and reporting.
func (m *Manager) Snapshot(ts time.Time) domain.PortfolioSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	positions := make([]domain.Position, 0, len(m.positions))
	for _, p := range m.sortedPositions() {
		positions = append(positions, *p)
	}
	returns := make([]float64, len(m.returns))
	copy(returns, m.returns)

	return domain.PortfolioSnapshot{
		Cash:        m.cash,
		Equity:      m.equityLocked(),
		PeakEquity:  m.peakEquity,
		Drawdown:    m.drawdown,
		MaxDrawdown: m.maxDrawdown,
		Positions:   positions,
		Returns:     returns,
		Timestamp:   ts,
	}
}

// Position returns a copy of one open position.
func (m *Manager) Position(id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return *p, nil
}

// OpenPositions returns copies of all open positions.
func (m *Manager) OpenPositions() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, 0, len(m.positions))
	for _, p := range m.sortedPositions() {
		out = append(out, *p)
	}
	return out
}

// OpenPositionsForBot returns copies of one bot's open positions.
func (m *Manager) OpenPositionsForBot(botID string) []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.sortedPositions() {
		if p.BotID == botID {
			out = append(out, *p)
		}
	}
	return out
}

// Restore reloads persisted open positions after a restart. It replaces the
// current open set and is intended to run before any bot starts.
func (m *Manager) Restore(positions []domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = make(map[string]*domain.Position, len(positions))
	m.posIndex = make(map[string]string, len(positions))
	for i := range positions {
		p := positions[i]
		m.positions[p.ID] = &p
		m.posIndex[indexKey(p.BotID, p.Symbol, p.Side)] = p.ID
	}
}

// Metrics summarizes portfolio health for the control surface.
func (m *Manager) Metrics() domain.PortfolioMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var unrealized float64
	for _, p := range m.sortedPositions() {
		unrealized += p.UnrealizedPnL
	}
	winRate := 0.0
	if m.tradeCount > 0 {
		winRate = float64(m.winCount) / float64(m.tradeCount)
	}
	return domain.PortfolioMetrics{
		Cash:          m.cash,
		Equity:        m.equityLocked(),
		PeakEquity:    m.peakEquity,
		Drawdown:      m.drawdown,
		MaxDrawdown:   m.maxDrawdown,
		OpenPositions: len(m.positions),
		UnrealizedPnL: unrealized,
		RealizedPnL:   m.realizedPnL,
		TradeCount:    m.tradeCount,
		WinRate:       winRate,
	}
}
