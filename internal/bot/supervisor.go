package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/avdeev/tradeforge/internal/domain"
	"github.com/avdeev/tradeforge/internal/portfolio"
	"github.com/avdeev/tradeforge/internal/strategy"
)

const (
	defaultMaxBots  = 20
	shutdownTimeout = 10 * time.Second
)

// Supervisor manages the bot fleet: a bounded pool of runner goroutines,
// graceful and emergency shutdown, and the control-surface queries.
type Supervisor struct {
	registry *strategy.Registry
	deps     Deps
	configs  domain.BotConfigStore // may be nil
	maxBots  int

	mu     sync.Mutex
	bots   map[string]*Runner
	halted bool

	logger *slog.Logger
}

// NewSupervisor builds a supervisor over the shared runner dependencies.
// configs may be nil when bot configurations are not persisted.
func NewSupervisor(registry *strategy.Registry, deps Deps, configs domain.BotConfigStore, maxBots int) *Supervisor {
	if maxBots <= 0 {
		maxBots = defaultMaxBots
	}
	return &Supervisor{
		registry: registry,
		deps:     deps,
		configs:  configs,
		maxBots:  maxBots,
		bots:     make(map[string]*Runner),
		logger:   deps.Logger.With(slog.String("component", "supervisor")),
	}
}

// StartBot validates the configuration, constructs the strategy, and starts
// the bot's evaluation loop. It returns the bot id.
func (s *Supervisor) StartBot(ctx context.Context, cfg domain.BotConfig) (string, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	cfg.Active = true
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	// Strategy construction validates params against the declared schema.
	strat, err := s.registry.New(cfg.Strategy, strategy.Params(cfg.Params))
	if err != nil {
		return "", fmt.Errorf("bot %s: %w", cfg.ID, err)
	}

	r := NewRunner(cfg, strat, s.deps)
	if s.deps.Trades != nil {
		past, herr := s.deps.Trades.ListByBot(ctx, cfg.ID, domain.ListOpts{Limit: historyCap})
		if herr != nil {
			s.logger.Warn("trade history load failed, Kelly sizing starts cold",
				slog.String("bot_id", cfg.ID),
				slog.String("error", herr.Error()),
			)
		} else {
			r.seedHistory(past)
		}
	}

	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		return "", domain.ErrEmergencyHalt
	}
	if _, exists := s.bots[cfg.ID]; exists {
		s.mu.Unlock()
		return "", domain.ErrAlreadyExists
	}
	if len(s.bots) >= s.maxBots {
		s.mu.Unlock()
		return "", fmt.Errorf("bot %s: pool full (%d running): %w", cfg.ID, s.maxBots, domain.ErrMaxPositionsReached)
	}
	// Starting under the lock keeps the halted check and the transition to
	// Running atomic against a concurrent emergency stop.
	if err := r.Start(ctx); err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.bots[cfg.ID] = r
	s.mu.Unlock()

	if s.configs != nil {
		if cerr := s.configs.Upsert(ctx, cfg); cerr != nil {
			s.logger.Warn("bot config persist failed",
				slog.String("bot_id", cfg.ID),
				slog.String("error", cerr.Error()),
			)
		}
	}
	s.emit(ctx, domain.EventBotStarted, cfg.ID, cfg.Symbol, map[string]any{
		"strategy":  cfg.Strategy,
		"timeframe": string(cfg.Timeframe),
	})
	s.logger.Info("bot started",
		slog.String("bot_id", cfg.ID),
		slog.String("strategy", cfg.Strategy),
		slog.String("symbol", cfg.Symbol),
	)
	return cfg.ID, nil
}

// StopBot gracefully stops one bot and waits for its loop to exit.
func (s *Supervisor) StopBot(ctx context.Context, botID string) error {
	s.mu.Lock()
	r, ok := s.bots[botID]
	if ok {
		delete(s.bots, botID)
	}
	s.mu.Unlock()
	if !ok {
		return domain.ErrBotNotRunning
	}

	r.Stop()
	err := r.Join(shutdownTimeout)
	if err != nil {
		s.logger.Error("bot did not stop in time", slog.String("bot_id", botID))
	}
	s.emit(ctx, domain.EventBotStopped, botID, r.cfg.Symbol, nil)
	return err
}

// StopAll stops every running bot concurrently and returns the first join
// failure, if any.
func (s *Supervisor) StopAll(ctx context.Context) error {
	return s.stopMany(ctx, func(*Runner) bool { return true })
}

// StopAllForOwner stops every running bot belonging to one owner.
func (s *Supervisor) StopAllForOwner(ctx context.Context, ownerID string) error {
	return s.stopMany(ctx, func(r *Runner) bool { return r.cfg.OwnerID == ownerID })
}

func (s *Supervisor) stopMany(ctx context.Context, match func(*Runner) bool) error {
	s.mu.Lock()
	running := make([]string, 0, len(s.bots))
	for id, r := range s.bots {
		if match(r) {
			running = append(running, id)
		}
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, id := range running {
		g.Go(func() error {
			err := s.StopBot(ctx, id)
			if err == domain.ErrBotNotRunning {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// EmergencyStopAll halts the engine: no new bots may start, every running
// bot is stopped, and all open positions are force-closed at market through
// the bots' close path. The halt stays in effect until ResetHalt.
func (s *Supervisor) EmergencyStopAll(ctx context.Context) error {
	s.mu.Lock()
	s.halted = true
	s.mu.Unlock()

	s.logger.Warn("emergency stop requested")
	stopErr := s.StopAll(ctx)

	now := time.Now().UTC()
	for _, p := range s.deps.Ledger.OpenPositions() {
		s.forceClose(ctx, p, now)
	}

	s.emit(ctx, domain.EventEmergencyHalt, "", "", map[string]any{
		"stopped_cleanly": stopErr == nil,
	})
	return stopErr
}

// forceClose unwinds one position at market during an emergency halt.
func (s *Supervisor) forceClose(ctx context.Context, p domain.Position, now time.Time) {
	res, err := s.deps.Gateway.CreateOrder(ctx, domain.OrderRequest{
		Symbol:   p.Symbol,
		Side:     orderSideFor(p.Side, true),
		Type:     domain.OrderTypeMarket,
		Quantity: p.Quantity,
	})
	exitPrice := p.CurrentPrice
	if err != nil {
		s.logger.Error("emergency close order failed, realizing at last mark",
			slog.String("position_id", p.ID),
			slog.String("error", err.Error()),
		)
	} else if res.AvgPrice > 0 {
		exitPrice = res.AvgPrice
	}

	trade, cerr := s.deps.Ledger.Close(portfolioClose(p.ID, exitPrice, now, res.Commission))
	if cerr != nil {
		return
	}
	if s.deps.Trades != nil {
		if serr := s.deps.Trades.Append(ctx, trade); serr != nil {
			s.logger.Warn("trade persist failed", slog.String("error", serr.Error()))
		}
	}
	if s.deps.Positions != nil {
		if derr := s.deps.Positions.Delete(ctx, p.ID); derr != nil {
			s.logger.Warn("position delete failed", slog.String("error", derr.Error()))
		}
	}
	s.emit(ctx, domain.EventPositionClosed, p.BotID, p.Symbol, map[string]any{
		"position_id": p.ID,
		"reason":      string(domain.ExitManual),
		"pnl":         trade.RealizedPnL,
	})
}

// ResetHalt lifts an emergency halt so bots may start again.
func (s *Supervisor) ResetHalt() {
	s.mu.Lock()
	s.halted = false
	s.mu.Unlock()
	s.logger.Info("emergency halt lifted")
}

// Halted reports whether an emergency halt is in effect.
func (s *Supervisor) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// ActiveBots returns the status of every managed bot.
func (s *Supervisor) ActiveBots() []domain.BotStatus {
	s.mu.Lock()
	runners := make([]*Runner, 0, len(s.bots))
	for _, r := range s.bots {
		runners = append(runners, r)
	}
	s.mu.Unlock()

	out := make([]domain.BotStatus, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.Status())
	}
	return out
}

// ActiveBotsForOwner returns the status of one owner's managed bots.
func (s *Supervisor) ActiveBotsForOwner(ownerID string) []domain.BotStatus {
	all := s.ActiveBots()
	out := make([]domain.BotStatus, 0, len(all))
	for _, st := range all {
		if st.OwnerID == ownerID {
			out = append(out, st)
		}
	}
	return out
}

// BotStatus returns one bot's status.
func (s *Supervisor) BotStatus(botID string) (domain.BotStatus, error) {
	s.mu.Lock()
	r, ok := s.bots[botID]
	s.mu.Unlock()
	if !ok {
		return domain.BotStatus{}, domain.ErrBotNotRunning
	}
	return r.Status(), nil
}

// PortfolioSummary exposes the shared ledger's health metrics.
func (s *Supervisor) PortfolioSummary() domain.PortfolioMetrics {
	return s.deps.Ledger.Metrics()
}

func portfolioClose(positionID string, exitPrice float64, now time.Time, commission float64) portfolio.CloseRequest {
	return portfolio.CloseRequest{
		PositionID: positionID,
		ExitPrice:  exitPrice,
		Reason:     domain.ExitManual,
		Time:       now,
		Commission: commission,
	}
}

func (s *Supervisor) emit(ctx context.Context, typ domain.EventType, botID, symbol string, detail map[string]any) {
	if s.deps.Sink == nil {
		return
	}
	evt := domain.Event{
		Type:      typ,
		BotID:     botID,
		Symbol:    symbol,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.deps.Sink.Emit(ctx, evt); err != nil {
		s.logger.Warn("event emit failed",
			slog.String("event", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}
