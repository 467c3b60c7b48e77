// Package scheduler hands every OPEN trade to the settlement processor at
// or shortly after its expiry.
//
// The pending-expiry index is a cache over the store: Run rebuilds it from
// OPEN trades on startup, and a periodic sweep re-claims SETTLING trades
// whose claim went stale (a crash between claim and commit) and re-indexes
// OPEN trades that somehow fell out of it. The scheduler never writes trade
// or wallet state itself; it only claims and delegates.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/btree"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// Settler resolves a claimed trade.
type Settler interface {
	Settle(ctx context.Context, tradeID, actor string) (*model.SettlementResult, error)
	Void(ctx context.Context, tradeID, actor, reason string) (*model.SettlementResult, error)
}

// Config tunes dispatch latency and recovery.
type Config struct {
	// Workers is the number of trades settled in parallel.
	Workers int
	// PollInterval caps how long the dispatch loop sleeps without
	// re-checking the index. Worst-case settlement latency is bounded by it.
	PollInterval time.Duration
	// SweepInterval is how often stale claims and overdue trades are checked.
	SweepInterval time.Duration
	// StaleClaimAfter is how old a SETTLING claim must be before recovery
	// takes it over.
	StaleClaimAfter time.Duration
	// GracePeriod past expiry after which a non-terminal trade is escalated.
	GracePeriod time.Duration
}

// DefaultConfig returns the settings used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		PollInterval:    time.Second,
		SweepInterval:   15 * time.Second,
		StaleClaimAfter: time.Minute,
		GracePeriod:     time.Minute,
	}
}

type entry struct {
	at time.Time
	id string
}

func byExpiry(a, b entry) bool {
	if a.at.Equal(b.at) {
		return a.id < b.id
	}
	return a.at.Before(b.at)
}

// job is one unit of settlement work. resume is set when the sweep has
// re-claimed a stale trade; it carries the recorded claim intent.
type job struct {
	id     string
	resume *model.Trade
}

// Scheduler owns the pending-expiry index.
type Scheduler struct {
	store   store.Store
	settler Settler
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	index *btree.BTreeG[entry]
	byID  map[string]time.Time

	wake chan struct{}
	jobs chan job
}

// New creates a scheduler. Zero config fields take DefaultConfig values.
func New(st store.Store, settler Settler, cfg Config, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = def.StaleClaimAfter
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   st,
		settler: settler,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "scheduler")),
		now:     time.Now,
		index:   btree.NewBTreeGOptions(byExpiry, btree.Options{NoLocks: true}),
		byID:    make(map[string]time.Time),
		wake:    make(chan struct{}, 1),
		jobs:    make(chan job, cfg.Workers*4),
	}
}

// WithClock replaces the scheduler's time source. Used by tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Schedule adds or moves a trade's expiry in the index and wakes the
// dispatch loop so an earlier expiry is not slept through.
func (s *Scheduler) Schedule(tradeID string, expiresAt time.Time) {
	s.mu.Lock()
	if old, ok := s.byID[tradeID]; ok {
		s.index.Delete(entry{at: old, id: tradeID})
	}
	s.index.Set(entry{at: expiresAt, id: tradeID})
	s.byID[tradeID] = expiresAt
	metrics.PendingExpiries.Set(float64(s.index.Len()))
	s.mu.Unlock()

	s.signal()
}

// Cancel drops a trade from the index, e.g. after an admin settled it.
// A trade that is dispatched anyway is a no-op at claim time.
func (s *Scheduler) Cancel(tradeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.byID[tradeID]; ok {
		s.index.Delete(entry{at: at, id: tradeID})
		delete(s.byID, tradeID)
		metrics.PendingExpiries.Set(float64(s.index.Len()))
	}
}

// Pending returns the number of indexed expiries.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Len()
}

// Recover rebuilds the index from every OPEN trade in the store.
func (s *Scheduler) Recover(ctx context.Context) error {
	open, err := s.store.ListTradesByStatus(ctx, model.StatusOpen)
	if err != nil {
		return err
	}
	for _, t := range open {
		s.Schedule(t.ID, t.ExpiresAt)
	}
	s.logger.InfoContext(ctx, "expiry index recovered", "open_trades", len(open))
	return nil
}

// Run recovers the index and then dispatches until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.dispatchLoop(ctx) })
	g.Go(func() error { return s.sweepLoop(ctx) })
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error { return s.worker(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop pops due expiries in order and waits for the next one, a
// wake-up from Schedule, or the poll interval, whichever comes first.
func (s *Scheduler) dispatchLoop(ctx context.Context) error {
	for {
		id, wait, due := s.next()
		if due {
			select {
			case s.jobs <- job{id: id}:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// next pops the earliest entry if it is due, otherwise reports how long to
// wait for it.
func (s *Scheduler) next() (id string, wait time.Duration, due bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wait = s.cfg.PollInterval
	e, ok := s.index.Min()
	if !ok {
		return "", wait, false
	}
	until := e.at.Sub(s.now())
	if until > 0 {
		if until < wait {
			wait = until
		}
		return "", wait, false
	}

	s.index.PopMin()
	delete(s.byID, e.id)
	metrics.PendingExpiries.Set(float64(s.index.Len()))
	return e.id, 0, true
}

func (s *Scheduler) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-s.jobs:
			s.settle(ctx, j)
		}
	}
}

// settle claims (unless resuming) and delegates to the settler.
// Failures are logged; the sweep retries anything left SETTLING.
func (s *Scheduler) settle(ctx context.Context, j job) {
	if j.resume != nil {
		s.resume(ctx, j.resume)
		return
	}

	_, err := s.store.ClaimTrade(ctx, j.id, model.Claim{
		Action: model.ClaimExpire,
		By:     model.ActorSystem,
		At:     s.now().UTC(),
	})
	switch {
	case errors.Is(err, model.ErrClaimLost):
		metrics.ClaimsLost.Inc()
		s.logger.DebugContext(ctx, "expiry claim lost", "trade_id", j.id)
		return
	case errors.Is(err, model.ErrNotFound):
		s.logger.WarnContext(ctx, "expired trade not found", "trade_id", j.id)
		return
	case err != nil:
		// Still OPEN; try again on the next poll.
		s.logger.ErrorContext(ctx, "expiry claim failed, rescheduling", "trade_id", j.id, "err", err)
		s.Schedule(j.id, s.now().Add(s.cfg.PollInterval))
		return
	}

	if _, err := s.settler.Settle(ctx, j.id, model.ActorSystem); err != nil {
		s.logger.ErrorContext(ctx, "settlement failed, left for recovery", "trade_id", j.id, "err", err)
	}
}

// resume finishes a stale claim with the action and actor it was taken
// for: an admin void stays a void, an admin force keeps the admin as actor.
func (s *Scheduler) resume(ctx context.Context, t *model.Trade) {
	var err error
	switch t.ClaimAction {
	case model.ClaimVoid:
		_, err = s.settler.Void(ctx, t.ID, t.ClaimedBy, t.ClaimReason)
	case model.ClaimForce:
		_, err = s.settler.Settle(ctx, t.ID, t.ClaimedBy)
	default:
		_, err = s.settler.Settle(ctx, t.ID, model.ActorSystem)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "resumed settlement failed, left for recovery",
			"trade_id", t.ID, "action", string(t.ClaimAction), "actor", t.ClaimedBy, "err", err)
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "recovery sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep re-claims stale SETTLING trades and escalates overdue ones.
// Re-claimed trades are queued for settlement; Run must be active to
// drain them.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := s.now().UTC()
	trades, err := s.store.ListTradesByStatus(ctx, model.StatusOpen, model.StatusSettling)
	if err != nil {
		return err
	}

	overdue := now.Add(-s.cfg.GracePeriod)
	staleBefore := now.Add(-s.cfg.StaleClaimAfter)
	stuckOpen, stuckSettling := 0, 0

	for _, t := range trades {
		switch t.Status {
		case model.StatusOpen:
			if !t.ExpiresAt.Before(overdue) {
				continue
			}
			stuckOpen++
			s.logger.ErrorContext(ctx, "ALERT: trade open past grace period",
				"trade_id", t.ID, "expires_at", t.ExpiresAt, "grace", s.cfg.GracePeriod)
			s.ensureIndexed(t)

		case model.StatusSettling:
			if t.ClaimedAt != nil && !t.ClaimedAt.Before(staleBefore) {
				continue
			}
			if t.ExpiresAt.Before(overdue) {
				stuckSettling++
			}
			if !overrideClaim(t.ClaimAction) && now.Before(t.ExpiresAt) {
				// A system claim never settles early; leave it until expiry.
				s.logger.WarnContext(ctx, "stale expiry claim before expiry, waiting",
					"trade_id", t.ID, "expires_at", t.ExpiresAt)
				continue
			}
			reclaimed, err := s.store.ReclaimStale(ctx, t.ID, staleBefore, now)
			if err != nil {
				if !errors.Is(err, model.ErrClaimLost) {
					s.logger.ErrorContext(ctx, "stale claim takeover failed", "trade_id", t.ID, "err", err)
				}
				continue
			}
			s.logger.WarnContext(ctx, "resuming stale settlement",
				"trade_id", t.ID, "claimed_at", t.ClaimedAt,
				"action", string(reclaimed.ClaimAction), "actor", reclaimed.ClaimedBy)
			select {
			case s.jobs <- job{id: t.ID, resume: reclaimed}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	metrics.StuckTrades.WithLabelValues(string(model.StatusOpen)).Set(float64(stuckOpen))
	metrics.StuckTrades.WithLabelValues(string(model.StatusSettling)).Set(float64(stuckSettling))
	return nil
}

func overrideClaim(a model.ClaimAction) bool {
	return a == model.ClaimForce || a == model.ClaimVoid
}

func (s *Scheduler) ensureIndexed(t model.Trade) {
	s.mu.Lock()
	_, ok := s.byID[t.ID]
	s.mu.Unlock()
	if !ok {
		s.Schedule(t.ID, t.ExpiresAt)
	}
}
