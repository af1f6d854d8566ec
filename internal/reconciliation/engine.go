package reconciliation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"execution-core/internal/apperr"
	"execution-core/internal/events"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/logger"
	"execution-core/pkg/telemetry"
)

// Brokers resolves broker gateways by id.
type Brokers interface {
	Get(id string) (exchange.Gateway, error)
}

// SnapshotStore persists snapshots and discrepancy resolutions.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s Snapshot) error
	LatestSnapshot(ctx context.Context, accountID string) (Snapshot, error)
	ListSnapshots(ctx context.Context, accountID string, from, to time.Time) ([]Snapshot, error)
	ResolveDiscrepancy(ctx context.Context, id, resolution string, at time.Time) error
}

// Hook receives every committed snapshot.
type Hook func(ctx context.Context, s Snapshot)

// Config tunes the engine.
type Config struct {
	CallTimeout  time.Duration
	Parallelism  int
	HistoryLimit int
}

// DefaultConfig returns a 10s broker timeout, 8 parallel fetches and 100
// snapshots of in-memory history per account.
func DefaultConfig() Config {
	return Config{CallTimeout: 10 * time.Second, Parallelism: 8, HistoryLimit: 100}
}

// AccountState is the externally visible state of one account.
type AccountState struct {
	AccountID  string    `json:"account_id"`
	State      State     `json:"state"`
	Runs       int       `json:"runs"`
	LastRunAt  time.Time `json:"last_run_at,omitempty"`
	LastScore  float64   `json:"last_score"`
	LastError  string    `json:"last_error,omitempty"`
	SnapshotID string    `json:"snapshot_id,omitempty"`
}

type resolution struct {
	note string
	at   time.Time
}

// Engine runs reconciliation passes, at most one in flight per account.
type Engine struct {
	cfg      Config
	brokers  Brokers
	rates    Rates
	detector Detector
	bus      events.Publisher
	log      *zap.Logger
	now      func() time.Time

	store SnapshotStore
	hooks []Hook

	sf singleflight.Group

	mu       sync.RWMutex
	accounts map[string]Account
	states   map[string]*AccountState
	latest   map[string]Snapshot
	history  map[string][]Snapshot
	resolved map[string]resolution

	loopCtx context.Context
	loops   map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates an engine. rates and bus may be nil.
func NewEngine(cfg Config, brokers Brokers, rates Rates, scoring Scoring, bus events.Publisher, log *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if bus == nil {
		bus = events.Nop{}
	}
	return &Engine{
		cfg:      cfg,
		brokers:  brokers,
		rates:    rates,
		detector: Detector{Scoring: scoring},
		bus:      bus,
		log:      logger.OrNop(log).Named("reconciliation"),
		now:      time.Now,
		accounts: make(map[string]Account),
		states:   make(map[string]*AccountState),
		latest:   make(map[string]Snapshot),
		history:  make(map[string][]Snapshot),
		resolved: make(map[string]resolution),
		loops:    make(map[string]context.CancelFunc),
	}
}

// SetStore attaches persistence. Call before Start.
func (e *Engine) SetStore(s SnapshotStore) { e.store = s }

// OnSnapshot registers a hook run after each committed snapshot.
func (e *Engine) OnSnapshot(h Hook) { e.hooks = append(e.hooks, h) }

// Upsert adds or replaces an account. A running loop for it is restarted
// with the new cadence.
func (e *Engine) Upsert(a Account) error {
	a = a.clone()
	if err := a.normalize(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accounts[a.ID] = a
	if _, ok := e.states[a.ID]; !ok {
		e.states[a.ID] = &AccountState{AccountID: a.ID, State: StateIdle}
	}
	if e.loopCtx != nil {
		e.startLoopLocked(a)
	}
	e.log.Info("account upserted",
		zap.String("account_id", a.ID),
		zap.Int("sub_accounts", len(a.SubAccounts)),
		zap.Duration("cadence", a.Cadence))
	return nil
}

// RemoveAccount stops and forgets an account. Snapshots are kept.
func (e *Engine) RemoveAccount(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.accounts[id]; !ok {
		return false
	}
	delete(e.accounts, id)
	delete(e.states, id)
	if cancel, ok := e.loops[id]; ok {
		cancel()
		delete(e.loops, id)
	}
	return true
}

// Account returns a copy of a registered account.
func (e *Engine) Account(id string) (Account, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.accounts[id]
	if !ok {
		return Account{}, false
	}
	return a.clone(), true
}

// Accounts lists registered accounts by id.
func (e *Engine) Accounts() []Account {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Account, 0, len(e.accounts))
	for _, a := range e.accounts {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches one periodic loop per account.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loopCtx = ctx
	for _, a := range e.accounts {
		e.startLoopLocked(a)
	}
}

// Stop ends every loop and waits for them.
func (e *Engine) Stop() {
	e.mu.Lock()
	for id, cancel := range e.loops {
		cancel()
		delete(e.loops, id)
	}
	e.loopCtx = nil
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) startLoopLocked(a Account) {
	if cancel, ok := e.loops[a.ID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(e.loopCtx)
	e.loops[a.ID] = cancel
	e.wg.Add(1)
	go e.loop(ctx, a.ID, a.Cadence)
}

func (e *Engine) loop(ctx context.Context, id string, cadence time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := e.ReconcileNow(ctx, id)
			if err != nil {
				e.log.Warn("scheduled reconciliation failed", zap.String("account_id", id), zap.Error(err))
				continue
			}
			if len(snap.Discrepancies) > 0 {
				e.log.Info("discrepancies found",
					zap.String("account_id", id),
					zap.Int("count", len(snap.Discrepancies)),
					zap.Float64("score", snap.Score))
			}
		}
	}
}

// ReconcileNow runs a pass for the account. Concurrent calls for the same
// account share the in-flight pass and its result.
func (e *Engine) ReconcileNow(ctx context.Context, accountID string) (Snapshot, error) {
	if _, ok := e.Account(accountID); !ok {
		return Snapshot{}, apperr.NotFound("reconciliation.ReconcileNow", "account:"+accountID)
	}
	v, err, _ := e.sf.Do(accountID, func() (any, error) {
		a, ok := e.Account(accountID)
		if !ok {
			return Snapshot{}, apperr.NotFound("reconciliation.ReconcileNow", "account:"+accountID)
		}
		return e.reconcile(context.WithoutCancel(ctx), a)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot).Clone(), nil
}

func (e *Engine) reconcile(ctx context.Context, a Account) (snap Snapshot, err error) {
	ctx, span := telemetry.StartSpan(ctx, "reconcile.pass", attribute.String("account.id", a.ID))
	started := e.now()
	defer func() {
		telemetry.EndSpan(span, err)
		e.finish(a.ID, snap, err, started)
	}()

	e.setState(a.ID, StateCollecting)
	subs := a.active()
	results, statuses := fanOut(ctx, e, subs, func(ctx context.Context, gw exchange.Gateway, sa SubAccount) ([]exchange.Position, error) {
		return gw.ListPositions(ctx, exchange.PositionFilter{AccountID: sa.Account})
	})
	norm := NewNormalizer(a, e.rates)
	var holdings []Holding
	for i, ps := range results {
		for _, p := range ps {
			if p.Qty != 0 {
				holdings = append(holdings, norm.Holding(subs[i], p))
			}
		}
	}

	reachable, failed := partition(statuses)
	if len(reachable) == 0 {
		return Snapshot{}, apperr.Connectivity("reconciliation.Reconcile",
			fmt.Errorf("no reachable brokers for account %s", a.ID))
	}

	e.setState(a.ID, StateConsolidating)
	positions := Consolidate(holdings, failed)

	e.setState(a.ID, StateScoring)
	now := e.now()
	discs := e.detector.Detect(a, positions, reachable, now)
	snap = Snapshot{
		ID:             uuid.NewString(),
		AccountID:      a.ID,
		MasterCurrency: a.MasterCurrency,
		Score:          e.detector.Scoring.Score(discs),
		Positions:      positions,
		Discrepancies:  discs,
		Brokers:        statuses,
		Warnings:       norm.Warnings(),
		StartedAt:      started,
		CreatedAt:      now,
		DurationMs:     now.Sub(started).Milliseconds(),
	}
	for _, b := range failed {
		snap.Warnings = append(snap.Warnings, "broker_unreachable:"+b)
	}
	e.commit(ctx, snap)
	return snap, nil
}

// fanOut fetches from every sub-account in parallel, bounded by the engine's
// parallelism. A failed fetch is recorded in its status and yields no items.
func fanOut[T any](ctx context.Context, e *Engine, subs []SubAccount, fetch func(context.Context, exchange.Gateway, SubAccount) ([]T, error)) ([][]T, []BrokerStatus) {
	results := make([][]T, len(subs))
	statuses := make([]BrokerStatus, len(subs))
	var g errgroup.Group
	g.SetLimit(e.cfg.Parallelism)
	for i, sa := range subs {
		g.Go(func() error {
			st := BrokerStatus{Broker: sa.Broker, Account: sa.Account}
			start := time.Now()
			items, err := func() ([]T, error) {
				gw, err := e.brokers.Get(sa.Broker)
				if err != nil {
					return nil, err
				}
				cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
				defer cancel()
				return fetch(cctx, gw, sa)
			}()
			st.LatencyMs = time.Since(start).Milliseconds()
			if err != nil {
				st.Error = err.Error()
				e.log.Warn("broker fetch failed",
					zap.String("broker", sa.Broker),
					zap.String("account", sa.Account),
					zap.Error(err))
			} else {
				st.OK = true
				st.Items = len(items)
				results[i] = items
			}
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()
	return results, statuses
}

// partition returns brokers with at least one successful fetch and brokers
// where every fetch failed.
func partition(statuses []BrokerStatus) (reachable, failed []string) {
	ok := map[string]bool{}
	seen := map[string]bool{}
	var order []string
	for _, s := range statuses {
		if !seen[s.Broker] {
			seen[s.Broker] = true
			order = append(order, s.Broker)
		}
		if s.OK {
			ok[s.Broker] = true
		}
	}
	for _, b := range order {
		if ok[b] {
			reachable = append(reachable, b)
		} else {
			failed = append(failed, b)
		}
	}
	return reachable, failed
}

func (e *Engine) setState(id string, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[id]; ok {
		st.State = s
	}
}

func (e *Engine) finish(id string, snap Snapshot, err error, started time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	if !ok {
		return
	}
	st.State = StateIdle
	st.Runs++
	st.LastRunAt = started
	if err != nil {
		st.LastError = err.Error()
		return
	}
	st.LastError = ""
	st.LastScore = snap.Score
	st.SnapshotID = snap.ID
}

func (e *Engine) commit(ctx context.Context, snap Snapshot) {
	e.mu.Lock()
	e.latest[snap.AccountID] = snap
	h := append(e.history[snap.AccountID], snap)
	if len(h) > e.cfg.HistoryLimit {
		h = h[len(h)-e.cfg.HistoryLimit:]
	}
	e.history[snap.AccountID] = h
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.SaveSnapshot(ctx, snap); err != nil {
			e.log.Warn("snapshot not persisted", zap.String("snapshot_id", snap.ID), zap.Error(err))
		}
	}
	e.bus.Publish(events.EventReconciled, Reconciled{
		AccountID:     snap.AccountID,
		SnapshotID:    snap.ID,
		Score:         snap.Score,
		Discrepancies: len(snap.Discrepancies),
		At:            snap.CreatedAt,
	})
	for _, d := range snap.Discrepancies {
		e.bus.Publish(events.EventDiscrepancyDetected, d)
	}
	e.log.Info("account reconciled",
		zap.String("account_id", snap.AccountID),
		zap.Float64("score", snap.Score),
		zap.Int("positions", len(snap.Positions)),
		zap.Int("discrepancies", len(snap.Discrepancies)),
		zap.Int64("duration_ms", snap.DurationMs))
	for _, hook := range e.hooks {
		hook(ctx, snap.Clone())
	}
}

// State reports where the account's reconciliation currently is.
func (e *Engine) State(accountID string) (AccountState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[accountID]
	if !ok {
		return AccountState{}, apperr.NotFound("reconciliation.State", "account:"+accountID)
	}
	return *st, nil
}

// LatestSnapshot returns the most recent snapshot of the account.
func (e *Engine) LatestSnapshot(ctx context.Context, accountID string) (Snapshot, error) {
	e.mu.RLock()
	s, ok := e.latest[accountID]
	e.mu.RUnlock()
	if ok {
		return e.withResolutions(s), nil
	}
	if e.store != nil {
		s, err := e.store.LatestSnapshot(ctx, accountID)
		if err == nil {
			return e.withResolutions(s), nil
		}
		if !apperr.Is(err, apperr.KindNotFound) {
			return Snapshot{}, err
		}
	}
	return Snapshot{}, apperr.NotFound("reconciliation.LatestSnapshot", "snapshot:"+accountID)
}

// History returns up to limit in-memory snapshots, newest first.
func (e *Engine) History(accountID string, limit int) []Snapshot {
	e.mu.RLock()
	h := e.history[accountID]
	out := make([]Snapshot, 0, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, h[i])
	}
	e.mu.RUnlock()
	for i := range out {
		out[i] = e.withResolutions(out[i])
	}
	return out
}

func (e *Engine) snapshotsBetween(ctx context.Context, accountID string, from, to time.Time) ([]Snapshot, error) {
	if e.store != nil {
		ss, err := e.store.ListSnapshots(ctx, accountID, from, to)
		if err != nil {
			return nil, err
		}
		for i := range ss {
			ss[i] = e.withResolutions(ss[i])
		}
		return ss, nil
	}
	var out []Snapshot
	for _, s := range e.History(accountID, 0) {
		if !s.CreatedAt.Before(from) && !s.CreatedAt.After(to) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Resolve attaches a resolution note to a discrepancy.
func (e *Engine) Resolve(ctx context.Context, discrepancyID, note string) error {
	at := e.now()
	if e.store != nil {
		if err := e.store.ResolveDiscrepancy(ctx, discrepancyID, note, at); err != nil {
			return err
		}
	} else if !e.knownDiscrepancy(discrepancyID) {
		return apperr.NotFound("reconciliation.Resolve", "discrepancy:"+discrepancyID)
	}
	e.mu.Lock()
	e.resolved[discrepancyID] = resolution{note: note, at: at}
	e.mu.Unlock()
	return nil
}

func (e *Engine) knownDiscrepancy(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, h := range e.history {
		for _, s := range h {
			for _, d := range s.Discrepancies {
				if d.ID == id {
					return true
				}
			}
		}
	}
	return false
}

func (e *Engine) withResolutions(s Snapshot) Snapshot {
	s = s.Clone()
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i, d := range s.Discrepancies {
		if r, ok := e.resolved[d.ID]; ok {
			at := r.at
			s.Discrepancies[i].Resolved = true
			s.Discrepancies[i].Resolution = r.note
			s.Discrepancies[i].ResolvedAt = &at
		}
	}
	return s
}

// NetPosition implements risk.PositionSource from the latest snapshots.
// accountID may name a reconciliation account or a broker sub-account.
func (e *Engine) NetPosition(accountID, symbol string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.latest[accountID]; ok {
		if p, ok := s.Position(symbol); ok {
			return p.NetQty, true
		}
		return 0, true
	}
	var net float64
	found := false
	for _, s := range e.latest {
		p, ok := s.Position(symbol)
		if !ok {
			continue
		}
		for _, h := range p.Holdings {
			if h.Account == accountID {
				net += h.Qty
				found = true
			}
		}
	}
	return net, found
}
