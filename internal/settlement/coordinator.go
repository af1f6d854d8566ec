package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"execution-core/internal/apperr"
	"execution-core/internal/events"
	"execution-core/internal/reconciliation"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/logger"
)

// Brokers resolves broker gateways by id.
type Brokers interface {
	Get(id string) (exchange.Gateway, error)
}

// Accounts looks up reconciliation accounts and their latest snapshots.
type Accounts interface {
	Account(id string) (reconciliation.Account, bool)
	LatestSnapshot(ctx context.Context, accountID string) (reconciliation.Snapshot, error)
}

// Resolver marks discrepancies settled.
type Resolver interface {
	Resolve(ctx context.Context, discrepancyID, note string) error
}

// Store persists instructions.
type Store interface {
	SaveInstruction(ctx context.Context, in Instruction) error
	ListInstructions(ctx context.Context) ([]Instruction, error)
}

// Coordinator owns settlement instructions.
type Coordinator struct {
	cfg      Config
	brokers  Brokers
	accounts Accounts
	resolver Resolver
	bus      events.Publisher
	log      *zap.Logger
	now      func() time.Time
	store    Store

	mu    sync.Mutex
	items map[string]*Instruction
}

// NewCoordinator creates a coordinator. resolver and bus may be nil.
func NewCoordinator(cfg Config, brokers Brokers, accounts Accounts, resolver Resolver, bus events.Publisher, log *zap.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.MinSeverity.Rank() == 0 {
		cfg.MinSeverity = def.MinSeverity
	}
	if cfg.RequiredApprovals <= 0 {
		cfg.RequiredApprovals = def.RequiredApprovals
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if bus == nil {
		bus = events.Nop{}
	}
	return &Coordinator{
		cfg:      cfg,
		brokers:  brokers,
		accounts: accounts,
		resolver: resolver,
		bus:      bus,
		log:      logger.OrNop(log).Named("settlement"),
		now:      time.Now,
		items:    make(map[string]*Instruction),
	}
}

// SetStore attaches persistence.
func (c *Coordinator) SetStore(s Store) { c.store = s }

// Load restores persisted instructions. Instructions caught mid-processing
// are marked failed for manual review.
func (c *Coordinator) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	list, err := c.store.ListInstructions(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, in := range list {
		in := in.clone()
		if in.Status == StatusProcessing {
			in.Status = StatusFailed
			in.Error = "interrupted_during_processing"
			in.UpdatedAt = c.now()
		}
		c.items[in.ID] = &in
	}
	c.log.Info("instructions loaded", zap.Int("count", len(list)))
	return nil
}

// FromDiscrepancy creates an instruction for d. created is false when d is
// below the minimum severity or an instruction for it already exists.
func (c *Coordinator) FromDiscrepancy(ctx context.Context, d reconciliation.Discrepancy) (Instruction, bool, error) {
	if !d.Severity.AtLeast(c.cfg.MinSeverity) || d.Resolved {
		return Instruction{}, false, nil
	}
	key := d.Key()
	c.mu.Lock()
	for _, in := range c.items {
		if in.DiscrepancyKey == key && in.Open() && in.RetriedBy == "" {
			c.mu.Unlock()
			return in.clone(), false, nil
		}
	}
	c.mu.Unlock()

	in := Instruction{
		AccountID:      d.AccountID,
		DiscrepancyID:  d.ID,
		DiscrepancyKey: key,
		Severity:       d.Severity,
		Symbol:         d.Symbol,
		Reason:         fmt.Sprintf("%s discrepancy: expected %g, actual %g", d.Type, d.Expected, d.Actual),
	}
	switch d.Type {
	case reconciliation.TypeQuantity, reconciliation.TypeMissingPosition:
		if d.CounterBroker != "" {
			// Meet in the middle: the larger holder gives half the gap.
			in.Type = TypeTransfer
			in.Qty = math.Abs(d.Difference) / 2
			if d.Actual > d.Expected {
				in.FromBroker, in.ToBroker = d.Broker, d.CounterBroker
			} else {
				in.FromBroker, in.ToBroker = d.CounterBroker, d.Broker
			}
		} else {
			in.Type = TypeAdjustment
			in.Broker = d.Broker
			in.Qty = math.Abs(d.Difference)
			in.Side = exchange.SideBuy
			if d.Difference > 0 {
				in.Side = exchange.SideSell
			}
		}
	default:
		in.Type = TypeCorrection
		in.Broker = d.Broker
	}
	out, err := c.create(ctx, in)
	return out, err == nil, err
}

// Create records a manual instruction.
func (c *Coordinator) Create(ctx context.Context, in Instruction) (Instruction, error) {
	in.ID, in.Status, in.Approvals, in.Legs, in.RetryOf, in.RetriedBy = "", "", nil, nil, "", ""
	if in.Severity == "" {
		in.Severity = reconciliation.SeverityLow
	}
	return c.create(ctx, in)
}

func (c *Coordinator) create(ctx context.Context, in Instruction) (Instruction, error) {
	if err := validate(&in); err != nil {
		return Instruction{}, err
	}
	now := c.now()
	in.ID = uuid.NewString()
	in.Status = StatusPending
	if in.Priority == "" {
		in.Priority = PriorityFor(in.Severity)
	}
	in.RequiredApprovals = 0
	if in.Severity.AtLeast(reconciliation.SeverityHigh) {
		in.RequiredApprovals = c.cfg.RequiredApprovals
	}
	in.CreatedAt, in.UpdatedAt = now, now

	c.mu.Lock()
	stored := in.clone()
	c.items[in.ID] = &stored
	c.mu.Unlock()

	c.persist(ctx, in)
	c.bus.Publish(events.EventSettlementCreated, in)
	c.log.Info("settlement instruction created",
		zap.String("id", in.ID),
		zap.String("type", string(in.Type)),
		zap.String("account_id", in.AccountID),
		zap.String("symbol", in.Symbol),
		zap.Float64("qty", in.Qty),
		zap.String("severity", string(in.Severity)))
	return in, nil
}

func validate(in *Instruction) error {
	const op = "settlement.Create"
	in.Symbol = strings.ToUpper(strings.TrimSpace(in.Symbol))
	switch {
	case in.AccountID == "":
		return apperr.Validation(op, "account_id_required")
	case !in.Type.valid():
		return apperr.Validationf(op, "unknown_type:%s", in.Type)
	case in.Severity.Rank() == 0:
		return apperr.Validationf(op, "unknown_severity:%s", in.Severity)
	case in.Qty < 0:
		return apperr.Validation(op, "negative_qty")
	}
	moves := in.Type == TypeTransfer || (in.Type == TypeRebalance && in.Qty > 0)
	adjusts := in.Type == TypeAdjustment || (in.Type == TypeCorrection && in.Qty > 0)
	switch {
	case (moves || adjusts) && in.Symbol == "":
		return apperr.Validation(op, "symbol_required")
	case in.Type == TypeTransfer && in.Qty == 0, in.Type == TypeAdjustment && in.Qty == 0:
		return apperr.Validation(op, "qty_required")
	case moves && (in.FromBroker == "" || in.ToBroker == ""):
		return apperr.Validation(op, "from_and_to_broker_required")
	case moves && in.FromBroker == in.ToBroker:
		return apperr.Validation(op, "from_and_to_broker_must_differ")
	case adjusts && in.Broker == "":
		return apperr.Validation(op, "broker_required")
	case adjusts && in.Side != exchange.SideBuy && in.Side != exchange.SideSell:
		return apperr.Validation(op, "side_required")
	}
	return nil
}

// Approve records an operator sign-off on a pending instruction.
func (c *Coordinator) Approve(ctx context.Context, id, approver, note string) (Instruction, error) {
	const op = "settlement.Approve"
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return Instruction{}, apperr.Validation(op, "approver_required")
	}
	c.mu.Lock()
	in, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return Instruction{}, apperr.NotFound(op, "instruction:"+id)
	}
	if in.Status != StatusPending {
		c.mu.Unlock()
		return Instruction{}, apperr.Conflict(op, "instruction_"+string(in.Status))
	}
	for _, a := range in.Approvals {
		if a.Approver == approver {
			c.mu.Unlock()
			return Instruction{}, apperr.Conflict(op, "already_approved_by:"+approver)
		}
	}
	in.Approvals = append(in.Approvals, Approval{Approver: approver, Note: note, At: c.now()})
	in.UpdatedAt = c.now()
	out := in.clone()
	c.mu.Unlock()

	c.updated(ctx, out)
	return out, nil
}

// Cancel withdraws a pending instruction.
func (c *Coordinator) Cancel(ctx context.Context, id string) (Instruction, error) {
	const op = "settlement.Cancel"
	c.mu.Lock()
	in, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return Instruction{}, apperr.NotFound(op, "instruction:"+id)
	}
	if in.Status != StatusPending {
		c.mu.Unlock()
		return Instruction{}, apperr.Conflict(op, "instruction_"+string(in.Status))
	}
	in.Status = StatusCancelled
	in.UpdatedAt = c.now()
	out := in.clone()
	c.mu.Unlock()

	c.updated(ctx, out)
	return out, nil
}

// Retry creates a fresh pending instruction from a failed one. The failed
// instruction stays failed and links to its replacement. Legs the broker
// already accepted carry over and are not submitted again.
func (c *Coordinator) Retry(ctx context.Context, id string) (Instruction, error) {
	const op = "settlement.Retry"
	c.mu.Lock()
	old, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return Instruction{}, apperr.NotFound(op, "instruction:"+id)
	}
	if old.Status != StatusFailed {
		c.mu.Unlock()
		return Instruction{}, apperr.Conflict(op, "instruction_"+string(old.Status))
	}
	if old.RetriedBy != "" {
		c.mu.Unlock()
		return Instruction{}, apperr.Conflict(op, "already_retried_by:"+old.RetriedBy)
	}
	fresh := old.clone()
	c.mu.Unlock()

	fresh.ID, fresh.Status, fresh.Error = "", "", ""
	fresh.Approvals, fresh.Legs, fresh.CompletedAt = nil, nil, nil
	for _, leg := range old.Legs {
		if leg.Executed() {
			fresh.Legs = append(fresh.Legs, leg)
		}
	}
	fresh.RetryOf = id
	fresh.RetriedBy = ""
	out, err := c.create(ctx, fresh)
	if err != nil {
		return Instruction{}, err
	}

	c.mu.Lock()
	old.RetriedBy = out.ID
	old.UpdatedAt = c.now()
	prev := old.clone()
	c.mu.Unlock()
	c.updated(ctx, prev)
	return out, nil
}

// Get returns one instruction.
func (c *Coordinator) Get(id string) (Instruction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, ok := c.items[id]
	if !ok {
		return Instruction{}, apperr.NotFound("settlement.Get", "instruction:"+id)
	}
	return in.clone(), nil
}

// List returns matching instructions, newest first.
func (c *Coordinator) List(f Filter) []Instruction {
	c.mu.Lock()
	out := make([]Instruction, 0, len(c.items))
	for _, in := range c.items {
		if f.matches(*in) {
			out = append(out, in.clone())
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Process executes a pending instruction. High and critical instructions
// need their approvals first. A failure leaves the instruction failed; it is
// never retried automatically.
func (c *Coordinator) Process(ctx context.Context, id string) (Instruction, error) {
	const op = "settlement.Process"
	c.mu.Lock()
	in, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return Instruction{}, apperr.NotFound(op, "instruction:"+id)
	}
	if in.Status != StatusPending {
		c.mu.Unlock()
		return Instruction{}, apperr.Conflict(op, "instruction_"+string(in.Status))
	}
	if in.NeedsApproval() {
		c.mu.Unlock()
		return Instruction{}, apperr.Conflict(op, fmt.Sprintf("approvals_required:%d/%d", len(in.Approvals), in.RequiredApprovals))
	}
	in.Status = StatusProcessing
	in.UpdatedAt = c.now()
	work := in.clone()
	c.mu.Unlock()
	c.updated(ctx, work)

	legs, err := c.execute(ctx, work)

	c.mu.Lock()
	in.Legs = legs
	now := c.now()
	in.UpdatedAt = now
	if err != nil {
		in.Status = StatusFailed
		in.Error = err.Error()
	} else {
		in.Status = StatusCompleted
		in.CompletedAt = &now
	}
	out := in.clone()
	c.mu.Unlock()

	c.updated(ctx, out)
	if err != nil {
		c.log.Warn("settlement failed",
			zap.String("id", out.ID),
			zap.String("type", string(out.Type)),
			zap.Error(err))
		return out, apperr.Connectivity(op, err)
	}
	if out.DiscrepancyID != "" && c.resolver != nil {
		note := fmt.Sprintf("settled by %s %s", out.Type, out.ID)
		if rerr := c.resolver.Resolve(ctx, out.DiscrepancyID, note); rerr != nil {
			c.log.Warn("discrepancy resolution not recorded", zap.String("discrepancy_id", out.DiscrepancyID), zap.Error(rerr))
		}
	}
	c.log.Info("settlement completed", zap.String("id", out.ID), zap.Int("legs", len(out.Legs)))
	return out, nil
}

func (c *Coordinator) execute(ctx context.Context, in Instruction) ([]Leg, error) {
	var plan []Leg
	switch {
	case in.Type == TypeTransfer || (in.Type == TypeRebalance && in.Qty > 0):
		plan = []Leg{
			{Broker: in.FromBroker, Side: exchange.SideSell, Qty: in.Qty},
			{Broker: in.ToBroker, Side: exchange.SideBuy, Qty: in.Qty},
		}
	case in.Type == TypeAdjustment || (in.Type == TypeCorrection && in.Qty > 0):
		plan = []Leg{{Broker: in.Broker, Side: in.Side, Qty: in.Qty}}
	default:
		return nil, nil
	}

	acct, _ := c.accounts.Account(in.AccountID)
	snap, _ := c.accounts.LatestSnapshot(ctx, in.AccountID)
	carried := append([]Leg(nil), in.Legs...)
	var done []Leg
	executed := 0
	for i, leg := range plan {
		if prev, ok := takeExecuted(&carried, leg); ok {
			done = append(done, prev)
			executed++
			continue
		}
		leg.Account = subAccount(acct, leg.Broker)
		leg.Symbol = localSymbol(acct, snap, leg.Broker, in.Symbol)
		leg.ClientID = fmt.Sprintf("stl-%s-%d", in.ID, i+1)
		err := c.submit(ctx, &leg)
		done = append(done, leg)
		if err != nil {
			if executed > 0 {
				return done, fmt.Errorf("leg %d at %s failed after %d leg(s) executed: %w", i+1, leg.Broker, executed, err)
			}
			return done, fmt.Errorf("leg %d at %s failed: %w", i+1, leg.Broker, err)
		}
		executed++
	}
	return done, nil
}

// takeExecuted removes and returns the carried leg that already did want's
// work at the broker.
func takeExecuted(carried *[]Leg, want Leg) (Leg, bool) {
	for i, l := range *carried {
		if l.Executed() && l.Broker == want.Broker && l.Side == want.Side && l.Qty == want.Qty {
			*carried = append((*carried)[:i], (*carried)[i+1:]...)
			return l, true
		}
	}
	return Leg{}, false
}

func (c *Coordinator) submit(ctx context.Context, leg *Leg) error {
	gw, err := c.brokers.Get(leg.Broker)
	if err != nil {
		leg.Error = err.Error()
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	res, err := gw.SubmitOrder(cctx, exchange.OrderRequest{
		ClientID:  leg.ClientID,
		AccountID: leg.Account,
		Symbol:    leg.Symbol,
		Side:      leg.Side,
		Type:      exchange.OrderTypeMarket,
		Qty:       leg.Qty,
		Comment:   "settlement",
	})
	if err != nil {
		leg.Error = err.Error()
		return err
	}
	leg.ExchangeOrderID = res.ExchangeOrderID
	leg.Status = res.Status
	if res.Status == exchange.StatusRejected || res.Status == exchange.StatusCanceled || res.Status == exchange.StatusExpired {
		leg.Error = "broker_rejected"
		return errors.New("broker rejected order " + res.ExchangeOrderID)
	}
	return nil
}

// subAccount returns the first active broker-side account of acct at broker.
func subAccount(acct reconciliation.Account, broker string) string {
	for _, sa := range acct.SubAccounts {
		if sa.Broker == broker && sa.Active {
			return sa.Account
		}
	}
	return ""
}

// localSymbol returns the broker's own name for a canonical symbol: the one
// last seen in a snapshot holding, else the reversed alias, else symbol.
func localSymbol(acct reconciliation.Account, snap reconciliation.Snapshot, broker, symbol string) string {
	if p, ok := snap.Position(symbol); ok {
		for _, h := range p.Holdings {
			if h.Broker == broker && h.LocalSymbol != "" {
				return h.LocalSymbol
			}
		}
	}
	for local, canonical := range acct.Aliases[broker] {
		if strings.EqualFold(canonical, symbol) {
			return local
		}
	}
	return symbol
}

// HandleSnapshot creates instructions for every qualifying discrepancy of a
// snapshot and, with AutoProcess, processes those that need no approval.
func (c *Coordinator) HandleSnapshot(ctx context.Context, snap reconciliation.Snapshot) {
	for _, d := range snap.Discrepancies {
		in, created, err := c.FromDiscrepancy(ctx, d)
		if err != nil {
			c.log.Warn("instruction not created",
				zap.String("discrepancy_id", d.ID),
				zap.Error(err))
			continue
		}
		if !created || !c.cfg.AutoProcess || in.NeedsApproval() {
			continue
		}
		if _, err := c.Process(ctx, in.ID); err != nil {
			c.log.Warn("auto-processing failed", zap.String("id", in.ID), zap.Error(err))
		}
	}
}

func (c *Coordinator) updated(ctx context.Context, in Instruction) {
	c.persist(ctx, in)
	c.bus.Publish(events.EventSettlementUpdated, in)
}

func (c *Coordinator) persist(ctx context.Context, in Instruction) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveInstruction(ctx, in); err != nil {
		c.log.Warn("instruction not persisted", zap.String("id", in.ID), zap.Error(err))
	}
}
