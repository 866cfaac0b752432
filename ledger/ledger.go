/*
Package ledger is the single authority on whether a resource has enough
hours, in which pool, to cover a request.

PURPOSE:
  Every resource owns two pools of annual hours: the project pool
  (NormalHours) and the reserve pool (ReserveHours, the "tesoretto").
  Hours are committed from a pool against a hierarchy node (project,
  area, activity or task) and released back when an allocation shrinks.

APPEND-ONLY:
  Pools are never stored as counters. Every commit and release is an
  HourTransaction and the available balance is derived:

    available(pool) = capacity(pool) + Σ delta(pool)

  Commits carry a negative delta, releases a positive one. History is
  never edited; a release is the correction for a commit.

  A delta keeps the unit it was requested in. Sums are taken in minutes,
  where hours and minutes both convert exactly, and turned into hours
  only for the views.

CONCURRENCY:
  Check and commit happen under an exclusive lock scoped to the
  resource id and inside a single store transaction. Two concurrent
  commits against the same resource can't both pass the availability
  check. The lock is released on every exit path.

INDEPENDENT LEVELS:
  Hierarchy levels are independent ledgers of intent. Committing to a
  task whose activity holds no hours is allowed; only the resource pool
  is authoritative for availability.

BUDGET GATE:
  When a commit carries a rate, the client's authorized budget is checked
  in addition to the pool: Σ(net hours × rate) + requested ≤ authorized.

SEE ALSO:
  - assign.go: Assign orchestration (margin config + commit)
  - core/records.go: HourTransaction
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/hours-engine/core"
	"github.com/warp/hours-engine/margin"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store  core.TxStore
	locks  *core.KeyedMutex
	logger logrus.FieldLogger

	// Policy and DefaultLines build the margin configuration created on the
	// first assignment of a (resource, client) pair.
	Policy       margin.Policy
	DefaultLines []margin.Line

	Now func() time.Time
}

// NewService creates a ledger. locks may be shared with other engines; the
// ledger only takes resource keys.
func NewService(store core.TxStore, locks *core.KeyedMutex, logger logrus.FieldLogger) *Service {
	if locks == nil {
		locks = core.NewKeyedMutex()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		store:        store,
		locks:        locks,
		logger:       logger,
		Policy:       margin.PolicyAdditive,
		DefaultLines: margin.Defaults(),
		Now:          time.Now,
	}
}

// =============================================================================
// REQUESTS & RESULTS
// =============================================================================

// CommitRequest moves hours from a pool to a node. Rate is the final hourly
// cost of the engagement; zero skips the budget gate.
type CommitRequest struct {
	ResourceID core.ResourceID
	ClientID   core.ClientID
	Pool       core.Pool
	Level      core.Level
	NodeID     core.NodeID
	Hours      core.Amount
	Rate       decimal.Decimal
	Reason     string
	Actor      string
}

type CommitResult struct {
	Transaction core.HourTransaction
	Remaining   core.Amount // available hours left in the pool
}

// ReleaseRequest gives hours back from a node to its pool.
type ReleaseRequest struct {
	ResourceID core.ResourceID
	Pool       core.Pool
	NodeID     core.NodeID
	Hours      core.Amount
	Reason     string
	Actor      string
}

type PoolBalance struct {
	Pool      core.Pool
	Capacity  core.Amount
	Committed core.Amount
	Available core.Amount
}

type PoolView struct {
	ResourceID core.ResourceID
	Project    PoolBalance
	Reserve    PoolBalance
}

// BudgetView reports a client's spend. Authorized and Remaining are nil
// when the client has no recorded budget.
type BudgetView struct {
	ClientID   core.ClientID
	Authorized *decimal.Decimal
	Consumed   decimal.Decimal
	Remaining  *decimal.Decimal
}

// =============================================================================
// READS
// =============================================================================

// CheckAvailable reports whether hours ≤ available hours in the pool.
// The answer is advisory: Commit re-checks under lock.
func (s *Service) CheckAvailable(ctx context.Context, rid core.ResourceID, pool core.Pool, hours core.Amount) (bool, error) {
	if _, err := core.ParsePool(string(pool)); err != nil {
		return false, err
	}
	res, err := loadResource(ctx, s.store, rid)
	if err != nil {
		return false, err
	}
	bal, err := poolMinutes(ctx, s.store, *res, pool)
	if err != nil {
		return false, err
	}
	return !hours.In(core.UnitMinutes).Value.GreaterThan(bal.available()), nil
}

// Pool returns capacity, committed and available hours of both pools.
func (s *Service) Pool(ctx context.Context, rid core.ResourceID) (*PoolView, error) {
	res, err := loadResource(ctx, s.store, rid)
	if err != nil {
		return nil, err
	}
	project, err := poolBalance(ctx, s.store, *res, core.PoolProject)
	if err != nil {
		return nil, err
	}
	reserve, err := poolBalance(ctx, s.store, *res, core.PoolReserve)
	if err != nil {
		return nil, err
	}
	return &PoolView{ResourceID: rid, Project: project, Reserve: reserve}, nil
}

// Committed returns the net hours a resource holds on a node across both pools.
func (s *Service) Committed(ctx context.Context, rid core.ResourceID, node core.NodeID) (core.Amount, error) {
	return netHours(ctx, s.store, core.HourFilter{ResourceID: rid, NodeID: node})
}

// Budget returns the authorized and consumed budget of a client.
func (s *Service) Budget(ctx context.Context, cid core.ClientID) (*BudgetView, error) {
	c, err := s.store.GetClient(ctx, cid)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, core.NotFound("client", string(cid))
	}
	consumed, err := consumedBudget(ctx, s.store, cid)
	if err != nil {
		return nil, err
	}
	view := &BudgetView{ClientID: cid, Authorized: c.AuthorizedBudget, Consumed: consumed}
	if c.AuthorizedBudget != nil {
		view.Remaining = core.Budget(c.AuthorizedBudget.Sub(consumed))
	}
	return view, nil
}

// Transactions lists the hour ledger of a resource in insertion order.
func (s *Service) Transactions(ctx context.Context, filter core.HourFilter) ([]core.HourTransaction, error) {
	return s.store.HourTransactions(ctx, filter)
}

// =============================================================================
// WRITES
// =============================================================================

// Commit validates and debits a pool atomically.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	unlock := s.locks.Lock(core.ResourceLockKey(req.ResourceID))
	defer unlock()

	var result *CommitResult
	err := s.store.WithTx(ctx, func(tx core.Store) error {
		var err error
		result, err = s.commitIn(ctx, tx, req)
		return err
	})
	if err != nil {
		s.logFailure(err, logrus.Fields{"resource_id": req.ResourceID, "node_id": req.NodeID, "op": "commit"})
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"resource_id": req.ResourceID,
		"node_id":     req.NodeID,
		"pool":        req.Pool,
		"hours":       req.Hours.In(core.UnitHours).Value.String(),
		"remaining":   result.Remaining.Value.String(),
		"actor":       req.Actor,
	}).Info("hours committed")
	return result, nil
}

// Release returns hours from a node to the pool. Releasing more than the
// node holds in that pool is a validation error.
func (s *Service) Release(ctx context.Context, req ReleaseRequest) (*CommitResult, error) {
	unlock := s.locks.Lock(core.ResourceLockKey(req.ResourceID))
	defer unlock()

	var result *CommitResult
	err := s.store.WithTx(ctx, func(tx core.Store) error {
		var err error
		result, err = s.releaseIn(ctx, tx, req)
		return err
	})
	if err != nil {
		s.logFailure(err, logrus.Fields{"resource_id": req.ResourceID, "node_id": req.NodeID, "op": "release"})
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"resource_id": req.ResourceID,
		"node_id":     req.NodeID,
		"pool":        req.Pool,
		"hours":       req.Hours.In(core.UnitHours).Value.String(),
		"actor":       req.Actor,
	}).Info("hours released")
	return result, nil
}

// commitIn runs inside a transaction with the resource lock held.
func (s *Service) commitIn(ctx context.Context, tx core.Store, req CommitRequest) (*CommitResult, error) {
	amount := req.Hours.Normalize()
	minutes := amount.In(core.UnitMinutes).Value
	if !minutes.IsPositive() {
		return nil, core.NewValidationError("hours", "hours must be positive")
	}
	if _, err := core.ParsePool(string(req.Pool)); err != nil {
		return nil, err
	}

	res, err := loadResource(ctx, tx, req.ResourceID)
	if err != nil {
		return nil, err
	}
	node, err := loadNode(ctx, tx, req.NodeID)
	if err != nil {
		return nil, err
	}
	if req.Level != "" && node.Level != req.Level {
		return nil, core.NewValidationError("targetLevel",
			fmt.Sprintf("node %s is a %s, not a %s", node.ID, node.Level, req.Level))
	}
	if !node.Level.Assignable() {
		return nil, core.NewValidationError("targetLevel", fmt.Sprintf("hours cannot be committed at level %s", node.Level))
	}
	if !res.Role.Permits(node.Level) {
		return nil, core.NewValidationError("targetLevel",
			fmt.Sprintf("role %s cannot be assigned at level %s", res.Role, node.Level))
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = node.ClientID
	}
	if node.ClientID != "" && clientID != node.ClientID {
		return nil, core.NewValidationError("clientId",
			fmt.Sprintf("node %s belongs to client %s", node.ID, node.ClientID))
	}

	bal, err := poolMinutes(ctx, tx, *res, req.Pool)
	if err != nil {
		return nil, err
	}
	if minutes.GreaterThan(bal.available()) {
		return nil, &core.InsufficientHoursError{
			ResourceID: res.ID,
			Pool:       req.Pool,
			Available:  toHours(bal.available()),
			Requested:  amount.In(core.UnitHours),
		}
	}

	if req.Rate.IsPositive() {
		if err := checkBudget(ctx, tx, clientID, minutes.Mul(req.Rate)); err != nil {
			return nil, err
		}
	}

	t := core.HourTransaction{
		ID:         uuid.NewString(),
		ResourceID: res.ID,
		ClientID:   clientID,
		Pool:       req.Pool,
		Level:      node.Level,
		NodeID:     node.ID,
		Delta:      amount.Neg(),
		Rate:       req.Rate,
		Type:       core.TxCommit,
		Reason:     req.Reason,
		CreatedBy:  req.Actor,
		CreatedAt:  s.Now(),
	}
	if err := tx.AppendHours(ctx, t); err != nil {
		return nil, err
	}

	after, err := poolMinutes(ctx, tx, *res, req.Pool)
	if err != nil {
		return nil, err
	}
	if after.available().IsNegative() {
		return nil, &core.InvariantViolationError{
			Invariant: "pool non-negative",
			Detail:    fmt.Sprintf("%s pool of %s would be %s minutes", req.Pool, res.ID, after.available()),
		}
	}
	return &CommitResult{Transaction: t, Remaining: toHours(after.available())}, nil
}

func (s *Service) releaseIn(ctx context.Context, tx core.Store, req ReleaseRequest) (*CommitResult, error) {
	amount := req.Hours.Normalize()
	minutes := amount.In(core.UnitMinutes).Value
	if !minutes.IsPositive() {
		return nil, core.NewValidationError("hours", "hours must be positive")
	}
	if _, err := core.ParsePool(string(req.Pool)); err != nil {
		return nil, err
	}
	res, err := loadResource(ctx, tx, req.ResourceID)
	if err != nil {
		return nil, err
	}
	node, err := loadNode(ctx, tx, req.NodeID)
	if err != nil {
		return nil, err
	}

	txs, err := tx.HourTransactions(ctx, core.HourFilter{ResourceID: res.ID, NodeID: node.ID, Pool: req.Pool})
	if err != nil {
		return nil, err
	}
	held := heldMinutes(txs)
	var rate decimal.Decimal
	var clientID core.ClientID
	for _, t := range txs {
		if t.Type == core.TxCommit {
			rate = t.Rate
			clientID = t.ClientID
		}
	}
	if minutes.GreaterThan(held) {
		return nil, core.NewValidationError("hours",
			fmt.Sprintf("cannot release %s, node %s holds %s minutes in the %s pool", amount, node.ID, held, req.Pool))
	}

	t := core.HourTransaction{
		ID:         uuid.NewString(),
		ResourceID: res.ID,
		ClientID:   clientID,
		Pool:       req.Pool,
		Level:      node.Level,
		NodeID:     node.ID,
		Delta:      amount,
		Rate:       rate,
		Type:       core.TxRelease,
		Reason:     req.Reason,
		CreatedBy:  req.Actor,
		CreatedAt:  s.Now(),
	}
	if err := tx.AppendHours(ctx, t); err != nil {
		return nil, err
	}

	after, err := poolMinutes(ctx, tx, *res, req.Pool)
	if err != nil {
		return nil, err
	}
	if after.available().GreaterThan(after.capacity) {
		return nil, &core.InvariantViolationError{
			Invariant: "pool within capacity",
			Detail:    fmt.Sprintf("%s pool of %s would be %s minutes over capacity %s", req.Pool, res.ID, after.available(), after.capacity),
		}
	}
	return &CommitResult{Transaction: t, Remaining: toHours(after.available())}, nil
}

func (s *Service) logFailure(err error, fields logrus.Fields) {
	entry := s.logger.WithFields(fields).WithError(err)
	switch core.KindOf(err) {
	case core.KindInvariant, core.KindInternal:
		entry.Error("ledger operation rejected")
	case core.KindConflict:
		entry.Warn("ledger operation rejected")
	default:
		entry.Debug("ledger operation rejected")
	}
}

// =============================================================================
// DERIVED BALANCES
// =============================================================================

func loadResource(ctx context.Context, s core.Store, id core.ResourceID) (*core.Resource, error) {
	r, err := s.GetResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, core.NotFound("resource", string(id))
	}
	return r, nil
}

func loadNode(ctx context.Context, s core.Store, id core.NodeID) (*core.Node, error) {
	n, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, core.NotFound("node", string(id))
	}
	return n, nil
}

// heldMinutes is commits minus releases, in minutes.
func heldMinutes(txs []core.HourTransaction) decimal.Decimal {
	held := decimal.Zero
	for _, t := range txs {
		held = held.Sub(t.Delta.In(core.UnitMinutes).Value)
	}
	return held
}

func toHours(minutes decimal.Decimal) core.Amount {
	return core.MinutesDec(minutes).In(core.UnitHours)
}

// netHours returns the hours held (commits minus releases) by matching transactions.
func netHours(ctx context.Context, s core.Store, filter core.HourFilter) (core.Amount, error) {
	txs, err := s.HourTransactions(ctx, filter)
	if err != nil {
		return core.Amount{}, err
	}
	return toHours(heldMinutes(txs)), nil
}

// poolLedger is the exact minute bookkeeping of one resource pool.
type poolLedger struct {
	name      core.Pool
	capacity  decimal.Decimal
	committed decimal.Decimal
}

func (p poolLedger) available() decimal.Decimal { return p.capacity.Sub(p.committed) }

func (p poolLedger) balance() PoolBalance {
	return PoolBalance{
		Pool:      p.name,
		Capacity:  toHours(p.capacity),
		Committed: toHours(p.committed),
		Available: toHours(p.available()),
	}
}

func poolMinutes(ctx context.Context, s core.Store, res core.Resource, name core.Pool) (poolLedger, error) {
	txs, err := s.HourTransactions(ctx, core.HourFilter{ResourceID: res.ID, Pool: name})
	if err != nil {
		return poolLedger{}, err
	}
	return poolLedger{
		name:      name,
		capacity:  res.Capacity(name).In(core.UnitMinutes).Value,
		committed: heldMinutes(txs),
	}, nil
}

func poolBalance(ctx context.Context, s core.Store, res core.Resource, name core.Pool) (PoolBalance, error) {
	p, err := poolMinutes(ctx, s, res, name)
	if err != nil {
		return PoolBalance{}, err
	}
	return p.balance(), nil
}

// consumedBudget is the money held by a client's net commitments.
func consumedBudget(ctx context.Context, s core.Store, cid core.ClientID) (decimal.Decimal, error) {
	spent, err := consumedMinuteCost(ctx, s, cid)
	if err != nil {
		return decimal.Zero, err
	}
	return spent.Div(sixty), nil
}

// consumedMinuteCost is Σ(minutes × rate) over a client's net commitments,
// sixty times the money value. Dividing once keeps the sum exact.
func consumedMinuteCost(ctx context.Context, s core.Store, cid core.ClientID) (decimal.Decimal, error) {
	txs, err := s.HourTransactions(ctx, core.HourFilter{ClientID: cid})
	if err != nil {
		return decimal.Zero, err
	}
	spent := decimal.Zero
	for _, t := range txs {
		spent = spent.Sub(t.Delta.In(core.UnitMinutes).Value.Mul(t.Rate))
	}
	return spent, nil
}

var sixty = decimal.NewFromInt(60)

// checkBudget rejects a spend that would exceed the client's authorized
// budget. requestedMinuteCost is minutes × rate. A client with no recorded
// budget is not gated.
func checkBudget(ctx context.Context, s core.Store, cid core.ClientID, requestedMinuteCost decimal.Decimal) error {
	c, err := s.GetClient(ctx, cid)
	if err != nil {
		return err
	}
	if c == nil {
		return core.NotFound("client", string(cid))
	}
	if c.AuthorizedBudget == nil {
		return nil
	}
	spent, err := consumedMinuteCost(ctx, s, cid)
	if err != nil {
		return err
	}
	if spent.Add(requestedMinuteCost).GreaterThan(c.AuthorizedBudget.Mul(sixty)) {
		return &core.BudgetExceededError{
			ClientID:   cid,
			Authorized: *c.AuthorizedBudget,
			Consumed:   spent.Div(sixty),
			Requested:  requestedMinuteCost.Div(sixty),
		}
	}
	return nil
}
