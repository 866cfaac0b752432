package bonus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/hours-engine/core"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store  core.TxStore
	locks  *core.KeyedMutex
	logger logrus.FieldLogger

	// DefaultPercentage applies when a request carries none.
	DefaultPercentage decimal.Decimal

	Now func() time.Time
}

func NewService(store core.TxStore, locks *core.KeyedMutex, logger logrus.FieldLogger) *Service {
	if locks == nil {
		locks = core.NewKeyedMutex()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		store:             store,
		locks:             locks,
		logger:            logger,
		DefaultPercentage: decimal.NewFromInt(10),
		Now:               time.Now,
	}
}

// EvaluateRequest completes a task and evaluates it.
//
// EstimatedHours overrides the task's estimate when set. FinalHourlyCost
// defaults to the stored margin configuration of (assignee, client);
// without one the evaluation fails with InvalidRateError.
type EvaluateRequest struct {
	TaskID          core.NodeID
	EstimatedHours  *decimal.Decimal
	ActualHours     decimal.Decimal
	FinalHourlyCost *decimal.Decimal
	BonusPercentage *decimal.Decimal
	Actor           string
}

// EvaluateTask marks the task completed with its actual hours and creates
// its bonus record. Both writes happen in one transaction.
func (s *Service) EvaluateTask(ctx context.Context, req EvaluateRequest) (*core.BonusRecord, error) {
	task, err := s.store.GetNode(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, core.NotFound("task", string(req.TaskID))
	}
	unlock := s.locks.LockAll(core.TaskLockKey(task.ID), core.ResourceLockKey(task.ResourceID))
	defer unlock()

	var rec core.BonusRecord
	err = s.store.WithTx(ctx, func(tx core.Store) error {
		task, err := tx.GetNode(ctx, req.TaskID)
		if err != nil {
			return err
		}
		if task == nil {
			return core.NotFound("task", string(req.TaskID))
		}
		if !task.IsTask() {
			return core.NewValidationError("taskId", fmt.Sprintf("%s is a %s, not a task", task.ID, task.Level))
		}
		if task.ResourceID == "" {
			return core.NewValidationError("taskId", fmt.Sprintf("task %s has no assigned resource", task.ID))
		}
		existing, err := tx.GetBonusRecordByTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("task %s: %w", task.ID, core.ErrAlreadyEvaluated)
		}

		res, err := tx.GetResource(ctx, task.ResourceID)
		if err != nil {
			return err
		}
		if res == nil {
			return core.NotFound("resource", string(task.ResourceID))
		}

		rate, err := s.finalRate(ctx, tx, *task, req.FinalHourlyCost)
		if err != nil {
			return err
		}
		pct := s.DefaultPercentage
		if req.BonusPercentage != nil {
			pct = *req.BonusPercentage
		}
		if req.EstimatedHours != nil {
			task.Estimated = core.HoursDec(*req.EstimatedHours)
		}
		actual := core.HoursDec(req.ActualHours)

		ev, err := Evaluate(Input{
			Estimated:       task.Estimated,
			Actual:          actual,
			FinalHourlyCost: rate,
			Percentage:      pct,
		})
		if err != nil {
			return err
		}

		now := s.Now()
		task.Actual = &actual
		task.Status = core.StatusCompleted
		task.UpdatedAt = now
		if err := tx.SaveNode(ctx, *task); err != nil {
			return err
		}

		rec = core.BonusRecord{
			ID:              uuid.NewString(),
			TaskID:          task.ID,
			ResourceID:      task.ResourceID,
			EstimatedHours:  task.Estimated.In(core.UnitHours).Value,
			ActualHours:     req.ActualHours,
			VarianceHours:   ev.Variance,
			Classification:  ev.Classification,
			Percentage:      pct,
			BaseHourlyCost:  res.BaseHourlyCost,
			FinalHourlyCost: rate,
			Amount:          ev.Amount,
			State:           core.BonusPending,
			CreatedBy:       req.Actor,
			CreatedAt:       now,
		}
		return tx.CreateBonusRecord(ctx, rec)
	})
	if err != nil {
		s.logFailure(err, logrus.Fields{"task_id": req.TaskID, "op": "evaluate"})
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"task_id":        rec.TaskID,
		"resource_id":    rec.ResourceID,
		"classification": rec.Classification,
		"amount":         rec.Amount.StringFixed(2),
		"actor":          req.Actor,
	}).Info("bonus evaluated")
	return &rec, nil
}

// finalRate resolves the rate used for the amount.
func (s *Service) finalRate(ctx context.Context, tx core.Store, task core.Node, override *decimal.Decimal) (decimal.Decimal, error) {
	if override != nil {
		return *override, nil
	}
	cfg, err := tx.GetMarginConfig(ctx, task.ResourceID, task.ClientID)
	if err != nil {
		return decimal.Zero, err
	}
	if cfg == nil {
		return decimal.Zero, &core.InvalidRateError{Rate: decimal.Zero}
	}
	return cfg.FinalHourlyCost, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, id string) (*core.BonusRecord, error) {
	rec, err := s.store.GetBonusRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, core.NotFound("bonus record", id)
	}
	return rec, nil
}

func (s *Service) GetByTask(ctx context.Context, taskID core.NodeID) (*core.BonusRecord, error) {
	rec, err := s.store.GetBonusRecordByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, core.NotFound("bonus record for task", string(taskID))
	}
	return rec, nil
}

func (s *Service) List(ctx context.Context, filter core.BonusFilter) ([]core.BonusRecord, error) {
	return s.store.ListBonusRecords(ctx, filter)
}

// =============================================================================
// MANAGEMENT ACTIONS
// =============================================================================

// Pay marks a pending record as paid. Its credit is no longer reassignable.
func (s *Service) Pay(ctx context.Context, id, actor string) (*core.BonusRecord, error) {
	return s.transition(ctx, id, actor, "pay", func(tx core.Store, rec *core.BonusRecord) error {
		rec.State = core.BonusPaid
		return nil
	})
}

// ConvertToHours turns a pending positivo record into reassignable credit.
func (s *Service) ConvertToHours(ctx context.Context, id, actor string) (*core.BonusRecord, error) {
	return s.transition(ctx, id, actor, "convert_hours", func(tx core.Store, rec *core.BonusRecord) error {
		if rec.Classification != core.ClassPositive {
			return fmt.Errorf("only a positivo record converts to hours, got %s: %w", rec.Classification, core.ErrInvalidState)
		}
		rec.State = core.BonusConvertedHours
		return nil
	})
}

// CreateRecoveryTask turns a pending negativo record into a new task under
// the same parent, estimated at the overrun. name may be empty.
func (s *Service) CreateRecoveryTask(ctx context.Context, id, actor, name string) (*core.BonusRecord, *core.Node, error) {
	var created core.Node
	rec, err := s.transition(ctx, id, actor, "recovery_task", func(tx core.Store, rec *core.BonusRecord) error {
		if rec.Classification != core.ClassNegative {
			return fmt.Errorf("only a negativo record converts to a recovery task, got %s: %w", rec.Classification, core.ErrInvalidState)
		}
		task, err := tx.GetNode(ctx, rec.TaskID)
		if err != nil {
			return err
		}
		if task == nil {
			return core.NotFound("task", string(rec.TaskID))
		}
		if name == "" {
			name = "Recupero " + task.Name
		}
		now := s.Now()
		created = core.Node{
			ID:         core.NodeID(uuid.NewString()),
			Level:      core.LevelTask,
			ParentID:   task.ParentID,
			ClientID:   task.ClientID,
			Name:       name,
			Status:     core.StatusPlanned,
			Estimated:  core.HoursDec(rec.VarianceHours.Abs()),
			ResourceID: task.ResourceID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.SaveNode(ctx, created); err != nil {
			return err
		}
		rec.State = core.BonusConvertedRecovery
		rec.RecoveryTaskID = created.ID
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return rec, &created, nil
}

// transition applies fn to a pending record and stamps actor and time.
func (s *Service) transition(ctx context.Context, id, actor, op string, fn func(core.Store, *core.BonusRecord) error) (*core.BonusRecord, error) {
	if actor == "" {
		return nil, core.NewValidationError("actor", "management actions require an actor")
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(core.TaskLockKey(current.TaskID))
	defer unlock()

	var rec *core.BonusRecord
	err = s.store.WithTx(ctx, func(tx core.Store) error {
		r, err := tx.GetBonusRecord(ctx, id)
		if err != nil {
			return err
		}
		if r == nil {
			return core.NotFound("bonus record", id)
		}
		if r.State != core.BonusPending {
			return fmt.Errorf("record %s is %s: %w", id, r.State, core.ErrInvalidState)
		}
		if err := fn(tx, r); err != nil {
			return err
		}
		now := s.Now()
		r.ManagedBy = actor
		r.ManagedAt = &now
		rec = r
		return tx.UpdateBonusRecord(ctx, *r)
	})
	if err != nil {
		s.logFailure(err, logrus.Fields{"bonus_id": id, "op": op, "actor": actor})
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"bonus_id": id,
		"task_id":  rec.TaskID,
		"state":    rec.State,
		"actor":    actor,
	}).Info("bonus record managed")
	return rec, nil
}

func (s *Service) logFailure(err error, fields logrus.Fields) {
	entry := s.logger.WithFields(fields).WithError(err)
	switch core.KindOf(err) {
	case core.KindInvariant, core.KindInternal:
		entry.Error("bonus operation rejected")
	case core.KindConflict:
		entry.Warn("bonus operation rejected")
	default:
		entry.Debug("bonus operation rejected")
	}
}
