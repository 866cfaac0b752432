package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/hours-engine/core"
	"github.com/warp/hours-engine/margin"
)

// =============================================================================
// ASSIGN - Margin configuration + commit in one transaction
// =============================================================================

// MarginInput is a margin configuration supplied with a request.
type MarginInput struct {
	Policy margin.Policy
	Lines  []margin.Line
}

// AssignRequest is the assembled payload of an allocation.
// Margin is optional: without it the stored configuration of the
// (resource, client) pair is used, or the defaults on first assignment.
type AssignRequest struct {
	ResourceID core.ResourceID
	ClientID   core.ClientID
	Pool       core.Pool
	Level      core.Level
	TargetID   core.NodeID
	Hours      core.Amount
	Margin     *MarginInput
	Actor      string
}

type AssignResult struct {
	Committed            bool
	RemainingHoursInPool core.Amount
	FinalHourlyCost      decimal.Decimal
	Transaction          core.HourTransaction
	MarginConfig         core.MarginConfig
}

// Assign resolves the final hourly cost for the pair and commits the hours.
// The margin configuration write and the pool debit are all-or-nothing.
func (s *Service) Assign(ctx context.Context, req AssignRequest) (*AssignResult, error) {
	if req.ClientID == "" {
		return nil, core.NewValidationError("clientId", "client is required")
	}
	if _, err := core.ParseLevel(string(req.Level)); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(core.ResourceLockKey(req.ResourceID))
	defer unlock()

	var result *AssignResult
	err := s.store.WithTx(ctx, func(tx core.Store) error {
		res, err := loadResource(ctx, tx, req.ResourceID)
		if err != nil {
			return err
		}
		client, err := tx.GetClient(ctx, req.ClientID)
		if err != nil {
			return err
		}
		if client == nil {
			return core.NotFound("client", string(req.ClientID))
		}

		cfg, err := s.resolveMargin(ctx, tx, *res, req.ClientID, req.Margin, req.Actor)
		if err != nil {
			return err
		}

		committed, err := s.commitIn(ctx, tx, CommitRequest{
			ResourceID: req.ResourceID,
			ClientID:   req.ClientID,
			Pool:       req.Pool,
			Level:      req.Level,
			NodeID:     req.TargetID,
			Hours:      req.Hours,
			Rate:       cfg.FinalHourlyCost,
			Reason:     "assignment",
			Actor:      req.Actor,
		})
		if err != nil {
			return err
		}

		result = &AssignResult{
			Committed:            true,
			RemainingHoursInPool: committed.Remaining,
			FinalHourlyCost:      cfg.FinalHourlyCost,
			Transaction:          committed.Transaction,
			MarginConfig:         *cfg,
		}
		return nil
	})
	if err != nil {
		s.logFailure(err, logrus.Fields{"resource_id": req.ResourceID, "node_id": req.TargetID, "op": "assign"})
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"resource_id": req.ResourceID,
		"client_id":   req.ClientID,
		"node_id":     req.TargetID,
		"pool":        req.Pool,
		"hours":       req.Hours.In(core.UnitHours).Value.String(),
		"final_rate":  result.FinalHourlyCost.String(),
		"actor":       req.Actor,
	}).Info("hours assigned")
	return result, nil
}

// resolveMargin computes the configuration used by an assignment and
// persists it. The final rate is always recomputed from the current base
// cost so a stored config never carries a stale rate.
func (s *Service) resolveMargin(ctx context.Context, tx core.Store, res core.Resource, cid core.ClientID, in *MarginInput, actor string) (*core.MarginConfig, error) {
	existing, err := tx.GetMarginConfig(ctx, res.ID, cid)
	if err != nil {
		return nil, err
	}

	var policy margin.Policy
	var lines []margin.Line
	switch {
	case in != nil:
		policy, lines = in.Policy, in.Lines
	case existing != nil:
		policy, lines = margin.Policy(existing.Policy), margin.FromCore(existing.Components)
	default:
		policy, lines = s.Policy, s.DefaultLines
	}
	if policy == "" {
		policy = s.Policy
	}

	cfg, err := s.buildMargin(res, cid, policy, lines, actor)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		cfg.ID = existing.ID
	}
	if err := tx.SaveMarginConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Service) buildMargin(res core.Resource, cid core.ClientID, policy margin.Policy, lines []margin.Line, actor string) (core.MarginConfig, error) {
	calc, err := margin.Calculate(res.BaseHourlyCost, policy, lines)
	if err != nil {
		return core.MarginConfig{}, err
	}
	return core.MarginConfig{
		ID:              uuid.NewString(),
		ResourceID:      res.ID,
		ClientID:        cid,
		Policy:          string(calc.Policy),
		Components:      margin.ToCore(lines),
		BaseHourlyCost:  calc.Base,
		FinalHourlyCost: calc.Final,
		UpdatedBy:       actor,
		UpdatedAt:       s.Now(),
	}, nil
}

// =============================================================================
// MARGIN CONFIGURATION
// =============================================================================

// MarginConfig returns the stored configuration of a (resource, client) pair.
func (s *Service) MarginConfig(ctx context.Context, rid core.ResourceID, cid core.ClientID) (*core.MarginConfig, error) {
	cfg, err := s.store.GetMarginConfig(ctx, rid, cid)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, core.NotFound("margin config", string(rid)+"/"+string(cid))
	}
	return cfg, nil
}

// SaveMarginConfig validates, computes and stores a configuration. Hours
// already committed keep the rate they were committed at.
func (s *Service) SaveMarginConfig(ctx context.Context, rid core.ResourceID, cid core.ClientID, in MarginInput, actor string) (*core.MarginConfig, error) {
	if in.Policy == "" {
		in.Policy = s.Policy
	}
	var saved core.MarginConfig
	err := s.store.WithTx(ctx, func(tx core.Store) error {
		res, err := loadResource(ctx, tx, rid)
		if err != nil {
			return err
		}
		client, err := tx.GetClient(ctx, cid)
		if err != nil {
			return err
		}
		if client == nil {
			return core.NotFound("client", string(cid))
		}
		existing, err := tx.GetMarginConfig(ctx, rid, cid)
		if err != nil {
			return err
		}
		cfg, err := s.buildMargin(*res, cid, in.Policy, in.Lines, actor)
		if err != nil {
			return err
		}
		if existing != nil {
			cfg.ID = existing.ID
		}
		saved = cfg
		return tx.SaveMarginConfig(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"resource_id": rid,
		"client_id":   cid,
		"policy":      saved.Policy,
		"final_rate":  saved.FinalHourlyCost.String(),
		"actor":       actor,
	}).Info("margin config saved")
	return &saved, nil
}

// Preview computes a rate without persisting anything. A nil base falls
// back to the resource's base cost; an explicit base, zero included, is
// used as given.
func (s *Service) Preview(ctx context.Context, rid core.ResourceID, base *decimal.Decimal, in MarginInput) (margin.Result, error) {
	if in.Policy == "" {
		in.Policy = s.Policy
	}
	if in.Lines == nil {
		in.Lines = s.DefaultLines
	}
	if base != nil {
		return margin.Calculate(*base, in.Policy, in.Lines)
	}
	if rid == "" {
		return margin.Result{}, core.NewValidationError("baseCost", "baseCost or resourceId is required")
	}
	res, err := loadResource(ctx, s.store, rid)
	if err != nil {
		return margin.Result{}, err
	}
	return margin.Calculate(res.BaseHourlyCost, in.Policy, in.Lines)
}
