/*
Package reassign moves surplus minutes from a task that finished under its
estimate ("credit") to a task that overran ("debit"), or to a new task.

PURPOSE:
  Hours are neither created nor destroyed. A reassignment of m minutes
  reduces the source's remaining credit by exactly m and the
  destination's remaining debit by exactly m. A destination created by
  the reassignment starts with a debit equal to its estimate (m) and
  ends at zero.

REMAINING CREDIT / DEBIT (per task, in whole minutes):
  credit = max(0, variance - reassigned)
  debit  = max(0, -variance - compensated)
  variance = estimated - actual, zero until the task is completed.

STALE REQUESTS:
  Candidate lists are read without locks and may be stale. Execute
  re-reads the source credit under the pair lock and inside the store
  transaction. A request for more than the current credit, or one
  whose ExpectedCredit no longer matches, fails with StaleCreditError.

CONCURRENCY:
  The (source, destination) pair is locked in sorted order, so two
  transfers sharing a task serialize and cannot double-spend a credit.

SEE ALSO:
  - core/model.go: Node.CreditMinutes, Node.DebitMinutes
  - bonus/: a pending positivo record moves to converted_hours here
*/
package reassign

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/hours-engine/core"
)

// maxDepth bounds parent walks; a deeper chain is a cycle.
const maxDepth = 8

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store  core.TxStore
	locks  *core.KeyedMutex
	logger logrus.FieldLogger

	Now func() time.Time
}

func NewEngine(store core.TxStore, locks *core.KeyedMutex, logger logrus.FieldLogger) *Engine {
	if locks == nil {
		locks = core.NewKeyedMutex()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{store: store, locks: locks, logger: logger, Now: time.Now}
}

// =============================================================================
// CANDIDATES
// =============================================================================

type Candidate struct {
	TaskID       core.NodeID
	TaskName     string
	ProjectID    core.NodeID
	ProjectName  string
	ResourceID   core.ResourceID
	ResourceName string
	Minutes      int64
}

type Candidates struct {
	Credits []Candidate
	Debits  []Candidate
}

// CandidateFilter narrows the lists. Zero fields match everything.
type CandidateFilter struct {
	ResourceID core.ResourceID
	ClientID   core.ClientID
}

// Candidates lists tasks with remaining credit and tasks with remaining
// debit, ordered by task id. A task whose bonus was paid out offers no credit.
func (e *Engine) Candidates(ctx context.Context, filter CandidateFilter) (*Candidates, error) {
	all, err := e.store.ListNodes(ctx, core.NodeFilter{})
	if err != nil {
		return nil, err
	}
	byID := make(map[core.NodeID]core.Node, len(all))
	for _, n := range all {
		byID[n.ID] = n
	}
	resources, err := e.store.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[core.ResourceID]string, len(resources))
	for _, r := range resources {
		names[r.ID] = r.Name
	}

	out := &Candidates{Credits: []Candidate{}, Debits: []Candidate{}}
	for _, n := range all {
		if !n.IsTask() || n.Status != core.StatusCompleted {
			continue
		}
		if filter.ResourceID != "" && n.ResourceID != filter.ResourceID {
			continue
		}
		if filter.ClientID != "" && n.ClientID != filter.ClientID {
			continue
		}
		project := projectOf(byID, n)
		c := Candidate{
			TaskID:       n.ID,
			TaskName:     n.Name,
			ProjectID:    project.ID,
			ProjectName:  project.Name,
			ResourceID:   n.ResourceID,
			ResourceName: names[n.ResourceID],
		}
		if credit := n.CreditMinutes(); credit > 0 {
			usable, err := e.creditUsable(ctx, e.store, n.ID)
			if err != nil {
				return nil, err
			}
			if usable {
				c.Minutes = credit
				out.Credits = append(out.Credits, c)
			}
		}
		if debit := n.DebitMinutes(); debit > 0 {
			c.Minutes = debit
			out.Debits = append(out.Debits, c)
		}
	}
	return out, nil
}

// projectOf walks up to the project ancestor. A broken chain yields the
// zero node.
func projectOf(byID map[core.NodeID]core.Node, n core.Node) core.Node {
	cur := n
	for i := 0; i < maxDepth; i++ {
		if cur.Level == core.LevelProject {
			return cur
		}
		parent, ok := byID[cur.ParentID]
		if !ok {
			break
		}
		cur = parent
	}
	return core.Node{}
}

// creditUsable reports whether a task's credit may still be moved.
func (e *Engine) creditUsable(ctx context.Context, s core.Store, taskID core.NodeID) (bool, error) {
	rec, err := s.GetBonusRecordByTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return rec == nil || rec.State == core.BonusPending || rec.State == core.BonusConvertedHours, nil
}

// =============================================================================
// EXECUTE
// =============================================================================

// Destination is either an existing debit task (TaskID) or a new task
// created under ProjectID with NewTaskName.
type Destination struct {
	TaskID      core.NodeID
	ProjectID   core.NodeID
	NewTaskName string
}

type Request struct {
	SourceTaskID  core.NodeID
	Minutes       int64
	Destination   Destination
	Justification string
	Actor         string

	// ExpectedCredit is the credit the caller saw. When set, any change is
	// reported as stale even if the request would still fit.
	ExpectedCredit *int64
}

type Result struct {
	Record                    core.ReassignmentRecord
	SourceRemainingCredit     int64
	DestinationRemainingDebit int64
	CreatedTask               *core.Node
}

func (r Request) validate() error {
	if r.Minutes <= 0 {
		return core.NewValidationError("minutes", "minutes must be positive")
	}
	if strings.TrimSpace(r.Justification) == "" {
		return core.NewValidationError("justification", "justification is required")
	}
	if r.SourceTaskID == "" {
		return core.NewValidationError("sourceTaskId", "source task is required")
	}
	d := r.Destination
	switch {
	case d.TaskID != "" && d.ProjectID != "":
		return core.NewValidationError("destination", "choose an existing task or a new task, not both")
	case d.TaskID != "":
		if d.TaskID == r.SourceTaskID {
			return core.NewValidationError("destination", "source and destination must differ")
		}
	case d.ProjectID != "":
		if strings.TrimSpace(d.NewTaskName) == "" {
			return core.NewValidationError("newTaskName", "a new task needs a name")
		}
	default:
		return core.NewValidationError("destination", "destination is required")
	}
	return nil
}

// Execute moves minutes from the source credit to the destination.
// Everything is written in one transaction or not at all.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	keys := []string{core.TaskLockKey(req.SourceTaskID)}
	if req.Destination.TaskID != "" {
		keys = append(keys, core.TaskLockKey(req.Destination.TaskID))
	}
	unlock := e.locks.LockAll(keys...)
	defer unlock()

	var result *Result
	err := e.store.WithTx(ctx, func(tx core.Store) error {
		var err error
		result, err = e.executeIn(ctx, tx, req)
		return err
	})
	if err != nil {
		entry := e.logger.WithFields(logrus.Fields{
			"source_task_id": req.SourceTaskID,
			"dest_task_id":   req.Destination.TaskID,
			"minutes":        req.Minutes,
			"actor":          req.Actor,
		}).WithError(err)
		switch core.KindOf(err) {
		case core.KindInvariant, core.KindInternal:
			entry.Error("reassignment rejected")
		case core.KindConflict:
			entry.Warn("reassignment rejected")
		default:
			entry.Debug("reassignment rejected")
		}
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"reassignment_id": result.Record.ID,
		"source_task_id":  result.Record.SourceTaskID,
		"dest_task_id":    result.Record.DestinationTaskID,
		"minutes":         result.Record.Minutes,
		"created_task":    result.Record.CreatedTask,
		"actor":           req.Actor,
	}).Info("hours reassigned")
	return result, nil
}

func (e *Engine) executeIn(ctx context.Context, tx core.Store, req Request) (*Result, error) {
	now := e.Now()

	src, err := loadTask(ctx, tx, req.SourceTaskID, "sourceTaskId")
	if err != nil {
		return nil, err
	}
	usable, err := e.creditUsable(ctx, tx, src.ID)
	if err != nil {
		return nil, err
	}
	if !usable {
		return nil, fmt.Errorf("bonus of task %s was already settled: %w", src.ID, core.ErrInvalidState)
	}

	creditBefore := src.CreditMinutes()
	if req.ExpectedCredit != nil && *req.ExpectedCredit != creditBefore {
		return nil, &core.StaleCreditError{TaskID: src.ID, Requested: req.Minutes, Expected: req.ExpectedCredit, Current: creditBefore}
	}
	if req.Minutes > creditBefore {
		return nil, &core.StaleCreditError{TaskID: src.ID, Requested: req.Minutes, Current: creditBefore}
	}

	var dst core.Node
	var debitBefore int64
	created := false
	if req.Destination.TaskID != "" {
		d, err := loadTask(ctx, tx, req.Destination.TaskID, "destination.taskId")
		if err != nil {
			return nil, err
		}
		dst = *d
		debitBefore = dst.DebitMinutes()
		if debitBefore == 0 {
			return nil, fmt.Errorf("task %s: %w", dst.ID, core.ErrDestinationCompensated)
		}
		if req.Minutes > debitBefore {
			return nil, core.NewValidationError("minutes",
				fmt.Sprintf("task %s has %d min of debit, cannot absorb %d", dst.ID, debitBefore, req.Minutes))
		}
		dst.CompensatedMinutes += req.Minutes
		dst.UpdatedAt = now
	} else {
		project, err := tx.GetNode(ctx, req.Destination.ProjectID)
		if err != nil {
			return nil, err
		}
		if project == nil {
			return nil, core.NotFound("project", string(req.Destination.ProjectID))
		}
		if project.Level != core.LevelProject {
			return nil, core.NewValidationError("destination.projectId",
				fmt.Sprintf("%s is a %s, not a project", project.ID, project.Level))
		}
		created = true
		debitBefore = req.Minutes
		dst = core.Node{
			ID:               core.NodeID(uuid.NewString()),
			Level:            core.LevelTask,
			ParentID:         project.ID,
			ClientID:         project.ClientID,
			Name:             strings.TrimSpace(req.Destination.NewTaskName),
			Status:           core.StatusPlanned,
			Estimated:        core.Minutes(req.Minutes),
			ResourceID:       src.ResourceID,
			FromReassignment: true,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
	}

	src.ReassignedMinutes += req.Minutes
	src.UpdatedAt = now

	creditAfter := src.CreditMinutes()
	debitAfter := int64(0)
	if !created {
		debitAfter = dst.DebitMinutes()
	}
	if creditAfter != creditBefore-req.Minutes || debitAfter != debitBefore-req.Minutes {
		return nil, &core.InvariantViolationError{
			Invariant: "reassignment conservation",
			Detail: fmt.Sprintf("credit %d→%d, debit %d→%d, moved %d",
				creditBefore, creditAfter, debitBefore, debitAfter, req.Minutes),
		}
	}

	if err := tx.SaveNode(ctx, *src); err != nil {
		return nil, err
	}
	if err := tx.SaveNode(ctx, dst); err != nil {
		return nil, err
	}

	projectID := dst.ParentID
	if !created {
		if projectID, err = findProject(ctx, tx, dst); err != nil {
			return nil, err
		}
	}
	rec := core.ReassignmentRecord{
		ID:                     uuid.NewString(),
		SourceTaskID:           src.ID,
		DestinationTaskID:      dst.ID,
		CreatedTask:            created,
		ProjectID:              projectID,
		Minutes:                req.Minutes,
		Justification:          strings.TrimSpace(req.Justification),
		SourceCreditBefore:     creditBefore,
		SourceCreditAfter:      creditAfter,
		DestinationDebitBefore: debitBefore,
		DestinationDebitAfter:  debitAfter,
		CreatedBy:              req.Actor,
		CreatedAt:              now,
	}
	if err := tx.AppendReassignment(ctx, rec); err != nil {
		return nil, err
	}

	if err := convertSourceBonus(ctx, tx, src.ID, req.Actor, now); err != nil {
		return nil, err
	}

	res := &Result{
		Record:                    rec,
		SourceRemainingCredit:     creditAfter,
		DestinationRemainingDebit: debitAfter,
	}
	if created {
		res.CreatedTask = &dst
	}
	return res, nil
}

// convertSourceBonus marks a pending positivo record as converted to hours:
// its credit has started funding other work.
func convertSourceBonus(ctx context.Context, tx core.Store, taskID core.NodeID, actor string, now time.Time) error {
	rec, err := tx.GetBonusRecordByTask(ctx, taskID)
	if err != nil || rec == nil {
		return err
	}
	if rec.State != core.BonusPending || rec.Classification != core.ClassPositive {
		return nil
	}
	rec.State = core.BonusConvertedHours
	rec.ManagedBy = actor
	rec.ManagedAt = &now
	return tx.UpdateBonusRecord(ctx, *rec)
}

// findProject walks up from n to its project. A broken chain yields "".
func findProject(ctx context.Context, s core.Store, n core.Node) (core.NodeID, error) {
	cur := n
	for i := 0; i < maxDepth; i++ {
		if cur.Level == core.LevelProject {
			return cur.ID, nil
		}
		if cur.ParentID == "" {
			return "", nil
		}
		parent, err := s.GetNode(ctx, cur.ParentID)
		if err != nil {
			return "", err
		}
		if parent == nil {
			return "", nil
		}
		cur = *parent
	}
	return "", core.ErrCyclicHierarchy
}

func loadTask(ctx context.Context, s core.Store, id core.NodeID, field string) (*core.Node, error) {
	n, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, core.NotFound("task", string(id))
	}
	if !n.IsTask() {
		return nil, core.NewValidationError(field, fmt.Sprintf("%s is a %s, not a task", n.ID, n.Level))
	}
	return n, nil
}

// =============================================================================
// HISTORY
// =============================================================================

// History returns reassignments touching a task (or all when empty), newest first.
func (e *Engine) History(ctx context.Context, taskID core.NodeID) ([]core.ReassignmentRecord, error) {
	return e.store.ListReassignments(ctx, core.ReassignmentFilter{TaskID: taskID})
}
