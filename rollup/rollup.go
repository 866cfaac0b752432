/*
Package rollup builds the Client → Project → Area → Activity → Task
drill-down tree and sums estimated hours, actual hours and bonus amounts
bottom-up.

PURPOSE:
  Read-side only. Nothing is persisted. Consumers (drill-down views, the
  reassignment candidate screen, the CLI report) get one tree with
  totals on every node.

TOTALS:
  A task carries its own estimate, its actual hours (zero until logged)
  and the amount of its bonus record (zero without one). Every other node
  carries the sum of its direct children. A node without children keeps
  zero totals and still appears, so "no children" is distinguishable
  from "failed to load".

  Sums are kept in minutes. Hours amounts convert exactly to minutes, so
  totals never drift with summation order.

MALFORMED INPUT:
  Parent chains are walked iteratively with a visited set. A cycle, a
  chain deeper than the hierarchy, a parent at the same or a deeper
  level, or a reference to a missing parent or client is rejected with a
  validation error. Nothing is silently skipped.

DETERMINISM:
  Clients and children are ordered by id. Building twice over the same
  records yields identical trees.

SEE ALSO:
  - verify.go: parent == Σ children check
*/
package rollup

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/hours-engine/core"
)

var sixty = decimal.NewFromInt(60)

// =============================================================================
// TREE
// =============================================================================

type Totals struct {
	EstimatedMinutes decimal.Decimal
	ActualMinutes    decimal.Decimal
	Bonus            decimal.Decimal
}

func (t Totals) EstimatedHours() decimal.Decimal { return t.EstimatedMinutes.Div(sixty) }
func (t Totals) ActualHours() decimal.Decimal    { return t.ActualMinutes.Div(sixty) }

func (t Totals) add(o Totals) Totals {
	return Totals{
		EstimatedMinutes: t.EstimatedMinutes.Add(o.EstimatedMinutes),
		ActualMinutes:    t.ActualMinutes.Add(o.ActualMinutes),
		Bonus:            t.Bonus.Add(o.Bonus),
	}
}

func (t Totals) equal(o Totals) bool {
	return t.EstimatedMinutes.Equal(o.EstimatedMinutes) &&
		t.ActualMinutes.Equal(o.ActualMinutes) &&
		t.Bonus.Equal(o.Bonus)
}

// Node is one element of the drill-down tree.
type Node struct {
	ID       core.NodeID
	Level    core.Level
	Name     string
	Status   core.Status
	Resource core.ResourceID

	Totals
	BonusRecord      *core.BonusRecord // tasks only
	FromReassignment bool

	Children []*Node
}

// Scope selects the records rolled up. Zero fields include everything.
//
// With a ResourceID the tree holds that resource's tasks, the nodes it has
// hours committed on, and their ancestors.
type Scope struct {
	ResourceID core.ResourceID
	ClientID   core.ClientID
}

type Report struct {
	Scope   Scope
	Clients []*Node
	Totals
}

// =============================================================================
// AGGREGATOR
// =============================================================================

type Aggregator struct {
	store core.Store
}

func New(store core.Store) *Aggregator {
	return &Aggregator{store: store}
}

// Build reads the hierarchy and returns the rolled-up tree. Reads are not
// synchronized with writers; the result must not drive a write without
// re-validation.
func (a *Aggregator) Build(ctx context.Context, scope Scope) (*Report, error) {
	clients, err := a.store.ListClients(ctx)
	if err != nil {
		return nil, err
	}
	nodes, err := a.store.ListNodes(ctx, core.NodeFilter{})
	if err != nil {
		return nil, err
	}
	records, err := a.store.ListBonusRecords(ctx, core.BonusFilter{ResourceID: scope.ResourceID})
	if err != nil {
		return nil, err
	}
	var committedOn []core.NodeID
	if scope.ResourceID != "" {
		txs, err := a.store.HourTransactions(ctx, core.HourFilter{ResourceID: scope.ResourceID})
		if err != nil {
			return nil, err
		}
		for _, t := range txs {
			committedOn = append(committedOn, t.NodeID)
		}
	}
	return Aggregate(Input{
		Scope:       scope,
		Clients:     clients,
		Nodes:       nodes,
		Records:     records,
		CommittedOn: committedOn,
	})
}

// Input is everything Aggregate needs.
type Input struct {
	Scope       Scope
	Clients     []core.Client
	Nodes       []core.Node
	Records     []core.BonusRecord
	CommittedOn []core.NodeID // nodes the scoped resource holds hours on
}

// Aggregate is the pure part of Build.
func Aggregate(in Input) (*Report, error) {
	byID := make(map[core.NodeID]core.Node, len(in.Nodes))
	for _, n := range in.Nodes {
		if n.Level == core.LevelClient || n.Level.Depth() < 0 {
			return nil, core.NewValidationError("level", fmt.Sprintf("node %s has invalid level %q", n.ID, n.Level))
		}
		byID[n.ID] = n
	}
	clientByID := make(map[core.ClientID]core.Client, len(in.Clients))
	for _, c := range in.Clients {
		clientByID[c.ID] = c
	}
	recordByTask := make(map[core.NodeID]core.BonusRecord, len(in.Records))
	for _, r := range in.Records {
		recordByTask[r.TaskID] = r
	}

	// Every node's chain is checked, in or out of scope, so a malformed
	// hierarchy is reported the same way regardless of the filter.
	for _, n := range in.Nodes {
		if err := checkChain(byID, clientByID, n); err != nil {
			return nil, err
		}
	}

	included := selectNodes(in, byID)

	// Materialize tree nodes, then attach children and accumulate deepest
	// first. Each level only adds into the level above, so one pass per
	// node suffices.
	tree := make(map[core.NodeID]*Node, len(included))
	ordered := make([]core.Node, 0, len(included))
	for id := range included {
		n := byID[id]
		ordered = append(ordered, n)
		tn := &Node{
			ID:               n.ID,
			Level:            n.Level,
			Name:             n.Name,
			Status:           n.Status,
			Resource:         n.ResourceID,
			FromReassignment: n.FromReassignment,
			Children:         []*Node{},
			Totals:           zeroTotals(),
		}
		if n.IsTask() {
			tn.EstimatedMinutes = n.Estimated.In(core.UnitMinutes).Value
			tn.ActualMinutes = n.ActualOrZero().In(core.UnitMinutes).Value
			if rec, ok := recordByTask[n.ID]; ok {
				r := rec
				tn.BonusRecord = &r
				tn.Bonus = rec.Amount
			}
		}
		tree[n.ID] = tn
	}
	sort.Slice(ordered, func(i, j int) bool {
		di, dj := ordered[i].Level.Depth(), ordered[j].Level.Depth()
		if di != dj {
			return di > dj
		}
		return ordered[i].ID < ordered[j].ID
	})

	clientNodes := make(map[core.ClientID]*Node)
	for _, n := range ordered {
		tn := tree[n.ID]
		sortChildren(tn)

		var parent *Node
		if n.Level == core.LevelProject {
			parent = clientNodes[n.ClientID]
			if parent == nil {
				c := clientByID[n.ClientID]
				parent = &Node{
					ID:       core.NodeID(c.ID),
					Level:    core.LevelClient,
					Name:     c.Name,
					Children: []*Node{},
					Totals:   zeroTotals(),
				}
				clientNodes[c.ID] = parent
			}
		} else {
			parent = tree[n.ParentID]
		}
		parent.Children = append(parent.Children, tn)
		parent.Totals = parent.Totals.add(tn.Totals)
	}

	report := &Report{Scope: in.Scope, Clients: []*Node{}, Totals: zeroTotals()}
	for _, c := range clientNodes {
		sortChildren(c)
		report.Clients = append(report.Clients, c)
		report.Totals = report.Totals.add(c.Totals)
	}
	// An in-scope client with no projects still appears.
	if in.Scope.ResourceID == "" {
		for _, c := range in.Clients {
			if in.Scope.ClientID != "" && c.ID != in.Scope.ClientID {
				continue
			}
			if _, ok := clientNodes[c.ID]; !ok {
				report.Clients = append(report.Clients, &Node{
					ID: core.NodeID(c.ID), Level: core.LevelClient, Name: c.Name,
					Children: []*Node{}, Totals: zeroTotals(),
				})
			}
		}
	}
	sort.Slice(report.Clients, func(i, j int) bool { return report.Clients[i].ID < report.Clients[j].ID })
	return report, nil
}

func zeroTotals() Totals {
	return Totals{EstimatedMinutes: decimal.Zero, ActualMinutes: decimal.Zero, Bonus: decimal.Zero}
}

func sortChildren(n *Node) {
	sort.Slice(n.Children, func(i, j int) bool { return n.Children[i].ID < n.Children[j].ID })
}

// checkChain walks from n up to its client without recursion.
func checkChain(byID map[core.NodeID]core.Node, clients map[core.ClientID]core.Client, n core.Node) error {
	visited := make(map[core.NodeID]bool, core.LevelTask.Depth()+1)
	cur := n
	for steps := 0; ; steps++ {
		if visited[cur.ID] || steps > core.LevelTask.Depth() {
			return fmt.Errorf("node %s: %w", n.ID, core.ErrCyclicHierarchy)
		}
		visited[cur.ID] = true

		if cur.Level == core.LevelProject {
			if cur.ParentID != "" {
				return core.NewValidationError("parentId", fmt.Sprintf("project %s cannot have a parent node", cur.ID))
			}
			if _, ok := clients[cur.ClientID]; !ok {
				return core.NewValidationError("clientId", fmt.Sprintf("project %s references missing client %q", cur.ID, cur.ClientID))
			}
			return nil
		}
		if cur.ParentID == "" {
			return core.NewValidationError("parentId", fmt.Sprintf("%s %s has no parent", cur.Level, cur.ID))
		}
		parent, ok := byID[cur.ParentID]
		if !ok {
			return core.NewValidationError("parentId", fmt.Sprintf("%s %s references missing parent %s", cur.Level, cur.ID, cur.ParentID))
		}
		if visited[parent.ID] {
			return fmt.Errorf("node %s: %w", n.ID, core.ErrCyclicHierarchy)
		}
		if parent.Level.Depth() >= cur.Level.Depth() {
			return core.NewValidationError("parentId",
				fmt.Sprintf("%s %s cannot sit under %s %s", cur.Level, cur.ID, parent.Level, parent.ID))
		}
		cur = parent
	}
}

// selectNodes returns the ids in scope, closed over ancestors.
func selectNodes(in Input, byID map[core.NodeID]core.Node) map[core.NodeID]bool {
	seeds := make([]core.NodeID, 0, len(in.Nodes))
	for _, n := range in.Nodes {
		if in.Scope.ClientID != "" && n.ClientID != in.Scope.ClientID {
			continue
		}
		if in.Scope.ResourceID == "" || (n.IsTask() && n.ResourceID == in.Scope.ResourceID) {
			seeds = append(seeds, n.ID)
		}
	}
	for _, id := range in.CommittedOn {
		n, ok := byID[id]
		if !ok || (n.IsTask() && n.ResourceID != in.Scope.ResourceID) {
			continue
		}
		if in.Scope.ClientID != "" && n.ClientID != in.Scope.ClientID {
			continue
		}
		seeds = append(seeds, id)
	}

	included := make(map[core.NodeID]bool, len(seeds))
	for _, id := range seeds {
		for cur := id; cur != "" && !included[cur]; {
			included[cur] = true
			cur = byID[cur].ParentID
		}
	}
	return included
}
