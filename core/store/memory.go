// Package store provides an in-memory core.TxStore.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/hours-engine/core"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	st *state
}

type marginKey struct {
	ResourceID core.ResourceID
	ClientID   core.ClientID
}

// state holds the data; its methods never lock.
type state struct {
	resources     map[core.ResourceID]core.Resource
	clients       map[core.ClientID]core.Client
	nodes         map[core.NodeID]core.Node
	hours         []core.HourTransaction
	margins       map[marginKey]core.MarginConfig
	bonus         map[string]core.BonusRecord
	bonusByTask   map[core.NodeID]string
	reassignments []core.ReassignmentRecord
}

func newState() *state {
	return &state{
		resources:   make(map[core.ResourceID]core.Resource),
		clients:     make(map[core.ClientID]core.Client),
		nodes:       make(map[core.NodeID]core.Node),
		margins:     make(map[marginKey]core.MarginConfig),
		bonus:       make(map[string]core.BonusRecord),
		bonusByTask: make(map[core.NodeID]string),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var _ core.TxStore = (*Memory)(nil)

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(core.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&view{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// Reset clears all data (for demo scenarios).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.resources {
		c.resources[k] = v
	}
	for k, v := range s.clients {
		c.clients[k] = v
	}
	for k, v := range s.nodes {
		c.nodes[k] = copyNode(v)
	}
	c.hours = append([]core.HourTransaction{}, s.hours...)
	for k, v := range s.margins {
		c.margins[k] = copyMargin(v)
	}
	for k, v := range s.bonus {
		c.bonus[k] = copyBonus(v)
	}
	for k, v := range s.bonusByTask {
		c.bonusByTask[k] = v
	}
	c.reassignments = append([]core.ReassignmentRecord{}, s.reassignments...)
	return c
}

func copyNode(n core.Node) core.Node {
	if n.Actual != nil {
		a := *n.Actual
		n.Actual = &a
	}
	return n
}

func copyMargin(c core.MarginConfig) core.MarginConfig {
	c.Components = append([]core.MarginComponent{}, c.Components...)
	return c
}

func copyBonus(b core.BonusRecord) core.BonusRecord {
	if b.ManagedAt != nil {
		t := *b.ManagedAt
		b.ManagedAt = &t
	}
	return b
}

// =============================================================================
// LOCKED ACCESSORS
// =============================================================================

func (m *Memory) read(fn func(*state)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.st)
}

func (m *Memory) write(fn func(*state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

func (m *Memory) GetResource(_ context.Context, id core.ResourceID) (r *core.Resource, err error) {
	m.read(func(s *state) { r = s.getResource(id) })
	return r, nil
}

func (m *Memory) SaveResource(_ context.Context, r core.Resource) error {
	return m.write(func(s *state) error { s.resources[r.ID] = r; return nil })
}

func (m *Memory) ListResources(_ context.Context) (out []core.Resource, err error) {
	m.read(func(s *state) { out = s.listResources() })
	return out, nil
}

func (m *Memory) GetClient(_ context.Context, id core.ClientID) (c *core.Client, err error) {
	m.read(func(s *state) { c = s.getClient(id) })
	return c, nil
}

func (m *Memory) SaveClient(_ context.Context, c core.Client) error {
	return m.write(func(s *state) error { s.clients[c.ID] = c; return nil })
}

func (m *Memory) ListClients(_ context.Context) (out []core.Client, err error) {
	m.read(func(s *state) { out = s.listClients() })
	return out, nil
}

func (m *Memory) GetNode(_ context.Context, id core.NodeID) (n *core.Node, err error) {
	m.read(func(s *state) { n = s.getNode(id) })
	return n, nil
}

func (m *Memory) SaveNode(_ context.Context, n core.Node) error {
	return m.write(func(s *state) error { s.nodes[n.ID] = copyNode(n); return nil })
}

func (m *Memory) ListNodes(_ context.Context, f core.NodeFilter) (out []core.Node, err error) {
	m.read(func(s *state) { out = s.listNodes(f) })
	return out, nil
}

func (m *Memory) AppendHours(_ context.Context, txs ...core.HourTransaction) error {
	return m.write(func(s *state) error { s.hours = append(s.hours, txs...); return nil })
}

func (m *Memory) HourTransactions(_ context.Context, f core.HourFilter) (out []core.HourTransaction, err error) {
	m.read(func(s *state) { out = s.hourTransactions(f) })
	return out, nil
}

func (m *Memory) GetMarginConfig(_ context.Context, rid core.ResourceID, cid core.ClientID) (c *core.MarginConfig, err error) {
	m.read(func(s *state) { c = s.getMargin(rid, cid) })
	return c, nil
}

func (m *Memory) SaveMarginConfig(_ context.Context, c core.MarginConfig) error {
	return m.write(func(s *state) error { s.saveMargin(c); return nil })
}

func (m *Memory) GetBonusRecord(_ context.Context, id string) (b *core.BonusRecord, err error) {
	m.read(func(s *state) { b = s.getBonus(id) })
	return b, nil
}

func (m *Memory) GetBonusRecordByTask(_ context.Context, taskID core.NodeID) (b *core.BonusRecord, err error) {
	m.read(func(s *state) { b = s.getBonusByTask(taskID) })
	return b, nil
}

func (m *Memory) CreateBonusRecord(_ context.Context, rec core.BonusRecord) error {
	return m.write(func(s *state) error { return s.createBonus(rec) })
}

func (m *Memory) UpdateBonusRecord(_ context.Context, rec core.BonusRecord) error {
	return m.write(func(s *state) error { return s.updateBonus(rec) })
}

func (m *Memory) ListBonusRecords(_ context.Context, f core.BonusFilter) (out []core.BonusRecord, err error) {
	m.read(func(s *state) { out = s.listBonus(f) })
	return out, nil
}

func (m *Memory) AppendReassignment(_ context.Context, rec core.ReassignmentRecord) error {
	return m.write(func(s *state) error { s.reassignments = append(s.reassignments, rec); return nil })
}

func (m *Memory) ListReassignments(_ context.Context, f core.ReassignmentFilter) (out []core.ReassignmentRecord, err error) {
	m.read(func(s *state) { out = s.listReassignments(f) })
	return out, nil
}

// =============================================================================
// TRANSACTIONAL VIEW - Runs under the WithTx lock
// =============================================================================

type view struct {
	st *state
}

func (v *view) GetResource(_ context.Context, id core.ResourceID) (*core.Resource, error) {
	return v.st.getResource(id), nil
}
func (v *view) SaveResource(_ context.Context, r core.Resource) error {
	v.st.resources[r.ID] = r
	return nil
}
func (v *view) ListResources(_ context.Context) ([]core.Resource, error) {
	return v.st.listResources(), nil
}
func (v *view) GetClient(_ context.Context, id core.ClientID) (*core.Client, error) {
	return v.st.getClient(id), nil
}
func (v *view) SaveClient(_ context.Context, c core.Client) error {
	v.st.clients[c.ID] = c
	return nil
}
func (v *view) ListClients(_ context.Context) ([]core.Client, error) {
	return v.st.listClients(), nil
}
func (v *view) GetNode(_ context.Context, id core.NodeID) (*core.Node, error) {
	return v.st.getNode(id), nil
}
func (v *view) SaveNode(_ context.Context, n core.Node) error {
	v.st.nodes[n.ID] = copyNode(n)
	return nil
}
func (v *view) ListNodes(_ context.Context, f core.NodeFilter) ([]core.Node, error) {
	return v.st.listNodes(f), nil
}
func (v *view) AppendHours(_ context.Context, txs ...core.HourTransaction) error {
	v.st.hours = append(v.st.hours, txs...)
	return nil
}
func (v *view) HourTransactions(_ context.Context, f core.HourFilter) ([]core.HourTransaction, error) {
	return v.st.hourTransactions(f), nil
}
func (v *view) GetMarginConfig(_ context.Context, rid core.ResourceID, cid core.ClientID) (*core.MarginConfig, error) {
	return v.st.getMargin(rid, cid), nil
}
func (v *view) SaveMarginConfig(_ context.Context, c core.MarginConfig) error {
	v.st.saveMargin(c)
	return nil
}
func (v *view) GetBonusRecord(_ context.Context, id string) (*core.BonusRecord, error) {
	return v.st.getBonus(id), nil
}
func (v *view) GetBonusRecordByTask(_ context.Context, taskID core.NodeID) (*core.BonusRecord, error) {
	return v.st.getBonusByTask(taskID), nil
}
func (v *view) CreateBonusRecord(_ context.Context, rec core.BonusRecord) error {
	return v.st.createBonus(rec)
}
func (v *view) UpdateBonusRecord(_ context.Context, rec core.BonusRecord) error {
	return v.st.updateBonus(rec)
}
func (v *view) ListBonusRecords(_ context.Context, f core.BonusFilter) ([]core.BonusRecord, error) {
	return v.st.listBonus(f), nil
}
func (v *view) AppendReassignment(_ context.Context, rec core.ReassignmentRecord) error {
	v.st.reassignments = append(v.st.reassignments, rec)
	return nil
}
func (v *view) ListReassignments(_ context.Context, f core.ReassignmentFilter) ([]core.ReassignmentRecord, error) {
	return v.st.listReassignments(f), nil
}

// =============================================================================
// STATE OPERATIONS
// =============================================================================

func (s *state) getResource(id core.ResourceID) *core.Resource {
	r, ok := s.resources[id]
	if !ok {
		return nil
	}
	return &r
}

func (s *state) listResources() []core.Resource {
	out := make([]core.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) getClient(id core.ClientID) *core.Client {
	c, ok := s.clients[id]
	if !ok {
		return nil
	}
	return &c
}

func (s *state) listClients() []core.Client {
	out := make([]core.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) getNode(id core.NodeID) *core.Node {
	n, ok := s.nodes[id]
	if !ok {
		return nil
	}
	n = copyNode(n)
	return &n
}

func (s *state) listNodes(f core.NodeFilter) []core.Node {
	var out []core.Node
	for _, n := range s.nodes {
		if f.Match(n) {
			out = append(out, copyNode(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) hourTransactions(f core.HourFilter) []core.HourTransaction {
	var out []core.HourTransaction
	for _, tx := range s.hours {
		if f.Match(tx) {
			out = append(out, tx)
		}
	}
	return out
}

func (s *state) getMargin(rid core.ResourceID, cid core.ClientID) *core.MarginConfig {
	c, ok := s.margins[marginKey{rid, cid}]
	if !ok {
		return nil
	}
	c = copyMargin(c)
	return &c
}

func (s *state) saveMargin(c core.MarginConfig) {
	s.margins[marginKey{c.ResourceID, c.ClientID}] = copyMargin(c)
}

func (s *state) getBonus(id string) *core.BonusRecord {
	b, ok := s.bonus[id]
	if !ok {
		return nil
	}
	b = copyBonus(b)
	return &b
}

func (s *state) getBonusByTask(taskID core.NodeID) *core.BonusRecord {
	id, ok := s.bonusByTask[taskID]
	if !ok {
		return nil
	}
	return s.getBonus(id)
}

func (s *state) createBonus(rec core.BonusRecord) error {
	if _, ok := s.bonusByTask[rec.TaskID]; ok {
		return core.ErrAlreadyEvaluated
	}
	s.bonus[rec.ID] = copyBonus(rec)
	s.bonusByTask[rec.TaskID] = rec.ID
	return nil
}

func (s *state) updateBonus(rec core.BonusRecord) error {
	cur, ok := s.bonus[rec.ID]
	if !ok {
		return core.NotFound("bonus record", rec.ID)
	}
	cur.State = rec.State
	cur.RecoveryTaskID = rec.RecoveryTaskID
	cur.ManagedBy = rec.ManagedBy
	cur.ManagedAt = rec.ManagedAt
	s.bonus[rec.ID] = copyBonus(cur)
	return nil
}

func (s *state) listBonus(f core.BonusFilter) []core.BonusRecord {
	var out []core.BonusRecord
	for _, b := range s.bonus {
		if f.ResourceID != "" && b.ResourceID != f.ResourceID {
			continue
		}
		if f.State != "" && b.State != f.State {
			continue
		}
		out = append(out, copyBonus(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (s *state) listReassignments(f core.ReassignmentFilter) []core.ReassignmentRecord {
	var out []core.ReassignmentRecord
	for i := len(s.reassignments) - 1; i >= 0; i-- {
		r := s.reassignments[i]
		if f.TaskID != "" && r.SourceTaskID != f.TaskID && r.DestinationTaskID != f.TaskID {
			continue
		}
		out = append(out, r)
	}
	return out
}
