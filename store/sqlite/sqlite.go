/*
Package sqlite provides a SQLite-backed implementation of core.TxStore.

PURPOSE:
  Persists the hierarchy, the hour ledger, margin configurations, bonus
  records and the reassignment history. The same schema ports to
  PostgreSQL with minor dialect changes.

APPEND-ONLY ENFORCEMENT:
  hour_transactions and reassignments only ever receive INSERTs. Triggers
  abort any UPDATE or DELETE on them, so a bug elsewhere can't rewrite
  history.

KEY TABLES:
  resources, clients:  Directory records owned by the CRUD layer
  nodes:               Project / Area / Activity / Task, keyed by id,
                       with parent_id and client_id references
  hour_transactions:   Immutable hour ledger (pool balance is derived)
  margin_configs:      One row per (resource_id, client_id)
  bonus_records:       One row per task_id (UNIQUE)
  reassignments:       Immutable reassignment history

DECIMALS:
  Hours and money are stored as TEXT in decimal.Decimal's canonical form
  and parsed back exactly. Never REAL.

CONCURRENCY:
  The pool holds a single connection. A transaction owns it for its whole
  duration, so statements outside WithTx wait for it to finish. Code
  running inside WithTx must use the Store it is handed, never the outer
  one.

USAGE:
  store, err := sqlite.New("./data/hours.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, locks, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - core/store.go: Interface definitions
  - core/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/hours-engine/core"
)

// Store implements core.TxStore using SQLite.
type Store struct {
	conn
	db *sql.DB
}

var _ core.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_hourly_cost TEXT NOT NULL,
		annual_total_hours TEXT NOT NULL,
		normal_hours TEXT NOT NULL,
		reserve_hours TEXT NOT NULL,
		role TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		authorized_budget TEXT
	);

	-- Projects, areas, activities and tasks share one table; parent_id is
	-- empty for projects. No foreign key on parent_id: the aggregator
	-- reports broken chains instead of the insert failing.
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		level TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		client_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		estimated_value TEXT NOT NULL,
		estimated_unit TEXT NOT NULL,
		actual_value TEXT,
		actual_unit TEXT,
		resource_id TEXT NOT NULL DEFAULT '',
		reassigned_minutes INTEGER NOT NULL DEFAULT 0,
		compensated_minutes INTEGER NOT NULL DEFAULT 0,
		from_reassignment INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_resource ON nodes(resource_id);

	-- Hour ledger (append-only). seq keeps insertion order.
	CREATE TABLE IF NOT EXISTS hour_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		resource_id TEXT NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		pool TEXT NOT NULL,
		level TEXT NOT NULL,
		node_id TEXT NOT NULL,
		delta_value TEXT NOT NULL,
		delta_unit TEXT NOT NULL,
		rate TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		reason TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_hours_resource_pool ON hour_transactions(resource_id, pool);
	CREATE INDEX IF NOT EXISTS idx_hours_client ON hour_transactions(client_id);
	CREATE INDEX IF NOT EXISTS idx_hours_node ON hour_transactions(node_id);

	CREATE TRIGGER IF NOT EXISTS hour_transactions_no_update
		BEFORE UPDATE ON hour_transactions
		BEGIN SELECT RAISE(ABORT, 'hour_transactions is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS hour_transactions_no_delete
		BEFORE DELETE ON hour_transactions
		WHEN (SELECT COUNT(*) FROM reset_guard) = 0
		BEGIN SELECT RAISE(ABORT, 'hour_transactions is append-only'); END;

	CREATE TABLE IF NOT EXISTS margin_configs (
		id TEXT NOT NULL UNIQUE,
		resource_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		policy TEXT NOT NULL,
		components_json TEXT NOT NULL,
		base_hourly_cost TEXT NOT NULL,
		final_hourly_cost TEXT NOT NULL,
		updated_by TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (resource_id, client_id)
	);

	-- One bonus record per task, ever.
	CREATE TABLE IF NOT EXISTS bonus_records (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL UNIQUE,
		resource_id TEXT NOT NULL,
		estimated_hours TEXT NOT NULL,
		actual_hours TEXT NOT NULL,
		variance_hours TEXT NOT NULL,
		classification TEXT NOT NULL,
		percentage TEXT NOT NULL,
		base_hourly_cost TEXT NOT NULL,
		final_hourly_cost TEXT NOT NULL,
		amount TEXT NOT NULL,
		state TEXT NOT NULL,
		recovery_task_id TEXT NOT NULL DEFAULT '',
		created_by TEXT,
		created_at TEXT NOT NULL,
		managed_by TEXT,
		managed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_bonus_resource ON bonus_records(resource_id);

	-- Reassignment history (append-only).
	CREATE TABLE IF NOT EXISTS reassignments (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		source_task_id TEXT NOT NULL,
		destination_task_id TEXT NOT NULL,
		created_task INTEGER NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		minutes INTEGER NOT NULL CHECK (minutes > 0),
		justification TEXT NOT NULL,
		source_credit_before INTEGER NOT NULL,
		source_credit_after INTEGER NOT NULL,
		destination_debit_before INTEGER NOT NULL,
		destination_debit_after INTEGER NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reassignments_source ON reassignments(source_task_id);
	CREATE INDEX IF NOT EXISTS idx_reassignments_destination ON reassignments(destination_task_id);

	CREATE TRIGGER IF NOT EXISTS reassignments_no_update
		BEFORE UPDATE ON reassignments
		BEGIN SELECT RAISE(ABORT, 'reassignments is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS reassignments_no_delete
		BEFORE DELETE ON reassignments
		WHEN (SELECT COUNT(*) FROM reset_guard) = 0
		BEGIN SELECT RAISE(ABORT, 'reassignments is append-only'); END;
	`

	// reset_guard must exist before the triggers referencing it.
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS reset_guard (on_reset INTEGER)`); err != nil {
		return err
	}
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (core.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store core.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Reset clears all data (for demo scenarios). The append-only triggers are
// lifted for the duration of the reset only.
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(st core.Store) error {
		q := st.(*conn).q
		if _, err := q.ExecContext(ctx, "INSERT INTO reset_guard (on_reset) VALUES (1)"); err != nil {
			return err
		}
		tables := []string{"reassignments", "bonus_records", "margin_configs", "hour_transactions", "nodes", "clients", "resources"}
		for _, table := range tables {
			if _, err := q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}
		_, err := q.ExecContext(ctx, "DELETE FROM reset_guard")
		return err
	})
}

// =============================================================================
// CONNECTION - Statements shared by *sql.DB and *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements core.Store over either the database or an open transaction.
type conn struct {
	q querier
}

var _ core.Store = (*conn)(nil)

// =============================================================================
// DIRECTORY STORE
// =============================================================================

func (c *conn) GetResource(ctx context.Context, id core.ResourceID) (*core.Resource, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, name, base_hourly_cost, annual_total_hours, normal_hours, reserve_hours, role
		FROM resources WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	list, err := scanAll(rows, scanResource)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (c *conn) SaveResource(ctx context.Context, r core.Resource) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO resources (id, name, base_hourly_cost, annual_total_hours, normal_hours, reserve_hours, role)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			base_hourly_cost = excluded.base_hourly_cost,
			annual_total_hours = excluded.annual_total_hours,
			normal_hours = excluded.normal_hours,
			reserve_hours = excluded.reserve_hours,
			role = excluded.role`,
		r.ID, r.Name, r.BaseHourlyCost.String(), r.AnnualTotalHours.String(),
		r.NormalHours.String(), r.ReserveHours.String(), r.Role,
	)
	if err != nil {
		return fmt.Errorf("failed to save resource: %w", err)
	}
	return nil
}

func (c *conn) ListResources(ctx context.Context) ([]core.Resource, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, name, base_hourly_cost, annual_total_hours, normal_hours, reserve_hours, role
		FROM resources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return scanAll(rows, scanResource)
}

func scanResource(rows *sql.Rows) (core.Resource, error) {
	var r core.Resource
	var base, total, normal, reserve string
	if err := rows.Scan(&r.ID, &r.Name, &base, &total, &normal, &reserve, &r.Role); err != nil {
		return r, fmt.Errorf("failed to scan resource: %w", err)
	}
	r.BaseHourlyCost = parseDecimal(base)
	r.AnnualTotalHours = parseDecimal(total)
	r.NormalHours = parseDecimal(normal)
	r.ReserveHours = parseDecimal(reserve)
	return r, nil
}

func (c *conn) GetClient(ctx context.Context, id core.ClientID) (*core.Client, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT id, name, authorized_budget FROM clients WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	list, err := scanAll(rows, scanClient)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (c *conn) SaveClient(ctx context.Context, cl core.Client) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO clients (id, name, authorized_budget) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, authorized_budget = excluded.authorized_budget`,
		cl.ID, cl.Name, nullDecimal(cl.AuthorizedBudget),
	)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

func (c *conn) ListClients(ctx context.Context) ([]core.Client, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT id, name, authorized_budget FROM clients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return scanAll(rows, scanClient)
}

func scanClient(rows *sql.Rows) (core.Client, error) {
	var cl core.Client
	var budget sql.NullString
	if err := rows.Scan(&cl.ID, &cl.Name, &budget); err != nil {
		return cl, fmt.Errorf("failed to scan client: %w", err)
	}
	if budget.Valid {
		cl.AuthorizedBudget = core.Budget(parseDecimal(budget.String))
	}
	return cl, nil
}

const nodeColumns = `id, level, parent_id, client_id, name, status, estimated_value, estimated_unit,
	actual_value, actual_unit, resource_id, reassigned_minutes, compensated_minutes,
	from_reassignment, created_at, updated_at`

func (c *conn) GetNode(ctx context.Context, id core.NodeID) (*core.Node, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	list, err := scanAll(rows, scanNode)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (c *conn) SaveNode(ctx context.Context, n core.Node) error {
	var actualValue, actualUnit sql.NullString
	if n.Actual != nil {
		actualValue = nullString(n.Actual.Value.String())
		actualUnit = nullString(string(n.Actual.Unit))
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			level = excluded.level,
			parent_id = excluded.parent_id,
			client_id = excluded.client_id,
			name = excluded.name,
			status = excluded.status,
			estimated_value = excluded.estimated_value,
			estimated_unit = excluded.estimated_unit,
			actual_value = excluded.actual_value,
			actual_unit = excluded.actual_unit,
			resource_id = excluded.resource_id,
			reassigned_minutes = excluded.reassigned_minutes,
			compensated_minutes = excluded.compensated_minutes,
			from_reassignment = excluded.from_reassignment,
			updated_at = excluded.updated_at`,
		n.ID, n.Level, n.ParentID, n.ClientID, n.Name, n.Status,
		n.Estimated.Value.String(), unitOrHours(n.Estimated.Unit),
		actualValue, actualUnit, n.ResourceID,
		n.ReassignedMinutes, n.CompensatedMinutes, n.FromReassignment,
		formatTime(n.CreatedAt), formatTime(n.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save node: %w", err)
	}
	return nil
}

func (c *conn) ListNodes(ctx context.Context, f core.NodeFilter) ([]core.Node, error) {
	var where []string
	var args []any
	if f.Level != "" {
		where = append(where, "level = ?")
		args = append(args, f.Level)
	}
	if f.ParentID != nil {
		where = append(where, "parent_id = ?")
		args = append(args, *f.ParentID)
	}
	if f.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if f.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := `SELECT ` + nodeColumns + ` FROM nodes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return scanAll(rows, scanNode)
}

func scanNode(rows *sql.Rows) (core.Node, error) {
	var (
		n                     core.Node
		estValue, estUnit     string
		actValue, actUnit     sql.NullString
		createdAt, updatedAt  string
	)
	err := rows.Scan(
		&n.ID, &n.Level, &n.ParentID, &n.ClientID, &n.Name, &n.Status,
		&estValue, &estUnit, &actValue, &actUnit, &n.ResourceID,
		&n.ReassignedMinutes, &n.CompensatedMinutes, &n.FromReassignment,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return n, fmt.Errorf("failed to scan node: %w", err)
	}
	n.Estimated = parseAmount(estValue, estUnit)
	if actValue.Valid {
		a := parseAmount(actValue.String, actUnit.String)
		n.Actual = &a
	}
	n.CreatedAt = parseTime(createdAt)
	n.UpdatedAt = parseTime(updatedAt)
	return n, nil
}

// =============================================================================
// HOUR STORE (append-only)
// =============================================================================

func (c *conn) AppendHours(ctx context.Context, txs ...core.HourTransaction) error {
	for _, t := range txs {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO hour_transactions
			(id, resource_id, client_id, pool, level, node_id, delta_value, delta_unit,
			 rate, tx_type, reason, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ResourceID, t.ClientID, t.Pool, t.Level, t.NodeID,
			t.Delta.Value.String(), unitOrHours(t.Delta.Unit), t.Rate.String(),
			t.Type, nullString(t.Reason), nullString(t.CreatedBy), formatTime(t.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to append hour transaction: %w", err)
		}
	}
	return nil
}

func (c *conn) HourTransactions(ctx context.Context, f core.HourFilter) ([]core.HourTransaction, error) {
	var where []string
	var args []any
	if f.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	if f.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if f.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, f.NodeID)
	}
	if f.Pool != "" {
		where = append(where, "pool = ?")
		args = append(args, f.Pool)
	}

	query := `
		SELECT id, resource_id, client_id, pool, level, node_id, delta_value, delta_unit,
		       rate, tx_type, reason, created_by, created_at
		FROM hour_transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query hour transactions: %w", err)
	}
	return scanAll(rows, scanHourTransaction)
}

func scanHourTransaction(rows *sql.Rows) (core.HourTransaction, error) {
	var (
		t                    core.HourTransaction
		deltaValue, deltaUnit string
		rate, createdAt      string
		reason, createdBy    sql.NullString
	)
	err := rows.Scan(
		&t.ID, &t.ResourceID, &t.ClientID, &t.Pool, &t.Level, &t.NodeID,
		&deltaValue, &deltaUnit, &rate, &t.Type, &reason, &createdBy, &createdAt,
	)
	if err != nil {
		return t, fmt.Errorf("failed to scan hour transaction: %w", err)
	}
	t.Delta = parseAmount(deltaValue, deltaUnit)
	t.Rate = parseDecimal(rate)
	t.Reason = reason.String
	t.CreatedBy = createdBy.String
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

// =============================================================================
// MARGIN STORE
// =============================================================================

func (c *conn) GetMarginConfig(ctx context.Context, rid core.ResourceID, cid core.ClientID) (*core.MarginConfig, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, resource_id, client_id, policy, components_json, base_hourly_cost,
		       final_hourly_cost, updated_by, updated_at
		FROM margin_configs WHERE resource_id = ? AND client_id = ?`, rid, cid)
	if err != nil {
		return nil, fmt.Errorf("failed to get margin config: %w", err)
	}
	list, err := scanAll(rows, scanMarginConfig)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (c *conn) SaveMarginConfig(ctx context.Context, cfg core.MarginConfig) error {
	components, err := json.Marshal(cfg.Components)
	if err != nil {
		return fmt.Errorf("failed to encode margin components: %w", err)
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO margin_configs
		(id, resource_id, client_id, policy, components_json, base_hourly_cost, final_hourly_cost, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_id, client_id) DO UPDATE SET
			policy = excluded.policy,
			components_json = excluded.components_json,
			base_hourly_cost = excluded.base_hourly_cost,
			final_hourly_cost = excluded.final_hourly_cost,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		cfg.ID, cfg.ResourceID, cfg.ClientID, cfg.Policy, string(components),
		cfg.BaseHourlyCost.String(), cfg.FinalHourlyCost.String(),
		nullString(cfg.UpdatedBy), formatTime(cfg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save margin config: %w", err)
	}
	return nil
}

func scanMarginConfig(rows *sql.Rows) (core.MarginConfig, error) {
	var (
		cfg                   core.MarginConfig
		components, base, fin string
		updatedBy             sql.NullString
		updatedAt             string
	)
	err := rows.Scan(&cfg.ID, &cfg.ResourceID, &cfg.ClientID, &cfg.Policy, &components,
		&base, &fin, &updatedBy, &updatedAt)
	if err != nil {
		return cfg, fmt.Errorf("failed to scan margin config: %w", err)
	}
	if err := json.Unmarshal([]byte(components), &cfg.Components); err != nil {
		return cfg, fmt.Errorf("failed to decode margin components: %w", err)
	}
	cfg.BaseHourlyCost = parseDecimal(base)
	cfg.FinalHourlyCost = parseDecimal(fin)
	cfg.UpdatedBy = updatedBy.String
	cfg.UpdatedAt = parseTime(updatedAt)
	return cfg, nil
}

// =============================================================================
// BONUS STORE
// =============================================================================

const bonusColumns = `id, task_id, resource_id, estimated_hours, actual_hours, variance_hours,
	classification, percentage, base_hourly_cost, final_hourly_cost, amount, state,
	recovery_task_id, created_by, created_at, managed_by, managed_at`

func (c *conn) GetBonusRecord(ctx context.Context, id string) (*core.BonusRecord, error) {
	return c.getBonus(ctx, `SELECT `+bonusColumns+` FROM bonus_records WHERE id = ?`, id)
}

func (c *conn) GetBonusRecordByTask(ctx context.Context, taskID core.NodeID) (*core.BonusRecord, error) {
	return c.getBonus(ctx, `SELECT `+bonusColumns+` FROM bonus_records WHERE task_id = ?`, taskID)
}

func (c *conn) getBonus(ctx context.Context, query string, arg any) (*core.BonusRecord, error) {
	rows, err := c.q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to get bonus record: %w", err)
	}
	list, err := scanAll(rows, scanBonus)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (c *conn) CreateBonusRecord(ctx context.Context, b core.BonusRecord) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO bonus_records (`+bonusColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.TaskID, b.ResourceID,
		b.EstimatedHours.String(), b.ActualHours.String(), b.VarianceHours.String(),
		b.Classification, b.Percentage.String(),
		b.BaseHourlyCost.String(), b.FinalHourlyCost.String(), b.Amount.String(),
		b.State, b.RecoveryTaskID, nullString(b.CreatedBy), formatTime(b.CreatedAt),
		nullString(b.ManagedBy), nullTime(b.ManagedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("task %s: %w", b.TaskID, core.ErrAlreadyEvaluated)
		}
		return fmt.Errorf("failed to create bonus record: %w", err)
	}
	return nil
}

// UpdateBonusRecord only touches the management fields.
func (c *conn) UpdateBonusRecord(ctx context.Context, b core.BonusRecord) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE bonus_records
		SET state = ?, recovery_task_id = ?, managed_by = ?, managed_at = ?
		WHERE id = ?`,
		b.State, b.RecoveryTaskID, nullString(b.ManagedBy), nullTime(b.ManagedAt), b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update bonus record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFound("bonus record", b.ID)
	}
	return nil
}

func (c *conn) ListBonusRecords(ctx context.Context, f core.BonusFilter) ([]core.BonusRecord, error) {
	var where []string
	var args []any
	if f.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	query := `SELECT ` + bonusColumns + ` FROM bonus_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY task_id"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bonus records: %w", err)
	}
	return scanAll(rows, scanBonus)
}

func scanBonus(rows *sql.Rows) (core.BonusRecord, error) {
	var (
		b                                core.BonusRecord
		est, act, variance, pct          string
		base, fin, amount, createdAt     string
		createdBy, managedBy, managedAt  sql.NullString
	)
	err := rows.Scan(
		&b.ID, &b.TaskID, &b.ResourceID, &est, &act, &variance,
		&b.Classification, &pct, &base, &fin, &amount, &b.State,
		&b.RecoveryTaskID, &createdBy, &createdAt, &managedBy, &managedAt,
	)
	if err != nil {
		return b, fmt.Errorf("failed to scan bonus record: %w", err)
	}
	b.EstimatedHours = parseDecimal(est)
	b.ActualHours = parseDecimal(act)
	b.VarianceHours = parseDecimal(variance)
	b.Percentage = parseDecimal(pct)
	b.BaseHourlyCost = parseDecimal(base)
	b.FinalHourlyCost = parseDecimal(fin)
	b.Amount = parseDecimal(amount)
	b.CreatedBy = createdBy.String
	b.CreatedAt = parseTime(createdAt)
	b.ManagedBy = managedBy.String
	if managedAt.Valid {
		t := parseTime(managedAt.String)
		b.ManagedAt = &t
	}
	return b, nil
}

// =============================================================================
// REASSIGNMENT STORE (append-only)
// =============================================================================

func (c *conn) AppendReassignment(ctx context.Context, r core.ReassignmentRecord) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO reassignments
		(id, source_task_id, destination_task_id, created_task, project_id, minutes, justification,
		 source_credit_before, source_credit_after, destination_debit_before, destination_debit_after,
		 created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SourceTaskID, r.DestinationTaskID, r.CreatedTask, r.ProjectID, r.Minutes, r.Justification,
		r.SourceCreditBefore, r.SourceCreditAfter, r.DestinationDebitBefore, r.DestinationDebitAfter,
		nullString(r.CreatedBy), formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append reassignment: %w", err)
	}
	return nil
}

func (c *conn) ListReassignments(ctx context.Context, f core.ReassignmentFilter) ([]core.ReassignmentRecord, error) {
	query := `
		SELECT id, source_task_id, destination_task_id, created_task, project_id, minutes, justification,
		       source_credit_before, source_credit_after, destination_debit_before, destination_debit_after,
		       created_by, created_at
		FROM reassignments`
	var args []any
	if f.TaskID != "" {
		query += " WHERE source_task_id = ? OR destination_task_id = ?"
		args = append(args, f.TaskID, f.TaskID)
	}
	query += " ORDER BY seq DESC"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reassignments: %w", err)
	}
	return scanAll(rows, scanReassignment)
}

func scanReassignment(rows *sql.Rows) (core.ReassignmentRecord, error) {
	var (
		r         core.ReassignmentRecord
		createdBy sql.NullString
		createdAt string
	)
	err := rows.Scan(
		&r.ID, &r.SourceTaskID, &r.DestinationTaskID, &r.CreatedTask, &r.ProjectID, &r.Minutes, &r.Justification,
		&r.SourceCreditBefore, &r.SourceCreditAfter, &r.DestinationDebitBefore, &r.DestinationDebitAfter,
		&createdBy, &createdAt,
	)
	if err != nil {
		return r, fmt.Errorf("failed to scan reassignment: %w", err)
	}
	r.CreatedBy = createdBy.String
	r.CreatedAt = parseTime(createdAt)
	return r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// scanAll drains rows with scan and closes them.
func scanAll[T any](rows *sql.Rows, scan func(*sql.Rows) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	return core.MustParseDecimal(s)
}

func parseAmount(value, unit string) core.Amount {
	return core.Amount{Value: parseDecimal(value), Unit: core.Unit(unit)}
}

func unitOrHours(u core.Unit) core.Unit {
	if u == "" {
		return core.UnitHours
	}
	return u
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
