/*
store.go - Persistence interfaces for the hours engine

PURPOSE:
  Defines the boundary between the engine and the storage layer. Entity
  CRUD lives outside the engine; the engine only needs to read the
  hierarchy, update task bookkeeping fields, and append to its ledgers.

KEY INTERFACES:
  DirectoryStore:    Resources, clients and hierarchy nodes
  HourStore:         Append-only hour ledger
  MarginStore:       Margin configuration per (resource, client)
  BonusStore:        Bonus records, one per task
  ReassignmentStore: Append-only reassignment history
  TxStore:           All of the above plus atomic WithTx

ATOMICITY:
  Every mutating engine operation runs inside WithTx. Either the pool
  movement, the node update and the audit record are all written, or
  none of them is.

LOOKUPS:
  Get* methods return (nil, nil) when the record does not exist. Engines
  turn that into a NotFoundError with context.

IMPLEMENTATIONS:
  - core/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: SQLite
*/
package core

import "context"

type DirectoryStore interface {
	GetResource(ctx context.Context, id ResourceID) (*Resource, error)
	SaveResource(ctx context.Context, r Resource) error
	ListResources(ctx context.Context) ([]Resource, error)

	GetClient(ctx context.Context, id ClientID) (*Client, error)
	SaveClient(ctx context.Context, c Client) error
	ListClients(ctx context.Context) ([]Client, error)

	GetNode(ctx context.Context, id NodeID) (*Node, error)
	// SaveNode inserts or replaces a node.
	SaveNode(ctx context.Context, n Node) error
	// ListNodes returns matching nodes ordered by ID.
	ListNodes(ctx context.Context, filter NodeFilter) ([]Node, error)
}

// HourStore is APPEND-ONLY. Corrections are release transactions.
type HourStore interface {
	AppendHours(ctx context.Context, txs ...HourTransaction) error
	// HourTransactions returns matching transactions in insertion order.
	HourTransactions(ctx context.Context, filter HourFilter) ([]HourTransaction, error)
}

type MarginStore interface {
	GetMarginConfig(ctx context.Context, resourceID ResourceID, clientID ClientID) (*MarginConfig, error)
	SaveMarginConfig(ctx context.Context, cfg MarginConfig) error
}

type BonusStore interface {
	GetBonusRecord(ctx context.Context, id string) (*BonusRecord, error)
	GetBonusRecordByTask(ctx context.Context, taskID NodeID) (*BonusRecord, error)
	// CreateBonusRecord fails with ErrAlreadyEvaluated if the task has one.
	CreateBonusRecord(ctx context.Context, rec BonusRecord) error
	// UpdateBonusRecord persists management fields only.
	UpdateBonusRecord(ctx context.Context, rec BonusRecord) error
	ListBonusRecords(ctx context.Context, filter BonusFilter) ([]BonusRecord, error)
}

// ReassignmentStore is APPEND-ONLY.
type ReassignmentStore interface {
	AppendReassignment(ctx context.Context, rec ReassignmentRecord) error
	// ListReassignments returns records newest first.
	ListReassignments(ctx context.Context, filter ReassignmentFilter) ([]ReassignmentRecord, error)
}

type Store interface {
	DirectoryStore
	HourStore
	MarginStore
	BonusStore
	ReassignmentStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
