package engine

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"kitedb/src/helpers"
	"kitedb/src/models"
)

// PendingOp is one logged mutation of a transaction. The set of
// implementations is closed: InsertOp, UpdateOp, DeleteOp, DropCollectionOp.
type PendingOp interface {
	Collection() string
	Kind() string
	isPendingOp()
}

type InsertOp struct {
	CollectionName string
	Documents      []models.Document
}

type UpdateOp struct {
	CollectionName string
	Query          models.Document
	Patches        []models.Document
}

type DeleteOp struct {
	CollectionName string
	Query          models.Document
}

type DropCollectionOp struct {
	CollectionName string
}

func (op InsertOp) Collection() string         { return op.CollectionName }
func (op UpdateOp) Collection() string         { return op.CollectionName }
func (op DeleteOp) Collection() string         { return op.CollectionName }
func (op DropCollectionOp) Collection() string { return op.CollectionName }

func (InsertOp) Kind() string         { return "insert" }
func (UpdateOp) Kind() string         { return "update" }
func (DeleteOp) Kind() string         { return "delete" }
func (DropCollectionOp) Kind() string { return "drop" }

func (InsertOp) isPendingOp()         {}
func (UpdateOp) isPendingOp()         {}
func (DeleteOp) isPendingOp()         {}
func (DropCollectionOp) isPendingOp() {}

// describePending renders the parameters of op for logs and the journal.
func describePending(op PendingOp) string {
	switch op := op.(type) {
	case InsertOp:
		return documentList(op.Documents)
	case UpdateOp:
		return fmt.Sprintf("query=%s patches=%s", op.Query, documentList(op.Patches))
	case DeleteOp:
		return fmt.Sprintf("query=%s", op.Query)
	case DropCollectionOp:
		return ""
	}
	return fmt.Sprintf("%T", op)
}

func documentList(docs []models.Document) string {
	parts := make([]string, len(docs))
	for i, doc := range docs {
		parts[i] = doc.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Transaction is an ordered log of pending mutations applied together on
// commit. A failed commit discards the rest of the log but does not undo
// operations that were already applied.
type Transaction struct {
	ID string

	db     *Database
	logger *zap.SugaredLogger

	mu     sync.Mutex
	active bool
	ops    []PendingOp
}

func newTransaction(db *Database) *Transaction {
	return &Transaction{
		ID:     helpers.GenerateUUID(),
		db:     db,
		logger: db.logger,
	}
}

// Begin reactivates a finished transaction as the database's transaction.
func (t *Transaction) Begin() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if t.db.tx != nil && t.db.tx != t && t.db.tx.isActive() {
		return transactionErrorf("begin", "another transaction is already active")
	}
	if err := t.begin(); err != nil {
		return err
	}
	t.db.tx = t
	return nil
}

func (t *Transaction) begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return transactionErrorf("begin", "transaction already active")
	}
	t.active = true
	t.ops = nil
	t.logger.Infof("Transaction %s begun on %s", t.ID, t.db.Name)
	return nil
}

func (t *Transaction) isActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Active reports whether the transaction is accepting operations.
func (t *Transaction) Active() bool { return t.isActive() }

// Log appends op to the pending log.
func (t *Transaction) Log(op PendingOp) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return transactionErrorf("log", "no active transaction")
	}
	t.ops = append(t.ops, op)
	t.logger.Debugf("Transaction %s logged %s on %s", t.ID, op.Kind(), op.Collection())
	return nil
}

// Operations returns a copy of the pending log.
func (t *Transaction) Operations() []PendingOp {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]PendingOp(nil), t.ops...)
}

// Commit replays the log in order. On the first failure the remaining
// operations are discarded, the transaction is deactivated and a
// transaction error wrapping the cause is returned.
func (t *Transaction) Commit() (err error) {
	db := t.db
	defer func() { db.metrics.observeOp("commit", false, err) }()

	db.mu.Lock()
	defer db.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return transactionErrorf("commit", "no active transaction")
	}

	ops := t.ops
	for i, op := range ops {
		if err := db.applyPending(op); err != nil {
			t.active = false
			t.ops = nil
			t.logger.Errorf("Transaction %s commit failed at operation %d (%s on %s): %v", t.ID, i, op.Kind(), op.Collection(), err)
			db.journalEntry(t.ID, "ROLLBACK", op.Collection(), err.Error())
			return &Error{
				Kind: KindTransaction,
				Op:   "commit",
				Msg:  fmt.Sprintf("commit failed at operation %d (%s on %s)", i, op.Kind(), op.Collection()),
				Err:  err,
			}
		}
		db.journalEntry(t.ID, strings.ToUpper(op.Kind()), op.Collection(), describePending(op))
	}

	t.active = false
	t.ops = nil
	db.journalEntry(t.ID, "COMMIT", "", fmt.Sprintf("%d operations", len(ops)))
	t.logger.Infof("Transaction %s committed %d operations", t.ID, len(ops))
	return nil
}

// Rollback discards the pending log. Rolling back an inactive transaction
// does nothing.
func (t *Transaction) Rollback() error {
	db := t.db
	db.mu.Lock()
	defer db.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		t.logger.Warnf("Rollback called on inactive transaction %s", t.ID)
		return nil
	}
	discarded := len(t.ops)
	t.active = false
	t.ops = nil
	db.metrics.observeOp("rollback", false, nil)
	db.journalEntry(t.ID, "ROLLBACK", "", fmt.Sprintf("%d operations discarded", discarded))
	t.logger.Infof("Transaction %s rolled back, %d operations discarded", t.ID, discarded)
	return nil
}

// applyPending applies op immediately; the caller holds db.mu.
func (db *Database) applyPending(op PendingOp) error {
	switch op := op.(type) {
	case InsertOp:
		_, err := db.insertNow(op.CollectionName, op.Documents)
		return err
	case UpdateOp:
		_, err := db.updateNow(op.CollectionName, op.Query, op.Patches)
		return err
	case DeleteOp:
		_, err := db.deleteNow(op.CollectionName, op.Query)
		return err
	case DropCollectionOp:
		return db.dropNow(op.CollectionName)
	}
	return fmt.Errorf("unknown pending operation %T", op)
}

// journalEntry writes to the journal when one is configured. Journal
// failures are logged but never fail the transaction.
func (db *Database) journalEntry(txID, command, collection, details string) {
	if db.journal == nil {
		return
	}
	if err := db.journal.AddEntry(txID, command, collection, details); err != nil {
		db.logger.Warnf("Failed to write journal entry for transaction %s: %v", txID, err)
	}
}
