package engine

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	hashindex "kitedb/src/hash_index"
	"kitedb/src/models"
	"kitedb/src/settings"
)

var collectionNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Database owns the documents, schemas and indexes of every collection,
// the storage binding and the single transaction slot.
//
// Lock order: mu, then a collection lock, then saveMu, then stateMu.
type Database struct {
	Name string

	storage *StorageEngine
	journal *Journal
	metrics *Metrics
	logger  *zap.SugaredLogger

	// database-wide lock for begin, commit, rollback, create and drop
	mu sync.Mutex
	tx *Transaction

	// one lock per collection name, created on first use and never removed
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// guards the maps below; sequences and indexes are further guarded by
	// their collection lock
	stateMu     sync.RWMutex
	collections map[string][]models.Document
	schemas     map[string]*models.Schema
	indexes     map[string]*hashindex.IndexManager

	// serializes snapshot + write so saves land in order
	saveMu sync.Mutex
}

// NewDatabase opens (or creates) the database called name under the
// configured data root and loads its persisted state.
func NewDatabase(name string, args *settings.Arguments, logger *zap.SugaredLogger) (*Database, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if !collectionNameRegex.MatchString(name) {
		return nil, validationErrorf("open", "database name must contain only letters, numbers, underscores, or hyphens: %q", name)
	}

	opts, err := StorageOptionsFromSettings(args)
	if err != nil {
		return nil, wrapError("open", err)
	}
	storage, err := NewStorageEngine(args.Storage.DataRoot, name, args.EncryptionKey(), opts, logger)
	if err != nil {
		return nil, err
	}

	db := &Database{
		Name:        name,
		storage:     storage,
		logger:      logger,
		locks:       make(map[string]*sync.Mutex),
		collections: make(map[string][]models.Document),
		schemas:     make(map[string]*models.Schema),
		indexes:     make(map[string]*hashindex.IndexManager),
	}

	if err := db.load(); err != nil {
		return nil, err
	}

	if args.Journal.Directory != "" {
		journal, err := NewJournal(args.Journal.Directory, name, args.Journal.MaxFileSize)
		if err != nil {
			return nil, wrapError("open", err)
		}
		db.journal = journal
	}

	return db, nil
}

// WithMetrics attaches Prometheus metrics to the database.
func (db *Database) WithMetrics(m *Metrics) *Database {
	db.metrics = m
	return db
}

func (db *Database) load() error {
	start := time.Now()
	state, err := db.storage.Load()
	db.metrics.observePersist("load", start)
	if err != nil {
		db.logger.Errorf("Load database %s failed: %v", db.Name, err)
		return err
	}

	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	db.collections = state.Collections
	db.schemas = state.Schemas
	for name, docs := range db.collections {
		idx := hashindex.NewIndexManager(name, db.logger)
		idx.Rebuild(docs)
		db.indexes[name] = idx
	}
	// schemas without a collection cannot be reached
	for name := range db.schemas {
		if _, ok := db.collections[name]; !ok {
			delete(db.schemas, name)
		}
	}
	db.logger.Infof("Database %s loaded from %s: %d collections", db.Name, db.storage.DataDirectory, len(db.collections))
	return nil
}

// Save persists the whole database.
func (db *Database) Save() error {
	return wrapError("save", db.persist())
}

// persist snapshots the collection sequences and schemas and writes them.
// Sequences are never mutated in place, so copying the slice headers is a
// consistent snapshot.
func (db *Database) persist() error {
	db.saveMu.Lock()
	defer db.saveMu.Unlock()

	db.stateMu.RLock()
	state := &StorageState{
		Collections: make(map[string][]models.Document, len(db.collections)),
		Schemas:     make(map[string]*models.Schema, len(db.schemas)),
	}
	for name, docs := range db.collections {
		state.Collections[name] = docs
	}
	for name, schema := range db.schemas {
		state.Schemas[name] = schema
	}
	db.stateMu.RUnlock()

	start := time.Now()
	err := db.storage.Save(state)
	db.metrics.observePersist("save", start)
	if err != nil {
		db.logger.Errorf("Save database %s failed: %v", db.Name, err)
		return err
	}
	db.logger.Debugf("Database %s saved", db.Name)
	return nil
}

// collectionLock returns the lock for name, creating it on first use.
func (db *Database) collectionLock(name string) *sync.Mutex {
	db.locksMu.Lock()
	defer db.locksMu.Unlock()
	lock, ok := db.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		db.locks[name] = lock
	}
	return lock
}

func (db *Database) hasCollection(name string) bool {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	_, ok := db.collections[name]
	return ok
}

func (db *Database) schemaFor(name string) *models.Schema {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	return db.schemas[name]
}

func collectionNotFound(op, name string) error {
	return &Error{Kind: KindDatabase, Op: op, Msg: fmt.Sprintf("collection '%s' not found", name)}
}

// CreateCollection registers an empty collection with an optional schema
// and persists.
func (db *Database) CreateCollection(name string, schema *models.Schema) (err error) {
	defer func() { db.metrics.observeOp("create", false, err) }()

	if !collectionNameRegex.MatchString(name) {
		return validationErrorf("create", "collection name must contain only letters, numbers, underscores, or hyphens: %q", name)
	}
	if err := ValidateSchema(schema); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	lock := db.collectionLock(name)
	lock.Lock()
	defer lock.Unlock()

	db.stateMu.Lock()
	if _, exists := db.collections[name]; exists {
		db.stateMu.Unlock()
		return &Error{Kind: KindDatabase, Op: "create", Msg: fmt.Sprintf("collection '%s' already exists", name)}
	}
	db.collections[name] = []models.Document{}
	db.indexes[name] = hashindex.NewIndexManager(name, db.logger)
	if !schema.IsEmpty() {
		db.schemas[name] = schema.Clone()
	}
	db.stateMu.Unlock()

	if err := db.persist(); err != nil {
		return wrapError("create", err)
	}
	db.logger.Infof("Collection %s created in %s", name, db.Name)
	return nil
}

// DropCollection removes a collection, its index and its schema. While a
// transaction is active the drop is logged instead and deferred is true.
func (db *Database) DropCollection(name string) (deferred bool, err error) {
	defer func() { db.metrics.observeOp("drop", deferred, err) }()

	db.mu.Lock()
	if !db.hasCollection(name) {
		db.mu.Unlock()
		return false, collectionNotFound("drop", name)
	}
	if db.tx != nil && db.tx.isActive() {
		err := db.tx.Log(DropCollectionOp{CollectionName: name})
		db.mu.Unlock()
		if err != nil {
			return false, err
		}
		db.logger.Debugf("Logged drop of collection %s", name)
		return true, nil
	}
	defer db.mu.Unlock()

	return false, db.dropNow(name)
}

// dropNow drops immediately; the caller holds db.mu.
func (db *Database) dropNow(name string) error {
	lock := db.collectionLock(name)
	lock.Lock()
	defer lock.Unlock()

	db.stateMu.Lock()
	if _, ok := db.collections[name]; !ok {
		db.stateMu.Unlock()
		return collectionNotFound("drop", name)
	}
	delete(db.collections, name)
	delete(db.indexes, name)
	delete(db.schemas, name)
	db.stateMu.Unlock()

	if err := db.persist(); err != nil {
		return wrapError("drop", err)
	}
	db.logger.Infof("Collection %s dropped from %s", name, db.Name)
	return nil
}

// GetCollection returns a handle bound to the named collection.
func (db *Database) GetCollection(name string) (*Collection, error) {
	if !db.hasCollection(name) {
		return nil, collectionNotFound("get", name)
	}
	return &Collection{db: db, Name: name}, nil
}

// ListCollections returns the collection names in sorted order.
func (db *Database) ListCollections() []string {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schema returns a copy of the collection's schema, if it has one.
func (db *Database) Schema(name string) (*models.Schema, bool) {
	schema := db.schemaFor(name)
	if schema.IsEmpty() {
		return nil, false
	}
	return schema.Clone(), true
}

// BeginTransaction starts the database's transaction. Only one may be
// active at a time.
func (db *Database) BeginTransaction() (*Transaction, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.tx != nil && db.tx.isActive() {
		return nil, transactionErrorf("begin", "transaction already active")
	}
	tx := newTransaction(db)
	if err := tx.begin(); err != nil {
		return nil, err
	}
	db.tx = tx
	return tx, nil
}

// CurrentTransaction returns the active transaction, or nil.
func (db *Database) CurrentTransaction() *Transaction {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.tx != nil && db.tx.isActive() {
		return db.tx
	}
	return nil
}

// deferIfActive logs op when a transaction is active and reports whether it did.
func (db *Database) deferIfActive(op PendingOp) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.tx == nil || !db.tx.isActive() {
		return false, nil
	}
	if err := db.tx.Log(op); err != nil {
		return false, err
	}
	return true, nil
}

// Close releases the journal. The database must not be used afterwards.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.journal != nil {
		err := db.journal.Close()
		db.journal = nil
		return err
	}
	return nil
}
