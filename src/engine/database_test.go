package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"kitedb/src/models"
	"kitedb/src/settings"
)

func testSettings(t *testing.T) *settings.Arguments {
	t.Helper()
	args := settings.DefaultSettings()
	args.Storage.DataRoot = t.TempDir()
	args.Storage.ChunkSize = 2
	return args
}

func openDatabase(t *testing.T, args *settings.Arguments) *Database {
	t.Helper()
	db, err := NewDatabase("testdb", args, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newCollection(t *testing.T, db *Database, name string, schema *models.Schema) *Collection {
	t.Helper()
	require.NoError(t, db.CreateCollection(name, schema))
	coll, err := db.GetCollection(name)
	require.NoError(t, err)
	return coll
}

func names(t *testing.T, docs []models.Document) []string {
	t.Helper()
	out := make([]string, len(docs))
	for i, doc := range docs {
		name, ok := doc["name"].AsString()
		require.True(t, ok, "document %s has no name", doc)
		out[i] = name
	}
	return out
}

func TestNewDatabaseRejectsBadNames(t *testing.T) {
	args := testSettings(t)
	for _, name := range []string{"", "a/b", "..", "has space"} {
		_, err := NewDatabase(name, args, nil)
		assert.ErrorIs(t, err, ErrValidation, name)
	}

	args.Storage.EncryptionKey = "short"
	_, err := NewDatabase("db", args, nil)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestCreateAndDropCollection(t *testing.T) {
	db := openDatabase(t, testSettings(t))

	require.NoError(t, db.CreateCollection("users", nil))
	require.NoError(t, db.CreateCollection("orders", &models.Schema{Fields: map[string]string{"total": "float"}}))
	assert.Equal(t, []string{"orders", "users"}, db.ListCollections())

	err := db.CreateCollection("users", nil)
	assert.ErrorIs(t, err, ErrDatabase)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "already exists")

	assert.ErrorIs(t, db.CreateCollection("bad name", nil), ErrValidation)
	assert.ErrorIs(t, db.CreateCollection("typed", &models.Schema{Fields: map[string]string{"x": "decimal"}}), ErrValidation)

	schema, ok := db.Schema("orders")
	require.True(t, ok)
	assert.Equal(t, "float", schema.Fields["total"])
	_, ok = db.Schema("users")
	assert.False(t, ok)

	deferred, err := db.DropCollection("orders")
	require.NoError(t, err)
	assert.False(t, deferred)
	assert.Equal(t, []string{"users"}, db.ListCollections())
	_, ok = db.Schema("orders")
	assert.False(t, ok)

	_, err = db.DropCollection("orders")
	assert.ErrorIs(t, err, ErrDatabase)
	assert.Contains(t, err.Error(), "not found")

	_, err = db.GetCollection("orders")
	assert.Error(t, err)
}

func TestInsertAndFind(t *testing.T) {
	db := openDatabase(t, testSettings(t))
	users := newCollection(t, db, "users", nil)

	res, err := users.Insert(
		mustDoc(t, `{"name": "Alice", "age": 28, "address": {"city": "SF"}}`),
		mustDoc(t, `{"name": "Bob", "age": 35, "address": {"city": "NY"}}`),
	)
	require.NoError(t, err)
	assert.False(t, res.Deferred)
	assert.Equal(t, []int{0, 1}, res.Positions)

	res, err = users.Insert(mustDoc(t, `{"name": "Carol", "age": 41}`))
	require.NoError(t, err)
	assert.Equal(t, []int{2}, res.Positions)

	all, err := users.Find(models.Document{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Bob", "Carol"}, names(t, all))

	found, err := users.Find(mustDoc(t, `{"address.city": "SF"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice"}, names(t, found))

	found, err = users.Find(mustDoc(t, `{"address.city": {"$ne": "SF"}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob"}, names(t, found), "documents without the path never match")

	found, err = users.Find(mustDoc(t, `{"age": {"$gt": 30}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob", "Carol"}, names(t, found))

	_, err = users.Find(mustDoc(t, `{"age": {"$between": [1, 2]}}`))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = users.Insert()
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFindReturnsCopies(t *testing.T) {
	db := openDatabase(t, testSettings(t))
	users := newCollection(t, db, "users", nil)

	doc := mustDoc(t, `{"name": "Alice", "tags": ["a"]}`)
	_, err := users.Insert(doc)
	require.NoError(t, err)
	doc["name"] = models.String("mutated by caller")

	found, err := users.Find(models.Document{})
	require.NoError(t, err)
	found[0]["name"] = models.String("mutated result")

	again, err := users.Find(models.Document{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice"}, names(t, again))
}

func TestIndexedEqualityMatchesScan(t *testing.T) {
	db := openDatabase(t, testSettings(t))
	items := newCollection(t, db, "items", nil)

	for i := 0; i < 30; i++ {
		_, err := items.Insert(mustDoc(t, fmt.Sprintf(`{"name": "item%d", "bucket": %d, "even": %t}`, i, i%4, i%2 == 0)))
		require.NoError(t, err)
	}
	_, err := items.Delete(mustDoc(t, `{"bucket": 1}`))
	require.NoError(t, err)

	for _, value := range []string{`2`, `2.0`, `"2"`, `true`, `7`} {
		field := "bucket"
		if value == "true" {
			field = "even"
		}
		indexed, err := items.Find(mustDoc(t, fmt.Sprintf(`{"%s": {"$eq": %s}}`, field, value)))
		require.NoError(t, err)
		scanned, err := items.Find(mustDoc(t, fmt.Sprintf(`{"%s": %s}`, field, value)))
		require.NoError(t, err)
		assert.Equal(t, names(t, scanned), names(t, indexed), "value %s", value)
	}
}

func TestFindLargeIntegerIDs(t *testing.T) {
	db := openDatabase(t, testSettings(t))
	items := newCollection(t, db, "items", nil)
	_, err := items.Insert(
		mustDoc(t, `{"id": 9007199254740992, "name": "low"}`),
		mustDoc(t, `{"id": 9007199254740993, "name": "high"}`),
	)
	require.NoError(t, err)

	for _, query := range []string{`{"id": 9007199254740993}`, `{"id": {"$eq": 9007199254740993}}`} {
		found, err := items.Find(mustDoc(t, query))
		require.NoError(t, err)
		assert.Equal(t, []string{"high"}, names(t, found), query)
	}
}

func TestSchemaValidationOnInsert(t *testing.T) {
	db := openDatabase(t, testSettings(t))
	users := newCollection(t, db, "users", &models.Schema{Fields: map[string]string{"name": "str", "age": "int"}})

	_, err := users.Insert(mustDoc(t, `{"name": "Bob"}`))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "age")

	_, err = users.Insert(mustDoc(t, `{"name": "Bob", "age": 30, "extra": 1}`))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "extra")

	// one bad document rejects the whole batch
	_, err = users.Insert(mustDoc(t, `{"name": "Ann", "age": 20}`), mustDoc(t, `{"name": "Bob", "age": "x"}`))
	assert.ErrorIs(t, err, ErrValidation)

	all, err := users.Find(models.Document{})
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = users.Insert(mustDoc(t, `{"name": "Bob", "age": 30}`))
	require.NoError(t, err)
}

func TestUpdate(t *testing.T) {
	db := openDatabase(t, testSettings(t))
	users := newCollection(t, db, "users", nil)
	_, err := users.Insert(
		mustDoc(t, `{"name": "Alice", "age": 28}`),
		mustDoc(t, `{"name": "Bob", "age": 35}`),
		mustDoc(t, `{"name": "Alice", "age": 52}`),
	)
	require.NoError(t, err)

	res, err := users.Update(mustDoc(t, `{"name": "Alice"}`), mustDoc(t, `{"status": "active"}`), mustDoc(t, `{"role": "admin"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	found, err := users.Find(mustDoc(t, `{"role": "admin", "status": "active"}`))
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.True(t, found[0].Equal(mustDoc(t, `{"name": "Alice", "age": 28, "status": "active", "role": "admin"}`)))

	// the index follows updated values
	indexed, err := users.Find(mustDoc(t, `{"status": {"$eq": "active"}}`))
	require.NoError(t, err)
	assert.Len(t, indexed, 2)

	res, err = users.Update(mustDoc(t, `{"name": "Nobody"}`), mustDoc(t, `{"x": 1}`))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)

	_, err = users.Update(mustDoc(t, `{"name": "Bob"}`))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdateValidatesMergedDocuments(t *testing.T) {
	db := openDatabase(t, testSettings(t))
	users := newCollection(t, db, "users", &models.Schema{Fields: map[string]string{"name": "str", "age": "int"}})
	_, err := users.Insert(mustDoc(t, `{"name": "Alice", "age": 28}`))
	require.NoError(t, err)

	_, err = users.Update(mustDoc(t, `{"name": "Alice"}`), mustDoc(t, `{"age": "old"}`))
	assert.ErrorIs(t, err, ErrValidation)
	_, err = users.Update(mustDoc(t, `{"name": "Alice"}`), mustDoc(t, `{"nickname": "Al"}`))
	assert.ErrorIs(t, err, ErrValidation)

	res, err := users.Update(mustDoc(t, `{"name": "Alice"}`), mustDoc(t, `{"age": 29}`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	found, err := users.Find(mustDoc(t, `{"age": 29}`))
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestDeleteShiftsPositions(t *testing.T) {
	db := openDatabase(t, testSettings(t))
	users := newCollection(t, db, "users", nil)
	_, err := users.Insert(
		mustDoc(t, `{"name": "Alice"}`),
		mustDoc(t, `{"name": "Bob"}`),
		mustDoc(t, `{"name": "Carol"}`),
	)
	require.NoError(t, err)

	res, err := users.Delete(mustDoc(t, `{"name": "Bob"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	all, err := users.Find(models.Document{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Carol"}, names(t, all))

	idx := db.indexes["users"]
	assert.Equal(t, []int{1}, idx.Query("name", models.String("Carol")))
	assert.Empty(t, idx.Query("name", models.String("Bob")))

	res, err = users.Delete(mustDoc(t, `{"name": "Nobody"}`))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)

	res, err = users.Delete(models.Document{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, 0, idx.Size())
}

func TestCollectionHandleAfterDrop(t *testing.T) {
	db := openDatabase(t, testSettings(t))
	users := newCollection(t, db, "users", nil)
	_, err := db.DropCollection("users")
	require.NoError(t, err)

	_, err = users.Insert(mustDoc(t, `{"name": "x"}`))
	assert.ErrorIs(t, err, ErrDatabase)
	_, err = users.Find(models.Document{})
	assert.ErrorIs(t, err, ErrDatabase)
	_, err = users.Update(models.Document{}, mustDoc(t, `{"a": 1}`))
	assert.ErrorIs(t, err, ErrDatabase)
	_, err = users.Delete(models.Document{})
	assert.ErrorIs(t, err, ErrDatabase)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	args := testSettings(t)
	args.Storage.Compression = settings.CompressionZstd

	db, err := NewDatabase("shop", args, nil)
	require.NoError(t, err)
	users := newCollection(t, db, "users", &models.Schema{Fields: map[string]string{"name": "str", "age": "int"}})
	orders := newCollection(t, db, "orders", nil)
	newCollection(t, db, "empty", nil)
	newCollection(t, db, "gone", nil)

	_, err = users.Insert(mustDoc(t, `{"name": "Alice", "age": 28}`), mustDoc(t, `{"name": "Bob", "age": 35}`))
	require.NoError(t, err)
	_, err = orders.Insert(mustDoc(t, `{"user": "Alice", "items": [{"sku": "a1", "qty": 2}], "total": 9.5}`))
	require.NoError(t, err)
	_, err = db.DropCollection("gone")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := NewDatabase("shop", args, nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, []string{"empty", "orders", "users"}, reopened.ListCollections())
	schema, ok := reopened.Schema("users")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"name": "str", "age": "int"}, schema.Fields)

	ru, err := reopened.GetCollection("users")
	require.NoError(t, err)
	found, err := ru.Find(mustDoc(t, `{"name": {"$eq": "Bob"}}`))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.True(t, found[0]["age"].IsIntegral())

	ro, err := reopened.GetCollection("orders")
	require.NoError(t, err)
	found, err = ro.Find(mustDoc(t, `{"total": 9.5}`))
	require.NoError(t, err)
	require.Len(t, found, 1)

	// schemas are enforced after reload
	_, err = ru.Insert(mustDoc(t, `{"name": "Eve"}`))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSaveFailureSurfacesAsDatabaseError(t *testing.T) {
	db := openDatabase(t, testSettings(t))
	users := newCollection(t, db, "users", nil)
	db.storage.freeSpace = func(string) (uint64, error) { return 0, nil }

	_, err := users.Insert(mustDoc(t, `{"name": "Alice"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDatabase)
	assert.ErrorIs(t, err, ErrStorage)
	assert.NotErrorIs(t, err, ErrValidation)

	assert.ErrorIs(t, db.Save(), ErrStorage)
}

func TestNulFieldNamesNeverReachStorage(t *testing.T) {
	args := testSettings(t)
	db, err := NewDatabase("shop", args, nil)
	require.NoError(t, err)
	users := newCollection(t, db, "users", nil)

	_, err = users.Insert(mustDoc(t, `{"name": "ok"}`))
	require.NoError(t, err)

	update, err := ParseCommand(`users.update{{"name": "ok"}, {"a\u0000b": 1}}`)
	require.NoError(t, err)
	_, err = users.Update(update.Query, update.Data...)
	assert.ErrorIs(t, err, ErrValidation)

	add, err := ParseCommand(`users.add{{"meta": {"k\u0000": 1}}}`)
	require.NoError(t, err)
	_, err = users.Insert(add.Data...)
	assert.ErrorIs(t, err, ErrValidation)

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	_, err = users.Insert(add.Data...)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, tx.Operations())
	require.NoError(t, tx.Rollback())

	create, err := ParseCommand(`other.create{"fields": {"a\u0000": "int"}}`)
	require.NoError(t, err)
	assert.ErrorIs(t, db.CreateCollection(create.Collection, create.Schema), ErrValidation)

	// the database still saves after the rejected writes
	_, err = users.Insert(mustDoc(t, `{"name": "second"}`))
	require.NoError(t, err)
	newCollection(t, db, "other", nil)
	require.NoError(t, db.Close())

	reopened, err := NewDatabase("shop", args, nil)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, []string{"other", "users"}, reopened.ListCollections())
	ru, err := reopened.GetCollection("users")
	require.NoError(t, err)
	found, err := ru.Find(models.Document{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok", "second"}, names(t, found))
}

func TestConcurrentWriters(t *testing.T) {
	db := openDatabase(t, testSettings(t))
	for _, name := range []string{"a", "b", "c"} {
		newCollection(t, db, name, nil)
	}

	var g errgroup.Group
	for _, name := range []string{"a", "b", "c"} {
		for w := 0; w < 4; w++ {
			g.Go(func() error {
				coll, err := db.GetCollection(name)
				if err != nil {
					return err
				}
				for i := 0; i < 10; i++ {
					doc := models.Document{"writer": models.Int(int64(w)), "seq": models.Int(int64(i))}
					if _, err := coll.Insert(doc); err != nil {
						return err
					}
					if _, err := coll.Find(models.Document{"writer": models.Int(int64(w))}); err != nil {
						return err
					}
				}
				return nil
			})
		}
	}
	require.NoError(t, g.Wait())

	for _, name := range []string{"a", "b", "c"} {
		coll, err := db.GetCollection(name)
		require.NoError(t, err)
		all, err := coll.Find(models.Document{})
		require.NoError(t, err)
		assert.Len(t, all, 40, name)
		assert.Equal(t, 80, db.indexes[name].Size(), "two fields per document")
	}
}

func TestTransactionDefersMutations(t *testing.T) {
	db := openDatabase(t, testSettings(t))
	users := newCollection(t, db, "users", nil)

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	assert.Same(t, tx, db.CurrentTransaction())

	res, err := users.Insert(mustDoc(t, `{"name": "Alice", "age": 28}`))
	require.NoError(t, err)
	assert.True(t, res.Deferred)

	all, err := users.Find(models.Document{})
	require.NoError(t, err)
	assert.Empty(t, all)

	res, err = users.Update(mustDoc(t, `{"name": "Alice"}`), mustDoc(t, `{"age": 29}`))
	require.NoError(t, err)
	assert.True(t, res.Deferred)

	ops := tx.Operations()
	require.Len(t, ops, 2)
	assert.IsType(t, InsertOp{}, ops[0])
	assert.IsType(t, UpdateOp{}, ops[1])

	require.NoError(t, tx.Commit())
	assert.False(t, tx.Active())
	assert.Nil(t, db.CurrentTransaction())

	all, err = users.Find(models.Document{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Equal(mustDoc(t, `{"name": "Alice", "age": 29}`)))
}

func TestTransactionInsertIsIsolatedFromCaller(t *testing.T) {
	db := openDatabase(t, testSettings(t))
	users := newCollection(t, db, "users", nil)

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	doc := mustDoc(t, `{"name": "Alice"}`)
	_, err = users.Insert(doc)
	require.NoError(t, err)
	doc["name"] = models.String("changed")
	require.NoError(t, tx.Commit())

	all, err := users.Find(models.Document{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice"}, names(t, all))
}

func TestTransactionStates(t *testing.T) {
	db := openDatabase(t, testSettings(t))

	tx, err := db.BeginTransaction()
	require.NoError(t, err)

	_, err = db.BeginTransaction()
	assert.ErrorIs(t, err, ErrTransaction)
	assert.ErrorIs(t, tx.Begin(), ErrTransaction)

	require.NoError(t, tx.Rollback())
	assert.NoError(t, tx.Rollback(), "rollback while inactive is a no-op")
	assert.ErrorIs(t, tx.Commit(), ErrTransaction)
	assert.ErrorIs(t, tx.Log(DeleteOp{CollectionName: "users"}), ErrTransaction)

	// a finished transaction can be begun again
	require.NoError(t, tx.Begin())
	assert.True(t, tx.Active())
	other := newTransaction(db)
	assert.ErrorIs(t, other.Begin(), ErrTransaction)
	require.NoError(t, tx.Commit())
}

func TestTransactionRollbackDiscards(t *testing.T) {
	db := openDatabase(t, testSettings(t))
	users := newCollection(t, db, "users", nil)
	_, err := users.Insert(mustDoc(t, `{"name": "Alice"}`))
	require.NoError(t, err)

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	_, err = users.Delete(models.Document{})
	require.NoError(t, err)
	deferred, err := db.DropCollection("users")
	require.NoError(t, err)
	assert.True(t, deferred)
	require.NoError(t, tx.Rollback())

	assert.Equal(t, []string{"users"}, db.ListCollections())
	all, err := users.Find(models.Document{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTransactionDeferredDrop(t *testing.T) {
	db := openDatabase(t, testSettings(t))
	newCollection(t, db, "temp", nil)

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	deferred, err := db.DropCollection("temp")
	require.NoError(t, err)
	assert.True(t, deferred)
	assert.Equal(t, []string{"temp"}, db.ListCollections())

	require.NoError(t, tx.Commit())
	assert.Empty(t, db.ListCollections())
}

func TestTransactionPartialCommit(t *testing.T) {
	db := openDatabase(t, testSettings(t))
	users := newCollection(t, db, "users", nil)
	newCollection(t, db, "temp", nil)

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	_, err = users.Insert(mustDoc(t, `{"name": "Alice"}`))
	require.NoError(t, err)
	_, err = db.DropCollection("temp")
	require.NoError(t, err)
	// the second drop fails at commit time because the first removed it
	_, err = db.DropCollection("temp")
	require.NoError(t, err)
	_, err = users.Insert(mustDoc(t, `{"name": "Bob"}`))
	require.NoError(t, err)

	err = tx.Commit()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransaction)
	assert.Contains(t, err.Error(), "operation 2")
	assert.False(t, tx.Active())

	all, err := users.Find(models.Document{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice"}, names(t, all), "operations before the failure stay applied")
	assert.Equal(t, []string{"users"}, db.ListCollections())
}

func TestTransactionJournal(t *testing.T) {
	args := testSettings(t)
	args.Journal.Directory = filepath.Join(t.TempDir(), "journal")
	db := openDatabase(t, args)
	users := newCollection(t, db, "users", nil)

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	_, err = users.Insert(mustDoc(t, `{"name": "Alice"}`))
	require.NoError(t, err)
	_, err = users.Delete(mustDoc(t, `{"name": "Bob"}`))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, err := db.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())

	data, err := os.ReadFile(db.journal.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], tx.ID+" | INSERT | users | [{\"name\":\"Alice\"}]")
	assert.Contains(t, lines[1], tx.ID+" | DELETE | users | query={\"name\":\"Bob\"}")
	assert.Contains(t, lines[2], tx.ID+" | COMMIT |  | 2 operations")
	assert.Contains(t, lines[3], tx2.ID+" | ROLLBACK |  | 0 operations discarded")
}
