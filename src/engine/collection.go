package engine

import (
	"fmt"
	"strings"

	"kitedb/src/models"
)

// Result describes the outcome of a mutation. Deferred is set when the
// mutation was logged to the active transaction instead of applied.
type Result struct {
	Deferred  bool
	Positions []int // insert: positions assigned to the new documents
	Count     int   // update and delete: documents affected
}

// Collection is a handle bound to one collection of a database. It holds no
// state of its own.
type Collection struct {
	db   *Database
	Name string
}

// Insert appends documents to the collection, or logs them to the active
// transaction.
func (c *Collection) Insert(docs ...models.Document) (res Result, err error) {
	defer func() { c.db.metrics.observeOp("insert", res.Deferred, err) }()

	if len(docs) == 0 {
		return Result{}, validationErrorf("insert", "no documents to insert")
	}
	if err := c.validateAll(docs); err != nil {
		return Result{}, err
	}

	owned := cloneDocuments(docs)
	deferred, err := c.db.deferIfActive(InsertOp{CollectionName: c.Name, Documents: owned})
	if err != nil {
		return Result{}, err
	}
	if deferred {
		c.db.logger.Debugf("Logged insert in %s: %d documents", c.Name, len(owned))
		return Result{Deferred: true}, nil
	}

	positions, err := c.db.insertNow(c.Name, owned)
	if err != nil {
		return Result{}, err
	}
	return Result{Positions: positions, Count: len(positions)}, nil
}

// Find returns independent copies of the documents matching query in
// position order. An empty query returns every document.
func (c *Collection) Find(query models.Document) (docs []models.Document, err error) {
	defer func() { c.db.metrics.observeOp("find", false, err) }()

	lock := c.db.collectionLock(c.Name)
	lock.Lock()
	defer lock.Unlock()

	c.db.stateMu.RLock()
	all, ok := c.db.collections[c.Name]
	idx := c.db.indexes[c.Name]
	c.db.stateMu.RUnlock()
	if !ok {
		return nil, collectionNotFound("find", c.Name)
	}

	results := []models.Document{}
	if len(query) == 0 {
		for _, doc := range all {
			results = append(results, doc.Clone())
		}
		c.db.logger.Infof("Find in %s with empty query returned %d docs", c.Name, len(results))
		return results, nil
	}

	if field, value, ok := indexedEquality(query); ok {
		for _, pos := range idx.Query(field, value) {
			results = append(results, all[pos].Clone())
		}
		c.db.logger.Infof("Find in %s with indexed query %s returned %d docs", c.Name, query, len(results))
		return results, nil
	}

	for _, doc := range all {
		matched, err := Match(doc, query)
		if err != nil {
			return nil, err
		}
		if matched {
			results = append(results, doc.Clone())
		}
	}
	c.db.logger.Infof("Find in %s with query %s returned %d docs", c.Name, query, len(results))
	return results, nil
}

// indexedEquality recognizes {"field": {"$eq": value}} on a top-level field,
// the only shape the index can answer.
func indexedEquality(query models.Document) (string, models.Value, bool) {
	if len(query) != 1 {
		return "", models.Value{}, false
	}
	for field, cond := range query {
		if strings.HasPrefix(field, "$") || strings.Contains(field, ".") {
			return "", models.Value{}, false
		}
		ops, ok := cond.AsObject()
		if !ok || len(ops) != 1 {
			return "", models.Value{}, false
		}
		value, ok := ops[OpEq]
		return field, value, ok
	}
	return "", models.Value{}, false
}

// Update applies the patches, in order, to every document matching query.
func (c *Collection) Update(query models.Document, patches ...models.Document) (res Result, err error) {
	defer func() { c.db.metrics.observeOp("update", res.Deferred, err) }()

	if len(patches) == 0 {
		return Result{}, validationErrorf("update", "no update given")
	}
	schema := c.db.schemaFor(c.Name)
	for _, patch := range patches {
		if err := validatePatch(schema, patch); err != nil {
			return Result{}, err
		}
	}

	op := UpdateOp{CollectionName: c.Name, Query: query.Clone(), Patches: cloneDocuments(patches)}
	deferred, err := c.db.deferIfActive(op)
	if err != nil {
		return Result{}, err
	}
	if deferred {
		c.db.logger.Debugf("Logged update in %s: query=%s, updates=%d", c.Name, query, len(patches))
		return Result{Deferred: true}, nil
	}

	count, err := c.db.updateNow(c.Name, op.Query, op.Patches)
	if err != nil {
		return Result{}, err
	}
	return Result{Count: count}, nil
}

// Delete removes every document matching query. Later documents shift
// down to fill the gaps.
func (c *Collection) Delete(query models.Document) (res Result, err error) {
	defer func() { c.db.metrics.observeOp("delete", res.Deferred, err) }()

	deferred, err := c.db.deferIfActive(DeleteOp{CollectionName: c.Name, Query: query.Clone()})
	if err != nil {
		return Result{}, err
	}
	if deferred {
		c.db.logger.Debugf("Logged delete in %s: query=%s", c.Name, query)
		return Result{Deferred: true}, nil
	}

	count, err := c.db.deleteNow(c.Name, query)
	if err != nil {
		return Result{}, err
	}
	return Result{Count: count}, nil
}

func (c *Collection) validateAll(docs []models.Document) error {
	schema := c.db.schemaFor(c.Name)
	for _, doc := range docs {
		if doc == nil {
			return validationErrorf("insert", "document must be an object")
		}
		if err := ValidateDocument(schema, doc); err != nil {
			return err
		}
	}
	return nil
}

// validatePatch checks the fields a patch sets: each must be declared and
// have the declared type. Completeness is checked on the merged document.
func validatePatch(schema *models.Schema, patch models.Document) error {
	if patch == nil {
		return validationErrorf("update", "update must be an object")
	}
	if err := ValidateKeys(patch); err != nil {
		return err
	}
	if schema.IsEmpty() {
		return nil
	}
	for _, field := range patch.Keys() {
		typeName, ok := schema.Fields[field]
		if !ok {
			return validationErrorf("validate", "unexpected field in document: %s", field)
		}
		fieldType, err := models.ParseFieldType(typeName)
		if err != nil {
			return validationErrorf("validate", "unknown type in schema: %s", typeName)
		}
		if !fieldType.Accepts(patch[field]) {
			return validationErrorf("validate", "field %s must be of type %s, got %s", field, typeName, describeKind(patch[field]))
		}
	}
	return nil
}

func cloneDocuments(docs []models.Document) []models.Document {
	out := make([]models.Document, len(docs))
	for i, doc := range docs {
		out[i] = doc.Clone()
	}
	return out
}

// insertNow appends docs and persists. The documents must already be owned
// by the database.
func (db *Database) insertNow(name string, docs []models.Document) ([]int, error) {
	lock := db.collectionLock(name)
	lock.Lock()
	defer lock.Unlock()

	schema := db.schemaFor(name)
	for _, doc := range docs {
		if err := ValidateDocument(schema, doc); err != nil {
			return nil, err
		}
	}

	db.stateMu.Lock()
	existing, ok := db.collections[name]
	if !ok {
		db.stateMu.Unlock()
		return nil, collectionNotFound("insert", name)
	}
	idx := db.indexes[name]
	start := len(existing)
	positions := make([]int, len(docs))
	for i, doc := range docs {
		positions[i] = start + i
		idx.AddBulk(doc, start+i)
	}
	// appending never touches elements a persist snapshot can see
	db.collections[name] = append(existing, docs...)
	db.stateMu.Unlock()

	if err := db.persist(); err != nil {
		return nil, wrapError("insert", err)
	}
	db.logger.Infof("Inserted %d documents into %s", len(docs), name)
	return positions, nil
}

// updateNow merges patches into every match and persists when anything
// changed. All merged documents are validated before any is stored.
func (db *Database) updateNow(name string, query models.Document, patches []models.Document) (int, error) {
	lock := db.collectionLock(name)
	lock.Lock()
	defer lock.Unlock()

	db.stateMu.RLock()
	existing, ok := db.collections[name]
	idx := db.indexes[name]
	schema := db.schemas[name]
	db.stateMu.RUnlock()
	if !ok {
		return 0, collectionNotFound("update", name)
	}

	type change struct {
		pos           int
		before, after models.Document
	}
	var changes []change
	for pos, doc := range existing {
		matched, err := Match(doc, query)
		if err != nil {
			return 0, err
		}
		if !matched {
			continue
		}
		merged := doc
		for _, patch := range patches {
			merged = merged.Merge(patch)
		}
		if err := ValidateDocument(schema, merged); err != nil {
			return 0, err
		}
		changes = append(changes, change{pos: pos, before: doc, after: merged})
	}
	if len(changes) == 0 {
		db.logger.Infof("Updated 0 docs in %s with query %s", name, query)
		return 0, nil
	}

	updated := make([]models.Document, len(existing))
	copy(updated, existing)
	for _, ch := range changes {
		updated[ch.pos] = ch.after
		idx.Reindex(ch.before, ch.after, ch.pos)
	}
	db.stateMu.Lock()
	db.collections[name] = updated
	db.stateMu.Unlock()

	if err := db.persist(); err != nil {
		return 0, wrapError("update", err)
	}
	db.logger.Infof("Updated %d docs in %s with query %s", len(changes), name, query)
	return len(changes), nil
}

// deleteNow removes every match, compacts the sequence and rebuilds the
// index for the shifted positions.
func (db *Database) deleteNow(name string, query models.Document) (int, error) {
	lock := db.collectionLock(name)
	lock.Lock()
	defer lock.Unlock()

	db.stateMu.RLock()
	existing, ok := db.collections[name]
	idx := db.indexes[name]
	db.stateMu.RUnlock()
	if !ok {
		return 0, collectionNotFound("delete", name)
	}

	kept := make([]models.Document, 0, len(existing))
	for _, doc := range existing {
		matched, err := Match(doc, query)
		if err != nil {
			return 0, err
		}
		if !matched {
			kept = append(kept, doc)
		}
	}
	count := len(existing) - len(kept)
	if count == 0 {
		db.logger.Infof("Deleted 0 docs from %s with query %s", name, query)
		return 0, nil
	}

	idx.Rebuild(kept)
	db.stateMu.Lock()
	db.collections[name] = kept
	db.stateMu.Unlock()

	if err := db.persist(); err != nil {
		return 0, wrapError("delete", err)
	}
	db.logger.Infof("Deleted %d docs from %s with query %s", count, name, query)
	return count, nil
}

func (c *Collection) String() string {
	return fmt.Sprintf("%s.%s", c.db.Name, c.Name)
}
