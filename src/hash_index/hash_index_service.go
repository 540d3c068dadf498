package hashindex

import (
	"github.com/RoaringBitmap/roaring/v2"
	"go.uber.org/zap"

	"kitedb/src/models"
)

// NewIndexManager creates an empty index for the named collection
func NewIndexManager(collection string, logger *zap.SugaredLogger) *IndexManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &IndexManager{
		collection: collection,
		fields:     make(map[string]*fieldIndex),
		logger:     logger,
	}
}

// Add registers pos under (field, value). Registering a pair twice is a no-op.
func (im *IndexManager) Add(field string, value models.Value, pos int) {
	fi, ok := im.fields[field]
	if !ok {
		fi = &fieldIndex{buckets: make(map[uint64][]*indexEntry, initialBucketCount)}
		im.fields[field] = fi
	}

	entry, hash := fi.lookup(value)
	if entry == nil {
		entry = &indexEntry{value: value.Clone(), positions: roaring.New()}
		fi.buckets[hash] = append(fi.buckets[hash], entry)
		fi.values++
	}
	if !entry.positions.CheckedAdd(uint32(pos)) {
		return
	}
	im.size++
	im.checkAdvisory(field)
}

// Remove unregisters pos from (field, value), dropping the value once no
// position refers to it.
func (im *IndexManager) Remove(field string, value models.Value, pos int) {
	fi, ok := im.fields[field]
	if !ok {
		return
	}
	entry, hash := fi.lookup(value)
	if entry == nil || !entry.positions.CheckedRemove(uint32(pos)) {
		return
	}
	im.size--
	if entry.positions.IsEmpty() {
		fi.dropEntry(hash, entry)
		if fi.values == 0 {
			delete(im.fields, field)
		}
	}
	if im.size <= AdvisoryThreshold {
		im.warned = false
	}
}

// AddBulk registers every top-level field of doc at pos.
func (im *IndexManager) AddBulk(doc models.Document, pos int) {
	for field, value := range doc {
		im.Add(field, value, pos)
	}
}

// RemoveBulk unregisters every top-level field of doc at pos.
func (im *IndexManager) RemoveBulk(doc models.Document, pos int) {
	for field, value := range doc {
		im.Remove(field, value, pos)
	}
}

// Reindex replaces the registrations of old with those of updated at pos.
func (im *IndexManager) Reindex(old, updated models.Document, pos int) {
	im.RemoveBulk(old, pos)
	im.AddBulk(updated, pos)
}

// Rebuild discards every registration and indexes docs by their position
// in the slice.
func (im *IndexManager) Rebuild(docs []models.Document) {
	im.fields = make(map[string]*fieldIndex)
	im.size = 0
	im.warned = false
	for pos, doc := range docs {
		im.AddBulk(doc, pos)
	}
	im.logger.Debugf("Rebuilt index for collection %s: %d documents, %d entries", im.collection, len(docs), im.size)
}

// Query returns the positions registered under (field, value) in ascending
// order, or an empty slice.
func (im *IndexManager) Query(field string, value models.Value) []int {
	fi, ok := im.fields[field]
	if !ok {
		return []int{}
	}
	entry, _ := fi.lookup(value)
	if entry == nil {
		return []int{}
	}
	out := make([]int, 0, entry.positions.GetCardinality())
	it := entry.positions.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}

// Size returns the number of live (field, value, position) registrations.
func (im *IndexManager) Size() int { return im.size }

// Fields returns how many distinct values each indexed field holds.
func (im *IndexManager) Fields() map[string]int {
	out := make(map[string]int, len(im.fields))
	for name, fi := range im.fields {
		out[name] = fi.values
	}
	return out
}

func (im *IndexManager) checkAdvisory(field string) {
	if im.size <= AdvisoryThreshold || im.warned {
		return
	}
	im.warned = true
	im.logger.Warnf("Index for collection %s exceeds %d entries (latest field %s); consider persistent indexing",
		im.collection, AdvisoryThreshold, field)
}
