package hashindex

import (
	"github.com/RoaringBitmap/roaring/v2"
	"go.uber.org/zap"

	"kitedb/src/models"
)

// Constants for the index
const (
	// AdvisoryThreshold is the live entry count past which the index logs a
	// suggestion to move to persistent indexing.
	AdvisoryThreshold = 100000

	initialBucketCount = 16
)

// IndexManager maps (top-level field, value) pairs to document positions
// for one collection. It is not safe for concurrent use; the owning
// collection's lock guards it.
type IndexManager struct {
	collection string
	fields     map[string]*fieldIndex
	size       int  // live (field, value, position) registrations
	warned     bool // advisory already logged for the current crossing
	logger     *zap.SugaredLogger
}

// fieldIndex hashes values into buckets; entries in one bucket are
// distinguished by value equality.
type fieldIndex struct {
	buckets map[uint64][]*indexEntry
	values  int
}

type indexEntry struct {
	value     models.Value
	positions *roaring.Bitmap
}

// lookup finds the entry holding value, if any, and its bucket hash.
func (fi *fieldIndex) lookup(value models.Value) (*indexEntry, uint64) {
	hash := hashKey(value)
	for _, e := range fi.buckets[hash] {
		if e.value.Equal(value) {
			return e, hash
		}
	}
	return nil, hash
}

func (fi *fieldIndex) dropEntry(hash uint64, target *indexEntry) {
	bucket := fi.buckets[hash]
	for i, e := range bucket {
		if e == target {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(fi.buckets, hash)
	} else {
		fi.buckets[hash] = bucket
	}
	fi.values--
}
