package hashindex

import (
	"hash/fnv"

	"kitedb/src/models"
)

// hashKey computes the bucket hash of a value from its canonical key, so
// values that compare equal (1 and 1.0) land in the same bucket.
func hashKey(v models.Value) uint64 {
	h := fnv.New64a()
	h.Write([]byte(v.Key()))
	return h.Sum64()
}
