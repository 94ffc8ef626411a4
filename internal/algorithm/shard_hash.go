package algorithm

import (
	"crypto/sha256"
	"encoding/binary"
)

// ShardHash hashes an entity identity. The type is hashed first, then a zero
// separator, then the id, so ("ab","c") and ("a","bc") never collide.
func ShardHash(entityType, persistID string) uint64 {
	h := sha256.New()
	h.Write([]byte(entityType))
	h.Write([]byte{0})
	h.Write([]byte(persistID))
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// ShardForKey maps an entity to a shard in [0, shardCount).
// The mapping is stable across processes and releases.
func ShardForKey(entityType, persistID string, shardCount uint32) uint32 {
	if shardCount == 0 {
		return 0
	}
	return uint32(ShardHash(entityType, persistID) % uint64(shardCount))
}
