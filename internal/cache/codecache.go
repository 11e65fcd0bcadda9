package cache

import (
	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultCodeCacheBytes bounds the code cache at 32 MB, fastcache's minimum
// allocation. Contract code is capped at 24 KB by the protocol, well under
// fastcache's 64 KB entry limit.
const DefaultCodeCacheBytes = 32 * 1024 * 1024

// CodeCache is a bounded, session-shared cache of contract bytecode keyed by
// code hash. Code is immutable once deployed, so entries never need
// invalidation; fastcache evicts oldest entries under memory pressure.
type CodeCache struct {
	cache *fastcache.Cache
}

// NewCodeCache creates a code cache bounded to maxBytes (minimum 32 MB
// enforced by fastcache)
func NewCodeCache(maxBytes int) *CodeCache {
	if maxBytes <= 0 {
		maxBytes = DefaultCodeCacheBytes
	}
	return &CodeCache{cache: fastcache.New(maxBytes)}
}

// Add stores code under its keccak hash and returns that hash. Empty code
// maps to the canonical empty code hash and is not stored.
func (cc *CodeCache) Add(code []byte) common.Hash {
	if len(code) == 0 {
		return crypto.Keccak256Hash(nil)
	}
	hash := crypto.Keccak256Hash(code)
	cc.cache.Set(hash.Bytes(), code)
	return hash
}

// Get returns the code for a hash, nil when absent
func (cc *CodeCache) Get(hash common.Hash) []byte {
	if v := cc.cache.Get(nil, hash.Bytes()); len(v) > 0 {
		return v
	}
	return nil
}

// Has reports whether code for the hash is cached
func (cc *CodeCache) Has(hash common.Hash) bool {
	return cc.cache.Has(hash.Bytes())
}

// Reset drops all cached code
func (cc *CodeCache) Reset() {
	cc.cache.Reset()
}
