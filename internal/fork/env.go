// Package fork implements the forked-state backend: a shared, append-only
// cache of remote chain state fronted by a synchronous read facade, with a
// single handler goroutine coalescing concurrent fetches per key.
package fork

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// RecentHashWindow is how far back the env's block hash window reaches from
// the pinned block, matching the interpreter's BLOCKHASH horizon.
const RecentHashWindow = 256

// Env is the static per-fork execution context: block-level fields, chain id,
// and a bounded window of recent block hashes. It is built once when the fork
// session starts and treated as read-only from then on; nothing in it is ever
// fetched or cached dynamically.
type Env struct {
	ChainID     *big.Int
	GasPrice    *big.Int
	Origin      common.Address
	Coinbase    common.Address
	BlockNumber *big.Int
	Time        uint64
	Difficulty  *big.Int
	GasLimit    uint64
	BaseFee     *big.Int

	// RecentHashes maps block number to hash for blocks inside the window
	// ending at BlockNumber. Populate at construction only.
	RecentHashes map[uint64]common.Hash
}

// NewEnv returns an env with zero values and non-nil numeric fields
func NewEnv() *Env {
	return &Env{
		ChainID:      big.NewInt(1),
		GasPrice:     new(big.Int),
		BlockNumber:  new(big.Int),
		Difficulty:   new(big.Int),
		BaseFee:      new(big.Int),
		RecentHashes: make(map[uint64]common.Hash),
	}
}

// EnvFromHeader builds the fork env from a fetched chain header. GasPrice
// defaults to the header's base fee.
func EnvFromHeader(chainID *big.Int, header *types.Header) *Env {
	env := &Env{
		ChainID:      new(big.Int).Set(chainID),
		GasPrice:     new(big.Int),
		Coinbase:     header.Coinbase,
		BlockNumber:  new(big.Int).Set(header.Number),
		Time:         header.Time,
		Difficulty:   new(big.Int),
		GasLimit:     header.GasLimit,
		BaseFee:      new(big.Int),
		RecentHashes: map[uint64]common.Hash{},
	}
	if header.Difficulty != nil {
		env.Difficulty.Set(header.Difficulty)
	}
	if header.BaseFee != nil {
		env.BaseFee.Set(header.BaseFee)
		env.GasPrice.Set(header.BaseFee)
	}
	if header.Number.Sign() > 0 {
		env.RecentHashes[header.Number.Uint64()-1] = header.ParentHash
	}
	return env
}

// RecentBlockHash resolves number against the hash window. It only answers
// for blocks in (BlockNumber-RecentHashWindow, BlockNumber); anything else
// falls through to the backend's fetch path.
func (e *Env) RecentBlockHash(number uint64) (common.Hash, bool) {
	if e.BlockNumber == nil || !e.BlockNumber.IsUint64() {
		return common.Hash{}, false
	}
	head := e.BlockNumber.Uint64()
	if number >= head || head-number > RecentHashWindow {
		return common.Hash{}, false
	}
	h, ok := e.RecentHashes[number]
	return h, ok
}
