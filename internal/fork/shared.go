package fork

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/forkdb-experiment/forkdb/internal/cache"
)

// SharedBackend is the synchronous read facade over the handler. Handles are
// cheap to clone and safe to use from any goroutine; every clone shares the
// same cache, env and handler. Reads block until answered and never fail:
// after a fetch error, or once the backend is closed, they return zero
// values.
type SharedBackend struct {
	h   *Handler
	env *Env
	db  *cache.BlockchainDB
	log log.Logger
}

// Clone returns a new handle on the same backend. Concurrent use of clones
// is the intended way to share one fork across workers.
func (b *SharedBackend) Clone() *SharedBackend {
	return &SharedBackend{h: b.h, env: b.env, db: b.db, log: b.log}
}

// Close shuts the backend down. It blocks until the handler has answered
// every outstanding request and finished every in-flight fetch, then flushes
// the disk cache if one is attached. Reads issued after Close return zero
// values.
func (b *SharedBackend) Close() {
	b.h.Close()
}

// Exists reports whether the account is non-empty at the pinned block: any
// of nonce, balance or code set.
func (b *SharedBackend) Exists(addr common.Address) bool {
	req := &request{kind: reqExists, addr: addr, existsCh: make(chan bool, 1)}
	if !b.send(req) {
		return false
	}
	select {
	case v := <-req.existsCh:
		return v
	case <-b.h.done:
		return b.lateExists(req)
	}
}

// Basic returns the account's nonce and balance. Missing or failed accounts
// read as nonce 0, balance 0.
func (b *SharedBackend) Basic(addr common.Address) cache.BasicAccount {
	req := &request{kind: reqBasic, addr: addr, basicCh: make(chan cache.BasicAccount, 1)}
	if !b.send(req) {
		return zeroBasic()
	}
	select {
	case v := <-req.basicCh:
		return v
	case <-b.h.done:
		return b.lateBasic(req)
	}
}

// Code returns the account's bytecode. The caller owns the returned slice.
func (b *SharedBackend) Code(addr common.Address) []byte {
	req := &request{kind: reqCode, addr: addr, codeCh: make(chan []byte, 1)}
	if !b.send(req) {
		return nil
	}
	select {
	case v := <-req.codeCh:
		return v
	case <-b.h.done:
		return b.lateCode(req)
	}
}

// Storage returns the value of one storage slot at the pinned block.
func (b *SharedBackend) Storage(addr common.Address, slot common.Hash) common.Hash {
	req := &request{kind: reqStorage, addr: addr, slot: slot, valueCh: make(chan common.Hash, 1)}
	if !b.send(req) {
		return common.Hash{}
	}
	return b.waitHash(req)
}

// BlockHash resolves a block number to its hash. Numbers inside the env's
// recent window are answered locally; older ones go through the cache and
// fetch path.
func (b *SharedBackend) BlockHash(number uint64) common.Hash {
	if hash, ok := b.env.RecentBlockHash(number); ok {
		return hash
	}
	req := &request{kind: reqBlockHash, number: number, valueCh: make(chan common.Hash, 1)}
	if !b.send(req) {
		return common.Hash{}
	}
	return b.waitHash(req)
}

// send hands a request to the handler. It blocks while the queue is full and
// returns false only when the backend is closed.
func (b *SharedBackend) send(req *request) bool {
	if b.h.closed.Load() {
		b.log.Trace("backend closed, dropping request", "kind", req.kind)
		return false
	}
	select {
	case b.h.reqCh <- req:
		return true
	case <-b.h.done:
		b.log.Trace("backend shut down before accepting request", "kind", req.kind)
		return false
	}
}

// waitHash blocks for a hash-valued reply, falling back to the zero hash if
// the handler exits first.
func (b *SharedBackend) waitHash(req *request) common.Hash {
	select {
	case v := <-req.valueCh:
		return v
	case <-b.h.done:
		// The drain may have answered just as the handler exited. Prefer
		// the real value when both are ready.
		select {
		case v := <-req.valueCh:
			return v
		default:
			b.log.Trace("backend shut down before reply", "kind", req.kind)
			return common.Hash{}
		}
	}
}

func (b *SharedBackend) lateExists(req *request) bool {
	select {
	case v := <-req.existsCh:
		return v
	default:
		b.log.Trace("backend shut down before reply", "kind", req.kind)
		return false
	}
}

func (b *SharedBackend) lateBasic(req *request) cache.BasicAccount {
	select {
	case v := <-req.basicCh:
		return v
	default:
		b.log.Trace("backend shut down before reply", "kind", req.kind)
		return zeroBasic()
	}
}

func (b *SharedBackend) lateCode(req *request) []byte {
	select {
	case v := <-req.codeCh:
		return v
	default:
		b.log.Trace("backend shut down before reply", "kind", req.kind)
		return nil
	}
}

func zeroBasic() cache.BasicAccount {
	return cache.BasicAccount{Balance: new(uint256.Int)}
}

// Env returns the fork's static execution context.
func (b *SharedBackend) Env() *Env {
	return b.env
}

// ChainID returns the forked chain's id.
func (b *SharedBackend) ChainID() *big.Int {
	return new(big.Int).Set(b.env.ChainID)
}

// BlockNumber returns the pinned block number.
func (b *SharedBackend) BlockNumber() *big.Int {
	return new(big.Int).Set(b.env.BlockNumber)
}

// GasPrice returns the env gas price.
func (b *SharedBackend) GasPrice() *big.Int {
	return new(big.Int).Set(b.env.GasPrice)
}

// BaseFee returns the pinned block's base fee.
func (b *SharedBackend) BaseFee() *big.Int {
	return new(big.Int).Set(b.env.BaseFee)
}

// Difficulty returns the pinned block's difficulty.
func (b *SharedBackend) Difficulty() *big.Int {
	return new(big.Int).Set(b.env.Difficulty)
}

// Origin returns the default transaction origin.
func (b *SharedBackend) Origin() common.Address {
	return b.env.Origin
}

// Coinbase returns the pinned block's coinbase.
func (b *SharedBackend) Coinbase() common.Address {
	return b.env.Coinbase
}

// Timestamp returns the pinned block's timestamp.
func (b *SharedBackend) Timestamp() uint64 {
	return b.env.Time
}

// GasLimit returns the pinned block's gas limit.
func (b *SharedBackend) GasLimit() uint64 {
	return b.env.GasLimit
}

// DB exposes the shared cache for direct inspection.
func (b *SharedBackend) DB() *cache.BlockchainDB {
	return b.db
}

// Stats returns the shared cache counters.
func (b *SharedBackend) Stats() *cache.Stats {
	return b.db.Stats()
}

// UpdateAccounts merges locally computed account state into the cache. The
// handler applies it in order with everything else; the caller must not
// reuse the map afterwards.
func (b *SharedBackend) UpdateAccounts(accounts map[common.Address]cache.AccountEntry) {
	b.send(&request{kind: reqUpdateAccounts, accounts: accounts})
}

// UpdateStorage merges locally computed slot values for one account into the
// cache. The caller must not reuse the map afterwards.
func (b *SharedBackend) UpdateStorage(addr common.Address, slots map[common.Hash]common.Hash) {
	b.send(&request{kind: reqUpdateStorage, addr: addr, slots: slots})
}

// UpdateBlockHashes merges locally known block hashes into the cache.
func (b *SharedBackend) UpdateBlockHashes(hashes map[uint64]common.Hash) {
	b.send(&request{kind: reqUpdateBlockHashes, hashes: hashes})
}

// SetPinnedBlock points future fetches at a different historical block.
// Already cached values are kept; callers that need a clean view should
// start a new session instead.
func (b *SharedBackend) SetPinnedBlock(number *big.Int) {
	var pin *big.Int
	if number != nil {
		pin = new(big.Int).Set(number)
	}
	b.send(&request{kind: reqSetPinnedBlock, pin: pin})
}

// Flush writes the cache to the handler's attached disk cache, if any.
func (b *SharedBackend) Flush() error {
	if b.h.disk == nil {
		b.log.Debug("no disk cache attached, skipping flush")
		return nil
	}
	return b.h.disk.Flush(b.db)
}

// FlushTo writes the cache to an arbitrary path, keyed by the env's chain id
// and pinned block.
func (b *SharedBackend) FlushTo(path string) error {
	disk := cache.NewDiskCache(path, b.env.ChainID.Uint64(), b.env.BlockNumber.Uint64())
	return disk.Flush(b.db)
}
