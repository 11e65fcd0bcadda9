package cache

import (
	"maps"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BasicAccount is the balance/nonce pair answered to basic-info requests
type BasicAccount struct {
	Nonce   uint64
	Balance *uint256.Int
}

// AccountEntry is the cached state of one address. Entries are inserted or
// replaced wholesale by the backend handler; readers never observe a
// partially built entry. The storage map only grows for the lifetime of a
// fork session.
type AccountEntry struct {
	Nonce   uint64
	Balance *uint256.Int
	Code    []byte
	Storage map[common.Hash]common.Hash
}

// Exists reports whether the entry describes a live account: non-zero
// balance, non-zero nonce, or non-empty code.
func (e *AccountEntry) Exists() bool {
	return e.Nonce != 0 || (e.Balance != nil && !e.Balance.IsZero()) || len(e.Code) > 0
}

// Basic returns a copy of the entry's balance/nonce pair
func (e *AccountEntry) Basic() BasicAccount {
	bal := new(uint256.Int)
	if e.Balance != nil {
		bal.Set(e.Balance)
	}
	return BasicAccount{Nonce: e.Nonce, Balance: bal}
}

// CodeCopy returns a copy of the entry's code, nil for an empty account
func (e *AccountEntry) CodeCopy() []byte {
	if len(e.Code) == 0 {
		return nil
	}
	out := make([]byte, len(e.Code))
	copy(out, e.Code)
	return out
}

func (e *AccountEntry) normalize() {
	if e.Balance == nil {
		e.Balance = new(uint256.Int)
	}
	if e.Storage == nil {
		e.Storage = make(map[common.Hash]common.Hash)
	}
}

// BlockchainDB is the shared fork cache: address state plus resolved block
// hashes. It is read by every backend handle concurrently and written by
// exactly one goroutine, the backend handler. Guarded by a single RWMutex;
// all getters return copies so callers never alias the writer's maps.
type BlockchainDB struct {
	mu          sync.RWMutex
	accounts    map[common.Address]*AccountEntry
	blockHashes map[uint64]common.Hash
	stats       Stats
}

// NewBlockchainDB creates an empty shared cache
func NewBlockchainDB() *BlockchainDB {
	return &BlockchainDB{
		accounts:    make(map[common.Address]*AccountEntry),
		blockHashes: make(map[uint64]common.Hash),
	}
}

// GetAccount returns a copy of the cached scalar state for addr. The
// returned entry's storage map is nil; slots are read via GetStorage.
func (db *BlockchainDB) GetAccount(addr common.Address) (AccountEntry, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	e, ok := db.accounts[addr]
	if !ok {
		return AccountEntry{}, false
	}
	return AccountEntry{
		Nonce:   e.Nonce,
		Balance: new(uint256.Int).Set(e.Balance),
		Code:    e.CodeCopy(),
	}, true
}

// GetStorage returns the cached value of one storage slot. The second
// return is false when the address or the slot is unknown.
func (db *BlockchainDB) GetStorage(addr common.Address, slot common.Hash) (common.Hash, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	e, ok := db.accounts[addr]
	if !ok {
		return common.Hash{}, false
	}
	val, ok := e.Storage[slot]
	return val, ok
}

// GetBlockHash returns a cached block hash
func (db *BlockchainDB) GetBlockHash(number uint64) (common.Hash, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	h, ok := db.blockHashes[number]
	return h, ok
}

// SetAccount inserts or replaces an entry wholesale. Writer only.
func (db *BlockchainDB) SetAccount(addr common.Address, entry *AccountEntry) {
	entry.normalize()

	db.mu.Lock()
	defer db.mu.Unlock()
	db.accounts[addr] = entry
}

// SetStorage writes one slot into an existing entry. Returns false and
// writes nothing when the address has no entry yet; buffering values for
// unknown addresses is the handler's job.
func (db *BlockchainDB) SetStorage(addr common.Address, slot, value common.Hash) bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	e, ok := db.accounts[addr]
	if !ok {
		return false
	}
	e.Storage[slot] = value
	return true
}

// SetBlockHash records a resolved block hash. Writer only.
func (db *BlockchainDB) SetBlockHash(number uint64, hash common.Hash) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.blockHashes[number] = hash
}

// UpdateAccounts seeds or updates scalar account state in bulk, preserving
// any storage already cached for the address. Writer only.
func (db *BlockchainDB) UpdateAccounts(accounts map[common.Address]AccountEntry) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for addr, update := range accounts {
		update.normalize()
		if e, ok := db.accounts[addr]; ok {
			e.Nonce = update.Nonce
			e.Balance = update.Balance
			e.Code = update.Code
			maps.Copy(e.Storage, update.Storage)
			continue
		}
		entry := update
		db.accounts[addr] = &entry
	}
}

// UpdateStorage seeds storage slots in bulk, creating a bare entry when the
// address is unknown. An address seeded with storage but never with account
// data reads as an existing empty account, so seed accounts first when both
// matter. Writer only.
func (db *BlockchainDB) UpdateStorage(addr common.Address, slots map[common.Hash]common.Hash) {
	db.mu.Lock()
	defer db.mu.Unlock()

	e, ok := db.accounts[addr]
	if !ok {
		e = &AccountEntry{}
		e.normalize()
		db.accounts[addr] = e
	}
	maps.Copy(e.Storage, slots)
}

// UpdateBlockHashes seeds block hashes in bulk. Writer only.
func (db *BlockchainDB) UpdateBlockHashes(hashes map[uint64]common.Hash) {
	db.mu.Lock()
	defer db.mu.Unlock()
	maps.Copy(db.blockHashes, hashes)
}

// AccountsLen returns the number of cached account entries
func (db *BlockchainDB) AccountsLen() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.accounts)
}

// StorageLen returns the total number of cached storage slots across all
// accounts
func (db *BlockchainDB) StorageLen() int {
	db.mu.RLock()
	defer db.mu.RUnlock()

	n := 0
	for _, e := range db.accounts {
		n += len(e.Storage)
	}
	return n
}

// BlockHashesLen returns the number of cached block hashes
func (db *BlockchainDB) BlockHashesLen() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.blockHashes)
}

// Addresses returns a snapshot of all cached addresses
func (db *BlockchainDB) Addresses() []common.Address {
	db.mu.RLock()
	defer db.mu.RUnlock()

	addrs := make([]common.Address, 0, len(db.accounts))
	for addr := range db.accounts {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Stats returns the cache statistics collector shared by all handles
func (db *BlockchainDB) Stats() *Stats {
	return &db.stats
}

// snapshotData deep-copies the cache contents under the read lock, for
// serialization
func (db *BlockchainDB) snapshotData() (map[common.Address]*AccountEntry, map[uint64]common.Hash) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	accounts := make(map[common.Address]*AccountEntry, len(db.accounts))
	for addr, e := range db.accounts {
		accounts[addr] = &AccountEntry{
			Nonce:   e.Nonce,
			Balance: new(uint256.Int).Set(e.Balance),
			Code:    e.CodeCopy(),
			Storage: maps.Clone(e.Storage),
		}
	}
	return accounts, maps.Clone(db.blockHashes)
}
