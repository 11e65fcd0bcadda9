// Package evm executes bytecode against forked remote state. ForkStateDB
// implements vm.StateDB with cold reads served by a fork backend and all
// writes kept in a local overlay, so concurrent executors sharing one fork
// never see each other's modifications.
package evm

import (
	"maps"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/stateless"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie/utils"
	"github.com/holiman/uint256"

	"github.com/forkdb-experiment/forkdb/internal/cache"
	"github.com/forkdb-experiment/forkdb/internal/fork"
)

// ForkStateDB implements vm.StateDB on top of a fork backend. Accounts and
// slots are pulled through the backend on first touch and overlaid with
// local writes; the shared cache is never written to. Snapshot and revert
// work by deep copy instead of a journal.
//
// A ForkStateDB serves one EVM at a time. Workers that execute in parallel
// each build their own instance over a cloned backend handle.
type ForkStateDB struct {
	backend *fork.SharedBackend
	codes   *cache.CodeCache

	accounts  map[common.Address]*accountState
	storage   map[common.Address]map[common.Hash]common.Hash
	committed map[common.Address]map[common.Hash]common.Hash
	transient map[common.Address]map[common.Hash]common.Hash

	accessList *accessList
	logs       []*types.Log
	refund     uint64
	snapshots  []overlaySnapshot
}

// accountState is one account's overlay view. Code bytes live in the shared
// code cache keyed by CodeHash; inlineCode is only set for blobs the cache
// cannot hold.
type accountState struct {
	Balance    *uint256.Int
	Nonce      uint64
	CodeHash   common.Hash
	inlineCode []byte
	Destructed bool
	Created    bool
}

type overlaySnapshot struct {
	accounts   map[common.Address]*accountState
	storage    map[common.Address]map[common.Hash]common.Hash
	committed  map[common.Address]map[common.Hash]common.Hash
	transient  map[common.Address]map[common.Hash]common.Hash
	accessList *accessList
	refund     uint64
	logsLen    int
}

// NewForkStateDB builds an empty overlay over backend. The code cache may be
// shared across instances; pass nil to allocate a private one.
func NewForkStateDB(backend *fork.SharedBackend, codes *cache.CodeCache) *ForkStateDB {
	if codes == nil {
		codes = cache.NewCodeCache(cache.DefaultCodeCacheBytes)
	}
	return &ForkStateDB{
		backend:    backend,
		codes:      codes,
		accounts:   make(map[common.Address]*accountState),
		storage:    make(map[common.Address]map[common.Hash]common.Hash),
		committed:  make(map[common.Address]map[common.Hash]common.Hash),
		transient:  make(map[common.Address]map[common.Hash]common.Hash),
		accessList: newAccessList(),
	}
}

// load returns the overlay entry for addr, pulling the account through the
// backend on first touch. Reads never fail; an unreachable account loads as
// empty.
func (s *ForkStateDB) load(addr common.Address) *accountState {
	if acct, ok := s.accounts[addr]; ok {
		return acct
	}
	basic := s.backend.Basic(addr)
	code := s.backend.Code(addr)

	acct := &accountState{
		Balance: basic.Balance,
		Nonce:   basic.Nonce,
	}
	if len(code) > 0 {
		acct.CodeHash = s.codes.Add(code)
		if !s.codes.Has(acct.CodeHash) {
			acct.inlineCode = code
		}
	}
	s.accounts[addr] = acct
	return acct
}

func (s *ForkStateDB) codeOf(acct *accountState) []byte {
	if acct.inlineCode != nil {
		return acct.inlineCode
	}
	if acct.CodeHash == (common.Hash{}) {
		return nil
	}
	return s.codes.Get(acct.CodeHash)
}

func (s *ForkStateDB) CreateAccount(addr common.Address) {
	s.accounts[addr] = &accountState{
		Balance: new(uint256.Int),
		Created: true,
	}
}

func (s *ForkStateDB) CreateContract(addr common.Address) {
	s.CreateAccount(addr)
}

func (s *ForkStateDB) GetBalance(addr common.Address) *uint256.Int {
	return new(uint256.Int).Set(s.load(addr).Balance)
}

func (s *ForkStateDB) SubBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	acct := s.load(addr)
	prev := *acct.Balance
	acct.Balance.Sub(acct.Balance, amount)
	return prev
}

func (s *ForkStateDB) AddBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	acct := s.load(addr)
	prev := *acct.Balance
	acct.Balance.Add(acct.Balance, amount)
	return prev
}

func (s *ForkStateDB) GetNonce(addr common.Address) uint64 {
	return s.load(addr).Nonce
}

func (s *ForkStateDB) SetNonce(addr common.Address, nonce uint64, reason tracing.NonceChangeReason) {
	s.load(addr).Nonce = nonce
}

func (s *ForkStateDB) GetCodeHash(addr common.Address) common.Hash {
	return s.load(addr).CodeHash
}

func (s *ForkStateDB) GetCode(addr common.Address) []byte {
	code := s.codeOf(s.load(addr))
	if code == nil {
		return nil
	}
	out := make([]byte, len(code))
	copy(out, code)
	return out
}

func (s *ForkStateDB) SetCode(addr common.Address, code []byte, reason tracing.CodeChangeReason) []byte {
	acct := s.load(addr)
	prev := s.GetCode(addr)
	acct.inlineCode = nil
	if len(code) == 0 {
		acct.CodeHash = common.Hash{}
		return prev
	}
	acct.CodeHash = s.codes.Add(code)
	if !s.codes.Has(acct.CodeHash) {
		acct.inlineCode = append([]byte(nil), code...)
	}
	return prev
}

func (s *ForkStateDB) GetCodeSize(addr common.Address) int {
	return len(s.codeOf(s.load(addr)))
}

func (s *ForkStateDB) AddRefund(gas uint64) {
	s.refund += gas
}

func (s *ForkStateDB) SubRefund(gas uint64) {
	if gas > s.refund {
		s.refund = 0
		return
	}
	s.refund -= gas
}

func (s *ForkStateDB) GetRefund() uint64 {
	return s.refund
}

func (s *ForkStateDB) GetState(addr common.Address, slot common.Hash) common.Hash {
	if slots, ok := s.storage[addr]; ok {
		if val, ok := slots[slot]; ok {
			return val
		}
	}
	val := s.backend.Storage(addr, slot)
	s.setOverlay(addr, slot, val)
	s.setCommitted(addr, slot, val)
	return val
}

// GetStateAndCommittedState returns the current value and the value the slot
// had when the overlay first saw it.
func (s *ForkStateDB) GetStateAndCommittedState(addr common.Address, slot common.Hash) (common.Hash, common.Hash) {
	current := s.GetState(addr, slot)
	return current, s.committed[addr][slot]
}

func (s *ForkStateDB) SetState(addr common.Address, slot common.Hash, value common.Hash) common.Hash {
	// The read pins the committed value before the first write lands.
	prev := s.GetState(addr, slot)
	s.setOverlay(addr, slot, value)
	return prev
}

func (s *ForkStateDB) setOverlay(addr common.Address, slot, value common.Hash) {
	if s.storage[addr] == nil {
		s.storage[addr] = make(map[common.Hash]common.Hash)
	}
	s.storage[addr][slot] = value
}

func (s *ForkStateDB) setCommitted(addr common.Address, slot, value common.Hash) {
	if s.committed[addr] == nil {
		s.committed[addr] = make(map[common.Hash]common.Hash)
	}
	s.committed[addr][slot] = value
}

func (s *ForkStateDB) GetStorageRoot(addr common.Address) common.Hash {
	// No trie behind the overlay. Returning the zero root makes contract
	// creation treat remote accounts as storage-free, which matches the
	// fork model of replacing state wholesale.
	return common.Hash{}
}

func (s *ForkStateDB) GetTransientState(addr common.Address, key common.Hash) common.Hash {
	return s.transient[addr][key]
}

func (s *ForkStateDB) SetTransientState(addr common.Address, key, value common.Hash) {
	if s.transient[addr] == nil {
		s.transient[addr] = make(map[common.Hash]common.Hash)
	}
	s.transient[addr][key] = value
}

func (s *ForkStateDB) SelfDestruct(addr common.Address) uint256.Int {
	acct := s.load(addr)
	prev := *acct.Balance
	acct.Destructed = true
	acct.Balance = new(uint256.Int)
	return prev
}

func (s *ForkStateDB) HasSelfDestructed(addr common.Address) bool {
	if acct, ok := s.accounts[addr]; ok {
		return acct.Destructed
	}
	return false
}

func (s *ForkStateDB) SelfDestruct6780(addr common.Address) (uint256.Int, bool) {
	acct := s.load(addr)
	prev := *acct.Balance
	if !acct.Created {
		return prev, false
	}
	acct.Destructed = true
	acct.Balance = new(uint256.Int)
	return prev, true
}

func (s *ForkStateDB) Exist(addr common.Address) bool {
	acct := s.load(addr)
	return acct.Nonce > 0 || acct.Balance.Sign() > 0 || acct.CodeHash != (common.Hash{})
}

func (s *ForkStateDB) Empty(addr common.Address) bool {
	return !s.Exist(addr)
}

func (s *ForkStateDB) AddressInAccessList(addr common.Address) bool {
	return s.accessList.ContainsAddress(addr)
}

func (s *ForkStateDB) SlotInAccessList(addr common.Address, slot common.Hash) (bool, bool) {
	return s.accessList.Contains(addr, slot)
}

func (s *ForkStateDB) AddAddressToAccessList(addr common.Address) {
	s.accessList.AddAddress(addr)
}

func (s *ForkStateDB) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	s.accessList.AddSlot(addr, slot)
}

func (s *ForkStateDB) PointCache() *utils.PointCache {
	return nil
}

func (s *ForkStateDB) Prepare(rules params.Rules, sender, coinbase common.Address, dest *common.Address, precompiles []common.Address, txAccesses types.AccessList) {
	s.accessList = newAccessList()
	s.accessList.AddAddress(sender)
	if dest != nil {
		s.accessList.AddAddress(*dest)
	}
	s.accessList.AddAddress(coinbase)
	for _, addr := range precompiles {
		s.accessList.AddAddress(addr)
	}
	for _, el := range txAccesses {
		s.accessList.AddAddress(el.Address)
		for _, key := range el.StorageKeys {
			s.accessList.AddSlot(el.Address, key)
		}
	}
}

func (s *ForkStateDB) Snapshot() int {
	accounts := make(map[common.Address]*accountState, len(s.accounts))
	for addr, acct := range s.accounts {
		cp := *acct
		cp.Balance = new(uint256.Int).Set(acct.Balance)
		accounts[addr] = &cp
	}
	s.snapshots = append(s.snapshots, overlaySnapshot{
		accounts:   accounts,
		storage:    copySlots(s.storage),
		committed:  copySlots(s.committed),
		transient:  copySlots(s.transient),
		accessList: s.accessList.copy(),
		refund:     s.refund,
		logsLen:    len(s.logs),
	})
	return len(s.snapshots) - 1
}

func (s *ForkStateDB) RevertToSnapshot(revid int) {
	if revid < 0 || revid >= len(s.snapshots) {
		return
	}
	snap := s.snapshots[revid]
	s.accounts = snap.accounts
	s.storage = snap.storage
	s.committed = snap.committed
	s.transient = snap.transient
	s.accessList = snap.accessList
	s.refund = snap.refund
	s.logs = s.logs[:snap.logsLen]
	s.snapshots = s.snapshots[:revid]
}

func copySlots(src map[common.Address]map[common.Hash]common.Hash) map[common.Address]map[common.Hash]common.Hash {
	out := make(map[common.Address]map[common.Hash]common.Hash, len(src))
	for addr, slots := range src {
		out[addr] = maps.Clone(slots)
	}
	return out
}

func (s *ForkStateDB) AddLog(log *types.Log) {
	s.logs = append(s.logs, log)
}

// Logs returns the logs emitted so far.
func (s *ForkStateDB) Logs() []*types.Log {
	out := make([]*types.Log, len(s.logs))
	copy(out, s.logs)
	return out
}

func (s *ForkStateDB) AddPreimage(hash common.Hash, preimage []byte) {
}

func (s *ForkStateDB) Witness() *stateless.Witness {
	return nil
}

func (s *ForkStateDB) AccessEvents() *state.AccessEvents {
	return nil
}

func (s *ForkStateDB) Finalise(deleteEmptyObjects bool) {
}
