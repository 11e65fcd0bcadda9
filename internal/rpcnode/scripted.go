package rpcnode

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ScriptedAccount is one account's canned state.
type ScriptedAccount struct {
	Balance *big.Int
	Nonce   uint64
	Code    []byte
	Storage map[common.Hash]common.Hash
}

// ScriptedState is an in-memory StateSource for tests and local runs. Every
// read is counted per key, and individual addresses can be scripted to fail,
// so callers can assert exactly how often and how successfully a backend hit
// the node.
type ScriptedState struct {
	mu       sync.Mutex
	chainID  *big.Int
	head     uint64
	gasPrice *big.Int
	accounts map[common.Address]*ScriptedAccount
	hashes   map[uint64]common.Hash
	errs     map[common.Address]string
	calls    map[string]int
}

// NewScriptedState creates an empty state for the given chain pinned at head.
func NewScriptedState(chainID *big.Int, head uint64) *ScriptedState {
	return &ScriptedState{
		chainID:  new(big.Int).Set(chainID),
		head:     head,
		gasPrice: big.NewInt(1_000_000_000),
		accounts: make(map[common.Address]*ScriptedAccount),
		hashes:   make(map[uint64]common.Hash),
		errs:     make(map[common.Address]string),
		calls:    make(map[string]int),
	}
}

// SetAccount installs or replaces an account's scalar state.
func (st *ScriptedState) SetAccount(addr common.Address, balance *big.Int, nonce uint64, code []byte) {
	st.mu.Lock()
	defer st.mu.Unlock()
	acc := st.account(addr)
	acc.Balance = new(big.Int).Set(balance)
	acc.Nonce = nonce
	acc.Code = append([]byte(nil), code...)
}

// SetStorage installs one storage slot.
func (st *ScriptedState) SetStorage(addr common.Address, slot, value common.Hash) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.account(addr).Storage[slot] = value
}

// SetBlockHash installs a block hash.
func (st *ScriptedState) SetBlockHash(number uint64, hash common.Hash) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.hashes[number] = hash
}

// SetGasPrice overrides the default gas price.
func (st *ScriptedState) SetGasPrice(price *big.Int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.gasPrice = new(big.Int).Set(price)
}

// SetError makes every state read for addr fail with msg. An empty msg
// clears the failure.
func (st *ScriptedState) SetError(addr common.Address, msg string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if msg == "" {
		delete(st.errs, addr)
		return
	}
	st.errs[addr] = msg
}

// account returns the entry for addr, creating it empty. Callers hold mu.
func (st *ScriptedState) account(addr common.Address) *ScriptedAccount {
	acc, ok := st.accounts[addr]
	if !ok {
		acc = &ScriptedAccount{Balance: new(big.Int), Storage: make(map[common.Hash]common.Hash)}
		st.accounts[addr] = acc
	}
	return acc
}

func (st *ScriptedState) ChainID() *big.Int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return new(big.Int).Set(st.chainID)
}

func (st *ScriptedState) BlockNumber() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.head
}

func (st *ScriptedState) GasPrice() *big.Int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return new(big.Int).Set(st.gasPrice)
}

func (st *ScriptedState) Balance(addr common.Address) (*big.Int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.calls["balance:"+addr.Hex()]++
	if msg := st.errs[addr]; msg != "" {
		return nil, errors.New(msg)
	}
	if acc, ok := st.accounts[addr]; ok {
		return new(big.Int).Set(acc.Balance), nil
	}
	return new(big.Int), nil
}

func (st *ScriptedState) Nonce(addr common.Address) (uint64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.calls["nonce:"+addr.Hex()]++
	if msg := st.errs[addr]; msg != "" {
		return 0, errors.New(msg)
	}
	if acc, ok := st.accounts[addr]; ok {
		return acc.Nonce, nil
	}
	return 0, nil
}

func (st *ScriptedState) Code(addr common.Address) ([]byte, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.calls["code:"+addr.Hex()]++
	if msg := st.errs[addr]; msg != "" {
		return nil, errors.New(msg)
	}
	if acc, ok := st.accounts[addr]; ok {
		return append([]byte(nil), acc.Code...), nil
	}
	return nil, nil
}

func (st *ScriptedState) StorageAt(addr common.Address, slot common.Hash) (common.Hash, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.calls[storageCallKey(addr, slot)]++
	if msg := st.errs[addr]; msg != "" {
		return common.Hash{}, errors.New(msg)
	}
	if acc, ok := st.accounts[addr]; ok {
		return acc.Storage[slot], nil
	}
	return common.Hash{}, nil
}

func (st *ScriptedState) BlockHash(number uint64) (common.Hash, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.calls[fmt.Sprintf("blockhash:%d", number)]++
	h, ok := st.hashes[number]
	if !ok {
		return common.Hash{}, fmt.Errorf("block %d not found", number)
	}
	return h, nil
}

func storageCallKey(addr common.Address, slot common.Hash) string {
	return "storage:" + addr.Hex() + ":" + slot.Hex()
}

// BalanceCalls returns how often addr's balance was read.
func (st *ScriptedState) BalanceCalls(addr common.Address) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.calls["balance:"+addr.Hex()]
}

// NonceCalls returns how often addr's nonce was read.
func (st *ScriptedState) NonceCalls(addr common.Address) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.calls["nonce:"+addr.Hex()]
}

// CodeCalls returns how often addr's code was read.
func (st *ScriptedState) CodeCalls(addr common.Address) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.calls["code:"+addr.Hex()]
}

// AccountCalls returns all balance, nonce and code reads for addr combined.
// One full account fetch by a backend costs three.
func (st *ScriptedState) AccountCalls(addr common.Address) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.calls["balance:"+addr.Hex()] + st.calls["nonce:"+addr.Hex()] + st.calls["code:"+addr.Hex()]
}

// StorageCalls returns how often one slot was read.
func (st *ScriptedState) StorageCalls(addr common.Address, slot common.Hash) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.calls[storageCallKey(addr, slot)]
}

// BlockHashCalls returns how often one block's hash was read.
func (st *ScriptedState) BlockHashCalls(number uint64) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.calls[fmt.Sprintf("blockhash:%d", number)]
}

// TotalCalls returns the number of state reads across all keys.
func (st *ScriptedState) TotalCalls() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, c := range st.calls {
		n += c
	}
	return n
}
