package evm

import (
	"maps"

	"github.com/ethereum/go-ethereum/common"
)

// accessList tracks warm addresses and slots for EIP-2929 gas accounting.
type accessList struct {
	addresses map[common.Address]int
	slots     []map[common.Hash]struct{}
}

func newAccessList() *accessList {
	return &accessList{
		addresses: make(map[common.Address]int),
	}
}

func (al *accessList) AddAddress(addr common.Address) bool {
	if _, ok := al.addresses[addr]; ok {
		return false
	}
	al.addresses[addr] = -1
	return true
}

func (al *accessList) AddSlot(addr common.Address, slot common.Hash) (addrChange, slotChange bool) {
	idx, addrPresent := al.addresses[addr]
	if !addrPresent || idx == -1 {
		al.addresses[addr] = len(al.slots)
		al.slots = append(al.slots, map[common.Hash]struct{}{slot: {}})
		return !addrPresent, true
	}
	if _, ok := al.slots[idx][slot]; ok {
		return false, false
	}
	al.slots[idx][slot] = struct{}{}
	return false, true
}

func (al *accessList) ContainsAddress(addr common.Address) bool {
	_, ok := al.addresses[addr]
	return ok
}

func (al *accessList) Contains(addr common.Address, slot common.Hash) (addrPresent, slotPresent bool) {
	idx, addrOk := al.addresses[addr]
	if !addrOk || idx == -1 {
		return addrOk, false
	}
	_, slotOk := al.slots[idx][slot]
	return addrOk, slotOk
}

func (al *accessList) copy() *accessList {
	cp := &accessList{
		addresses: maps.Clone(al.addresses),
		slots:     make([]map[common.Hash]struct{}, len(al.slots)),
	}
	for i, slotMap := range al.slots {
		cp.slots[i] = maps.Clone(slotMap)
	}
	return cp
}
