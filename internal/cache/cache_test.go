package cache

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func testEntry(nonce uint64, balance uint64, code []byte) *AccountEntry {
	return &AccountEntry{
		Nonce:   nonce,
		Balance: uint256.NewInt(balance),
		Code:    code,
		Storage: make(map[common.Hash]common.Hash),
	}
}

func TestAccountEntry_Exists(t *testing.T) {
	tests := []struct {
		name  string
		entry *AccountEntry
		want  bool
	}{
		{"empty account", testEntry(0, 0, nil), false},
		{"nonzero nonce", testEntry(1, 0, nil), true},
		{"nonzero balance", testEntry(0, 100, nil), true},
		{"nonempty code", testEntry(0, 0, []byte{0x60, 0x00}), true},
		{"nil balance", &AccountEntry{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.Exists(); got != tt.want {
				t.Errorf("Exists() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBlockchainDB_AccountRoundtrip(t *testing.T) {
	db := NewBlockchainDB()
	addr := common.HexToAddress("0x1234")

	if _, ok := db.GetAccount(addr); ok {
		t.Fatal("Expected no entry before insert")
	}

	db.SetAccount(addr, testEntry(7, 1000, []byte{0xfe}))

	got, ok := db.GetAccount(addr)
	if !ok {
		t.Fatal("Expected entry after insert")
	}
	if got.Nonce != 7 || got.Balance.Uint64() != 1000 || len(got.Code) != 1 {
		t.Errorf("Unexpected entry: %+v", got)
	}

	// Mutating the returned copy must not touch the cache
	got.Balance.SetUint64(5)
	got.Code[0] = 0x00
	again, _ := db.GetAccount(addr)
	if again.Balance.Uint64() != 1000 || again.Code[0] != 0xfe {
		t.Error("GetAccount returned an aliased entry")
	}
}

func TestBlockchainDB_SetStorageRequiresEntry(t *testing.T) {
	db := NewBlockchainDB()
	addr := common.HexToAddress("0xaa")
	slot := common.HexToHash("0x01")

	if db.SetStorage(addr, slot, common.HexToHash("0xff")) {
		t.Error("SetStorage on unknown address should report false")
	}
	if _, ok := db.GetStorage(addr, slot); ok {
		t.Error("No slot should be cached for unknown address")
	}

	db.SetAccount(addr, testEntry(1, 0, nil))
	if !db.SetStorage(addr, slot, common.HexToHash("0xff")) {
		t.Error("SetStorage on known address should succeed")
	}
	val, ok := db.GetStorage(addr, slot)
	if !ok || val != common.HexToHash("0xff") {
		t.Errorf("GetStorage = %v, %v", val, ok)
	}
}

func TestBlockchainDB_UpdateAccountsPreservesStorage(t *testing.T) {
	db := NewBlockchainDB()
	addr := common.HexToAddress("0xbb")
	slot := common.HexToHash("0x02")

	db.SetAccount(addr, testEntry(1, 10, nil))
	db.SetStorage(addr, slot, common.HexToHash("0xbeef"))

	db.UpdateAccounts(map[common.Address]AccountEntry{
		addr: {Nonce: 2, Balance: uint256.NewInt(20)},
	})

	got, _ := db.GetAccount(addr)
	if got.Nonce != 2 || got.Balance.Uint64() != 20 {
		t.Errorf("Scalars not updated: %+v", got)
	}
	if val, ok := db.GetStorage(addr, slot); !ok || val != common.HexToHash("0xbeef") {
		t.Error("Update dropped existing storage")
	}
}

func TestBlockchainDB_UpdateStorageCreatesBareEntry(t *testing.T) {
	db := NewBlockchainDB()
	addr := common.HexToAddress("0xcc")

	db.UpdateStorage(addr, map[common.Hash]common.Hash{
		common.HexToHash("0x01"): common.HexToHash("0x11"),
		common.HexToHash("0x02"): common.HexToHash("0x22"),
	})

	entry, ok := db.GetAccount(addr)
	if !ok {
		t.Fatal("Expected bare entry after storage seed")
	}
	if entry.Exists() {
		t.Error("Bare entry should read as empty account")
	}
	if val, ok := db.GetStorage(addr, common.HexToHash("0x02")); !ok || val != common.HexToHash("0x22") {
		t.Errorf("Seeded slot missing: %v, %v", val, ok)
	}
}

func TestBlockchainDB_Accessors(t *testing.T) {
	db := NewBlockchainDB()
	a1 := common.HexToAddress("0x01")
	a2 := common.HexToAddress("0x02")

	db.SetAccount(a1, testEntry(1, 1, nil))
	db.SetAccount(a2, testEntry(2, 2, nil))
	db.SetStorage(a1, common.HexToHash("0x01"), common.HexToHash("0x01"))
	db.SetStorage(a1, common.HexToHash("0x02"), common.HexToHash("0x02"))
	db.SetBlockHash(100, common.HexToHash("0xabc"))

	if n := db.AccountsLen(); n != 2 {
		t.Errorf("AccountsLen = %d, want 2", n)
	}
	if n := db.StorageLen(); n != 2 {
		t.Errorf("StorageLen = %d, want 2", n)
	}
	if n := db.BlockHashesLen(); n != 1 {
		t.Errorf("BlockHashesLen = %d, want 1", n)
	}
	if addrs := db.Addresses(); len(addrs) != 2 {
		t.Errorf("Addresses = %v", addrs)
	}
	if h, ok := db.GetBlockHash(100); !ok || h != common.HexToHash("0xabc") {
		t.Errorf("GetBlockHash = %v, %v", h, ok)
	}
}

// TestBlockchainDB_ConcurrentReaders exercises the single-writer many-reader
// locking contract under the race detector
func TestBlockchainDB_ConcurrentReaders(t *testing.T) {
	db := NewBlockchainDB()
	addr := common.HexToAddress("0xdd")
	db.SetAccount(addr, testEntry(0, 0, nil))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				db.GetAccount(addr)
				db.GetStorage(addr, common.HexToHash("0x01"))
				db.StorageLen()
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		db.SetStorage(addr, common.BigToHash(common.Big1), common.BigToHash(common.Big2))
		db.SetAccount(addr, testEntry(uint64(i), uint64(i), nil))
	}
	close(stop)
	wg.Wait()
}

func TestStats_HitRate(t *testing.T) {
	var s Stats
	if r := s.HitRate(); r != 0 {
		t.Errorf("Empty HitRate = %v, want 0", r)
	}

	s.Hits.Add(3)
	s.Misses.Add(1)
	if r := s.HitRate(); r != 0.75 {
		t.Errorf("HitRate = %v, want 0.75", r)
	}

	s.AccountFetches.Add(1)
	s.StorageFetches.Add(2)
	snap := s.Snapshot()
	if snap.Fetches() != 3 {
		t.Errorf("Fetches = %d, want 3", snap.Fetches())
	}
}
