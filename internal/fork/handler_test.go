package fork

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/forkdb-experiment/forkdb/internal/cache"
	"github.com/forkdb-experiment/forkdb/internal/fetch"
)

// scriptedFetcher serves canned state and counts every provider round trip.
// The account gate lets tests hold account fetches open to force a specific
// completion order.
type scriptedFetcher struct {
	mu           sync.Mutex
	accounts     map[common.Address]fetch.AccountInfo
	storage      map[common.Address]map[common.Hash]common.Hash
	hashes       map[uint64]common.Hash
	accountErrs  map[common.Address]error
	storageErrs  map[common.Address]error
	accountCalls map[common.Address]int
	storageCalls map[storageKey]int
	hashCalls    map[uint64]int
	lastAcctRef  *big.Int

	accountGate    chan struct{}
	accountStarted chan struct{}
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		accounts:       make(map[common.Address]fetch.AccountInfo),
		storage:        make(map[common.Address]map[common.Hash]common.Hash),
		hashes:         make(map[uint64]common.Hash),
		accountErrs:    make(map[common.Address]error),
		storageErrs:    make(map[common.Address]error),
		accountCalls:   make(map[common.Address]int),
		storageCalls:   make(map[storageKey]int),
		hashCalls:      make(map[uint64]int),
		accountStarted: make(chan struct{}, 128),
	}
}

func (f *scriptedFetcher) setAccount(addr common.Address, nonce, balance uint64, code []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[addr] = fetch.AccountInfo{Nonce: nonce, Balance: uint256.NewInt(balance), Code: code}
}

func (f *scriptedFetcher) setStorage(addr common.Address, slot, value common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storage[addr] == nil {
		f.storage[addr] = make(map[common.Hash]common.Hash)
	}
	f.storage[addr][slot] = value
}

func (f *scriptedFetcher) setBlockHash(number uint64, hash common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes[number] = hash
}

func (f *scriptedFetcher) failAccount(addr common.Address, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.accountErrs, addr)
		return
	}
	f.accountErrs[addr] = err
}

func (f *scriptedFetcher) failStorage(addr common.Address, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.storageErrs, addr)
		return
	}
	f.storageErrs[addr] = err
}

// holdAccounts blocks account fetches until the returned release is called
func (f *scriptedFetcher) holdAccounts() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.accountGate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// waitAccountStarted blocks until n account fetches have reached the provider
func (f *scriptedFetcher) waitAccountStarted(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.accountStarted:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for account fetch %d of %d to start", i+1, n)
		}
	}
}

func (f *scriptedFetcher) accountCallCount(addr common.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accountCalls[addr]
}

func (f *scriptedFetcher) storageCallCount(addr common.Address, slot common.Hash) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storageCalls[storageKey{addr: addr, slot: slot}]
}

func (f *scriptedFetcher) hashCallCount(number uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hashCalls[number]
}

func (f *scriptedFetcher) lastAccountBlockRef() *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAcctRef
}

func (f *scriptedFetcher) GetAccount(ctx context.Context, addr common.Address, blockRef *big.Int) (fetch.AccountInfo, error) {
	f.mu.Lock()
	f.accountCalls[addr]++
	f.lastAcctRef = blockRef
	gate := f.accountGate
	err := f.accountErrs[addr]
	info := f.accounts[addr]
	f.mu.Unlock()

	f.accountStarted <- struct{}{}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return fetch.AccountInfo{}, ctx.Err()
		}
	}
	if err != nil {
		return fetch.AccountInfo{}, err
	}
	out := fetch.AccountInfo{Nonce: info.Nonce, Balance: new(uint256.Int)}
	if info.Balance != nil {
		out.Balance.Set(info.Balance)
	}
	if len(info.Code) > 0 {
		out.Code = append([]byte(nil), info.Code...)
	}
	return out, nil
}

func (f *scriptedFetcher) GetStorage(ctx context.Context, addr common.Address, slot common.Hash, blockRef *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storageCalls[storageKey{addr: addr, slot: slot}]++
	if err := f.storageErrs[addr]; err != nil {
		return common.Hash{}, err
	}
	return f.storage[addr][slot], nil
}

func (f *scriptedFetcher) GetBlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashCalls[number]++
	h, ok := f.hashes[number]
	if !ok {
		return common.Hash{}, fmt.Errorf("block %d not found", number)
	}
	return h, nil
}

func testEnv() *Env {
	env := NewEnv()
	env.ChainID = big.NewInt(1337)
	env.BlockNumber = big.NewInt(1_000_000)
	env.GasPrice = big.NewInt(1_000_000_000)
	env.GasLimit = 30_000_000
	return env
}

func newTestBackend(t *testing.T, f fetch.Fetcher, opts Options) *SharedBackend {
	t.Helper()
	b := Spawn(f, nil, testEnv(), opts)
	t.Cleanup(b.Close)
	return b
}

var (
	addrA = common.HexToAddress("0xaaaa")
	addrB = common.HexToAddress("0xbbbb")
	slot1 = common.HexToHash("0x01")
	slot2 = common.HexToHash("0x02")
)

func TestSharedBackend_CoalescesConcurrentReads(t *testing.T) {
	f := newScriptedFetcher()
	f.setAccount(addrA, 7, 1000, nil)
	release := f.holdAccounts()
	defer release()
	b := newTestBackend(t, f, Options{})

	const callers = 16
	results := make([]cache.BasicAccount, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = b.Basic(addrA)
		}(i)
	}

	f.waitAccountStarted(t, 1)
	release()
	wg.Wait()

	for i, got := range results {
		if got.Nonce != 7 || got.Balance.Uint64() != 1000 {
			t.Fatalf("caller %d got nonce=%d balance=%v, want 7/1000", i, got.Nonce, got.Balance)
		}
	}
	if n := f.accountCallCount(addrA); n != 1 {
		t.Fatalf("provider saw %d account fetches, want 1", n)
	}
}

func TestSharedBackend_MixedKindsShareOneFetch(t *testing.T) {
	f := newScriptedFetcher()
	code := []byte{0x60, 0x00}
	f.setAccount(addrA, 3, 42, code)
	release := f.holdAccounts()
	defer release()
	b := newTestBackend(t, f, Options{})

	var (
		wg        sync.WaitGroup
		gotExists bool
		gotBasic  cache.BasicAccount
		gotCode   []byte
	)
	wg.Add(3)
	go func() { defer wg.Done(); gotExists = b.Exists(addrA) }()
	go func() { defer wg.Done(); gotBasic = b.Basic(addrA) }()
	go func() { defer wg.Done(); gotCode = b.Code(addrA) }()

	f.waitAccountStarted(t, 1)
	release()
	wg.Wait()

	if !gotExists {
		t.Fatal("account with nonce and balance should exist")
	}
	if gotBasic.Nonce != 3 || gotBasic.Balance.Uint64() != 42 {
		t.Fatalf("basic = %+v, want nonce 3 balance 42", gotBasic)
	}
	if string(gotCode) != string(code) {
		t.Fatalf("code = %x, want %x", gotCode, code)
	}
	if n := f.accountCallCount(addrA); n != 1 {
		t.Fatalf("provider saw %d account fetches, want 1", n)
	}
}

func TestSharedBackend_SecondReadHitsCache(t *testing.T) {
	f := newScriptedFetcher()
	f.setAccount(addrA, 1, 500, nil)
	b := newTestBackend(t, f, Options{})

	first := b.Basic(addrA)
	second := b.Basic(addrA)
	if first.Nonce != 1 || second.Nonce != 1 {
		t.Fatalf("reads disagree: %+v vs %+v", first, second)
	}

	// A clone shares the cache, so it must not trigger a refetch either.
	if code := b.Clone().Code(addrA); code != nil {
		t.Fatalf("clone read unexpected code %x", code)
	}
	if n := f.accountCallCount(addrA); n != 1 {
		t.Fatalf("provider saw %d account fetches, want 1", n)
	}

	s := b.Stats().Snapshot()
	if s.Misses != 1 || s.Hits != 2 || s.AccountFetches != 1 || s.FetchErrors != 0 {
		t.Fatalf("stats = %+v, want 1 miss, 2 hits, 1 account fetch", s)
	}
}

func TestSharedBackend_StorageBuffersWhileAccountPending(t *testing.T) {
	f := newScriptedFetcher()
	valA := common.HexToHash("0xdead")
	f.setAccount(addrA, 1, 0, []byte{0x01})
	f.setStorage(addrA, slot1, valA)
	release := f.holdAccounts()
	defer release()
	b := newTestBackend(t, f, Options{})

	// The slot resolves while the account fetch it triggered is still held
	// open, so the value lands in the side buffer, not the cache.
	if got := b.Storage(addrA, slot1); got != valA {
		t.Fatalf("storage = %v, want %v", got, valA)
	}
	if n := b.DB().AccountsLen(); n != 0 {
		t.Fatalf("cache has %d entries before the account fetch landed, want 0", n)
	}

	// Repeat reads are answered from the buffer without another fetch.
	if got := b.Storage(addrA, slot1); got != valA {
		t.Fatalf("buffered storage = %v, want %v", got, valA)
	}
	if n := f.storageCallCount(addrA, slot1); n != 1 {
		t.Fatalf("provider saw %d storage fetches, want 1", n)
	}

	release()
	basic := b.Basic(addrA)
	if basic.Nonce != 1 {
		t.Fatalf("basic after merge = %+v, want nonce 1", basic)
	}

	// The buffered slot must have been merged into the new entry.
	if got, ok := b.DB().GetStorage(addrA, slot1); !ok || got != valA {
		t.Fatalf("merged storage = %v, %v; want %v, true", got, ok, valA)
	}
	if n := f.accountCallCount(addrA); n != 1 {
		t.Fatalf("provider saw %d account fetches, want 1", n)
	}
}

func TestSharedBackend_SlotsCoalesceIndependently(t *testing.T) {
	f := newScriptedFetcher()
	valA := common.HexToHash("0x0a")
	valB := common.HexToHash("0x0b")
	f.setAccount(addrA, 1, 0, nil)
	f.setStorage(addrA, slot1, valA)
	f.setStorage(addrA, slot2, valB)
	b := newTestBackend(t, f, Options{})

	var wg sync.WaitGroup
	got := make([]common.Hash, 4)
	for i, slot := range []common.Hash{slot1, slot1, slot2, slot2} {
		wg.Add(1)
		go func(i int, slot common.Hash) {
			defer wg.Done()
			got[i] = b.Storage(addrA, slot)
		}(i, slot)
	}
	wg.Wait()

	if got[0] != valA || got[1] != valA || got[2] != valB || got[3] != valB {
		t.Fatalf("storage reads = %v", got)
	}
	if n := f.storageCallCount(addrA, slot1); n != 1 {
		t.Fatalf("slot1 fetched %d times, want 1", n)
	}
	if n := f.storageCallCount(addrA, slot2); n != 1 {
		t.Fatalf("slot2 fetched %d times, want 1", n)
	}
	// Both completions target the same missing account, so only one account
	// fetch backfills the entry. The backfill runs asynchronously after the
	// storage replies, so wait for it to reach the provider before counting.
	f.waitAccountStarted(t, 1)
	if n := f.accountCallCount(addrA); n != 1 {
		t.Fatalf("provider saw %d account fetches, want 1", n)
	}
}

func TestSharedBackend_AccountFetchErrorCachesNothing(t *testing.T) {
	f := newScriptedFetcher()
	f.failAccount(addrA, errors.New("provider down"))
	b := newTestBackend(t, f, Options{})

	if b.Exists(addrA) {
		t.Fatal("failed fetch should read as non-existent")
	}
	basic := b.Basic(addrA)
	if basic.Nonce != 0 || !basic.Balance.IsZero() {
		t.Fatalf("failed fetch basic = %+v, want zeroes", basic)
	}
	if code := b.Code(addrA); code != nil {
		t.Fatalf("failed fetch code = %x, want nil", code)
	}

	// Nothing was cached, so every read above paid its own fetch.
	if n := b.DB().AccountsLen(); n != 0 {
		t.Fatalf("cache has %d entries after failures, want 0", n)
	}
	if n := f.accountCallCount(addrA); n != 3 {
		t.Fatalf("provider saw %d account fetches, want 3", n)
	}
	s := b.Stats().Snapshot()
	if s.FetchErrors != 3 || s.Hits != 0 || s.Misses != 3 {
		t.Fatalf("stats = %+v, want 3 errors, 0 hits, 3 misses", s)
	}

	// Once the provider recovers the next read succeeds and caches.
	f.failAccount(addrA, nil)
	f.setAccount(addrA, 5, 50, nil)
	if got := b.Basic(addrA); got.Nonce != 5 {
		t.Fatalf("recovered basic = %+v, want nonce 5", got)
	}
	if n := b.DB().AccountsLen(); n != 1 {
		t.Fatalf("cache has %d entries after recovery, want 1", n)
	}
}

func TestSharedBackend_StorageFetchErrorCachesNothing(t *testing.T) {
	f := newScriptedFetcher()
	f.failStorage(addrA, errors.New("provider down"))
	b := newTestBackend(t, f, Options{})

	if got := b.Storage(addrA, slot1); got != (common.Hash{}) {
		t.Fatalf("failed storage read = %v, want zero", got)
	}
	if n := b.DB().StorageLen(); n != 0 {
		t.Fatal("failed slot must not be cached")
	}
	// No account backfill is started for a failed slot.
	if n := f.accountCallCount(addrA); n != 0 {
		t.Fatalf("provider saw %d account fetches, want 0", n)
	}

	f.failStorage(addrA, nil)
	val := common.HexToHash("0x99")
	f.setStorage(addrA, slot1, val)
	if got := b.Storage(addrA, slot1); got != val {
		t.Fatalf("recovered storage = %v, want %v", got, val)
	}
	if n := f.storageCallCount(addrA, slot1); n != 2 {
		t.Fatalf("provider saw %d storage fetches, want 2", n)
	}
}

func TestSharedBackend_CloseDrainsPendingReads(t *testing.T) {
	f := newScriptedFetcher()
	f.setAccount(addrA, 9, 900, nil)
	release := f.holdAccounts()
	b := Spawn(f, nil, testEnv(), Options{})
	defer b.Close()
	defer release()

	const readers = 8
	results := make(chan cache.BasicAccount, readers)
	for i := 0; i < readers; i++ {
		go func() { results <- b.Basic(addrA) }()
	}
	f.waitAccountStarted(t, 1)

	// Every reader must be in flight before Close begins; each read that
	// reaches the handler records one miss while the fetch is held open.
	deadline := time.Now().Add(5 * time.Second)
	for b.Stats().Snapshot().Misses < readers {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d readers to reach the handler", readers)
		}
		time.Sleep(time.Millisecond)
	}

	closed := make(chan struct{})
	go func() {
		b.Close()
		close(closed)
	}()

	// Close must not return while the fetch is still held open.
	select {
	case <-closed:
		t.Fatal("Close returned with a fetch still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after the fetch completed")
	}

	// Every reader that was in flight when Close began still gets the real
	// value.
	for i := 0; i < readers; i++ {
		select {
		case got := <-results:
			if got.Nonce != 9 || got.Balance.Uint64() != 900 {
				t.Fatalf("drained reader got %+v, want nonce 9 balance 900", got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("reader %d never answered", i)
		}
	}

	// Reads after shutdown return defaults without touching the provider.
	if got := b.Basic(addrB); got.Nonce != 0 || !got.Balance.IsZero() {
		t.Fatalf("post-close basic = %+v, want zeroes", got)
	}
	if n := f.accountCallCount(addrB); n != 0 {
		t.Fatalf("provider saw %d fetches after close, want 0", n)
	}
}

func TestSharedBackend_BlockHash(t *testing.T) {
	f := newScriptedFetcher()
	old := common.HexToHash("0x0500")
	f.setBlockHash(500, old)
	env := testEnv()
	recent := common.HexToHash("0x9999")
	env.RecentHashes[999_999] = recent
	b := Spawn(f, nil, env, Options{})
	t.Cleanup(b.Close)

	// Inside the env window: answered locally, no provider call.
	if got := b.BlockHash(999_999); got != recent {
		t.Fatalf("recent hash = %v, want %v", got, recent)
	}
	if n := f.hashCallCount(999_999); n != 0 {
		t.Fatalf("provider saw %d hash fetches for a window hit, want 0", n)
	}

	// Outside the window: fetched once, then cached.
	if got := b.BlockHash(500); got != old {
		t.Fatalf("old hash = %v, want %v", got, old)
	}
	if got := b.BlockHash(500); got != old {
		t.Fatalf("cached old hash = %v, want %v", got, old)
	}
	if n := f.hashCallCount(500); n != 1 {
		t.Fatalf("provider saw %d hash fetches, want 1", n)
	}

	// Unknown block: zero hash, nothing cached, next read retries.
	if got := b.BlockHash(600); got != (common.Hash{}) {
		t.Fatalf("unknown hash = %v, want zero", got)
	}
	if got := b.BlockHash(600); got != (common.Hash{}) {
		t.Fatalf("unknown hash = %v, want zero", got)
	}
	if n := f.hashCallCount(600); n != 2 {
		t.Fatalf("provider saw %d hash fetches for unknown block, want 2", n)
	}
}
