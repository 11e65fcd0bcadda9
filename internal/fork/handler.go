package fork

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"

	"github.com/forkdb-experiment/forkdb/internal/cache"
	"github.com/forkdb-experiment/forkdb/internal/fetch"
)

const (
	// DefaultMaxConcurrent caps fetches in flight against the provider at
	// any one time. Dedup keeps the real number well below the caller count.
	DefaultMaxConcurrent = 32

	// DefaultFetchTimeout bounds a single fetch, including time spent
	// waiting for a concurrency slot.
	DefaultFetchTimeout = 30 * time.Second
)

// Options configure a handler. The zero value picks sane defaults and no
// disk cache.
type Options struct {
	// PinnedBlock is the historical block state is read at. nil means the
	// provider's latest.
	PinnedBlock *big.Int

	// MaxConcurrent caps concurrent provider fetches. 0 means
	// DefaultMaxConcurrent.
	MaxConcurrent int64

	// FetchTimeout bounds each provider fetch. 0 means DefaultFetchTimeout.
	FetchTimeout time.Duration

	// DiskCache, when set, is flushed once after the handler drains on
	// shutdown.
	DiskCache *cache.DiskCache
}

// Handler is the single goroutine that owns all cache writes and all dedup
// bookkeeping. Facade handles feed it requests over a small channel; fetches
// run in short-lived goroutines and report back on completion channels, so
// the loop itself never blocks on the network.
type Handler struct {
	db      *cache.BlockchainDB
	fetcher fetch.Fetcher
	env     *Env

	reqCh chan *request
	quit  chan struct{}
	done  chan struct{}

	closed atomic.Bool

	sem     *semaphore.Weighted
	timeout time.Duration
	disk    *cache.DiskCache
	log     log.Logger

	// Everything below is touched only from the Run goroutine.
	pinned          *big.Int
	pendingAccounts map[common.Address]*pendingAccount
	pendingStorage  map[storageKey][]chan<- common.Hash
	pendingHashes   map[uint64][]chan<- common.Hash
	accountDone     chan accountResult
	storageDone     chan storageResult
	hashDone        chan hashResult
	inflight        int

	nonArchiveWarn sync.Once
}

// New builds a backend and its handler without starting the loop. Callers
// that do not need control over the goroutine should use Spawn instead.
func New(fetcher fetch.Fetcher, db *cache.BlockchainDB, env *Env, opts Options) (*SharedBackend, *Handler) {
	if db == nil {
		db = cache.NewBlockchainDB()
	}
	if env == nil {
		env = NewEnv()
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	var pinned *big.Int
	if opts.PinnedBlock != nil {
		pinned = new(big.Int).Set(opts.PinnedBlock)
	}
	h := &Handler{
		db:              db,
		fetcher:         fetcher,
		env:             env,
		reqCh:           make(chan *request, 1),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
		sem:             semaphore.NewWeighted(maxConcurrent),
		timeout:         timeout,
		disk:            opts.DiskCache,
		log:             log.New("component", "backendhandler"),
		pinned:          pinned,
		pendingAccounts: make(map[common.Address]*pendingAccount),
		pendingStorage:  make(map[storageKey][]chan<- common.Hash),
		pendingHashes:   make(map[uint64][]chan<- common.Hash),
		accountDone:     make(chan accountResult),
		storageDone:     make(chan storageResult),
		hashDone:        make(chan hashResult),
	}
	b := &SharedBackend{h: h, env: env, db: db, log: log.New("component", "sharedbackend")}
	return b, h
}

// Spawn builds a backend and starts its handler goroutine.
func Spawn(fetcher fetch.Fetcher, db *cache.BlockchainDB, env *Env, opts Options) *SharedBackend {
	b, h := New(fetcher, db, env, opts)
	go h.Run()
	return b
}

// Run executes the handler loop until Close. It drains every queued request
// and in-flight fetch before returning, so no caller is ever left blocked.
func (h *Handler) Run() {
	defer close(h.done)
	for {
		select {
		case req := <-h.reqCh:
			h.onRequest(req)
		case res := <-h.accountDone:
			h.inflight--
			h.onAccountResult(res)
		case res := <-h.storageDone:
			h.inflight--
			h.onStorageResult(res)
		case res := <-h.hashDone:
			h.inflight--
			h.onHashResult(res)
		case <-h.quit:
			h.drain()
			h.flushDisk()
			h.log.Debug("handler stopped", "inflight", h.inflight)
			return
		}
	}
}

// Close marks the handler closed and blocks until the loop has drained and
// exited. Safe to call more than once.
func (h *Handler) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.quit)
	}
	<-h.done
}

// drain keeps serving queued requests and completions until nothing is in
// flight and the queue is empty. Requests already accepted may still start
// new fetches here; they finish before we return.
func (h *Handler) drain() {
	for {
		select {
		case req := <-h.reqCh:
			h.onRequest(req)
			continue
		case res := <-h.accountDone:
			h.inflight--
			h.onAccountResult(res)
			continue
		case res := <-h.storageDone:
			h.inflight--
			h.onStorageResult(res)
			continue
		case res := <-h.hashDone:
			h.inflight--
			h.onHashResult(res)
			continue
		default:
		}
		if h.inflight == 0 {
			return
		}
		select {
		case req := <-h.reqCh:
			h.onRequest(req)
		case res := <-h.accountDone:
			h.inflight--
			h.onAccountResult(res)
		case res := <-h.storageDone:
			h.inflight--
			h.onStorageResult(res)
		case res := <-h.hashDone:
			h.inflight--
			h.onHashResult(res)
		}
	}
}

func (h *Handler) flushDisk() {
	if h.disk == nil {
		return
	}
	if err := h.disk.Flush(h.db); err != nil {
		h.log.Warn("failed to flush fork cache to disk", "err", err)
	}
}

func (h *Handler) onRequest(req *request) {
	switch req.kind {
	case reqExists, reqBasic, reqCode:
		h.onAccountRequest(req)
	case reqStorage:
		h.onStorageRequest(req)
	case reqBlockHash:
		h.onBlockHashRequest(req)
	case reqUpdateAccounts:
		h.db.UpdateAccounts(req.accounts)
	case reqUpdateStorage:
		h.db.UpdateStorage(req.addr, req.slots)
	case reqUpdateBlockHashes:
		h.db.UpdateBlockHashes(req.hashes)
	case reqSetPinnedBlock:
		h.pinned = req.pin
		h.log.Debug("pinned block updated", "block", req.pin)
	default:
		h.log.Error("unknown request kind", "kind", req.kind)
	}
}

func (h *Handler) onAccountRequest(req *request) {
	if entry, ok := h.db.GetAccount(req.addr); ok {
		h.db.Stats().Hits.Add(1)
		h.answerAccount(listenerOf(req), &entry)
		return
	}
	h.db.Stats().Misses.Add(1)
	if p, ok := h.pendingAccounts[req.addr]; ok {
		p.listeners = append(p.listeners, listenerOf(req))
		return
	}
	h.pendingAccounts[req.addr] = &pendingAccount{
		listeners: []accountListener{listenerOf(req)},
		buffered:  make(map[common.Hash]common.Hash),
	}
	h.startAccountFetch(req.addr)
}

func (h *Handler) onStorageRequest(req *request) {
	if value, ok := h.db.GetStorage(req.addr, req.slot); ok {
		h.db.Stats().Hits.Add(1)
		req.valueCh <- value
		return
	}
	// A slot may have resolved while its account is still being fetched.
	// Answer from the side buffer so the caller does not wait again.
	if p, ok := h.pendingAccounts[req.addr]; ok {
		if value, ok := p.buffered[req.slot]; ok {
			h.db.Stats().Hits.Add(1)
			req.valueCh <- value
			return
		}
	}
	h.db.Stats().Misses.Add(1)
	key := storageKey{addr: req.addr, slot: req.slot}
	if listeners, ok := h.pendingStorage[key]; ok {
		h.pendingStorage[key] = append(listeners, req.valueCh)
		return
	}
	h.pendingStorage[key] = []chan<- common.Hash{req.valueCh}
	h.startStorageFetch(key)
}

func (h *Handler) onBlockHashRequest(req *request) {
	if hash, ok := h.db.GetBlockHash(req.number); ok {
		h.db.Stats().Hits.Add(1)
		req.valueCh <- hash
		return
	}
	h.db.Stats().Misses.Add(1)
	if listeners, ok := h.pendingHashes[req.number]; ok {
		h.pendingHashes[req.number] = append(listeners, req.valueCh)
		return
	}
	h.pendingHashes[req.number] = []chan<- common.Hash{req.valueCh}
	h.startHashFetch(req.number)
}

func (h *Handler) answerAccount(l accountListener, entry *cache.AccountEntry) {
	switch l.kind {
	case reqExists:
		l.existsCh <- entry.Exists()
	case reqBasic:
		l.basicCh <- entry.Basic()
	case reqCode:
		l.codeCh <- entry.CodeCopy()
	}
}

func (h *Handler) startAccountFetch(addr common.Address) {
	h.db.Stats().AccountFetches.Add(1)
	h.inflight++
	blockRef := h.pinned
	h.log.Trace("fetching account", "addr", addr, "block", blockRef)
	go func() {
		info, err := h.fetchAccount(addr, blockRef)
		h.accountDone <- accountResult{addr: addr, info: info, err: err}
	}()
}

func (h *Handler) startStorageFetch(key storageKey) {
	h.db.Stats().StorageFetches.Add(1)
	h.inflight++
	blockRef := h.pinned
	h.log.Trace("fetching storage", "addr", key.addr, "slot", key.slot, "block", blockRef)
	go func() {
		value, err := h.fetchStorage(key, blockRef)
		h.storageDone <- storageResult{key: key, value: value, err: err}
	}()
}

func (h *Handler) startHashFetch(number uint64) {
	h.db.Stats().HashFetches.Add(1)
	h.inflight++
	h.log.Trace("fetching block hash", "number", number)
	go func() {
		hash, err := h.fetchBlockHash(number)
		h.hashDone <- hashResult{number: number, hash: hash, err: err}
	}()
}

// acquire takes a fetch slot under the caller's deadline. The semaphore is
// taken inside the fetch goroutine so the handler loop itself never waits on
// the concurrency cap.
func (h *Handler) acquire(ctx context.Context) error {
	return h.sem.Acquire(ctx, 1)
}

func (h *Handler) fetchAccount(addr common.Address, blockRef *big.Int) (fetch.AccountInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.acquire(ctx); err != nil {
		return fetch.AccountInfo{}, err
	}
	defer h.sem.Release(1)
	return h.fetcher.GetAccount(ctx, addr, blockRef)
}

func (h *Handler) fetchStorage(key storageKey, blockRef *big.Int) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.acquire(ctx); err != nil {
		return common.Hash{}, err
	}
	defer h.sem.Release(1)
	return h.fetcher.GetStorage(ctx, key.addr, key.slot, blockRef)
}

func (h *Handler) fetchBlockHash(number uint64) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.acquire(ctx); err != nil {
		return common.Hash{}, err
	}
	defer h.sem.Release(1)
	return h.fetcher.GetBlockHash(ctx, number)
}

func (h *Handler) onAccountResult(res accountResult) {
	p, ok := h.pendingAccounts[res.addr]
	if !ok {
		return
	}
	delete(h.pendingAccounts, res.addr)

	if res.err != nil {
		h.db.Stats().FetchErrors.Add(1)
		h.warnNonArchive(res.err)
		h.log.Trace("account fetch failed, answering with defaults", "addr", res.addr, "err", res.err)
		// Nothing is cached on failure. Buffered slots are dropped with the
		// pending record; the next access retries from scratch.
		empty := &cache.AccountEntry{}
		for _, l := range p.listeners {
			h.answerAccount(l, empty)
		}
		return
	}

	entry := &cache.AccountEntry{
		Nonce:   res.info.Nonce,
		Balance: res.info.Balance,
		Code:    res.info.Code,
		Storage: p.buffered,
	}
	h.db.SetAccount(res.addr, entry)
	h.log.Trace("account fetched", "addr", res.addr, "nonce", entry.Nonce, "codeLen", len(entry.Code), "bufferedSlots", len(p.buffered))
	for _, l := range p.listeners {
		h.answerAccount(l, entry)
	}
}

func (h *Handler) onStorageResult(res storageResult) {
	listeners := h.pendingStorage[res.key]
	delete(h.pendingStorage, res.key)

	value := res.value
	if res.err != nil {
		h.db.Stats().FetchErrors.Add(1)
		h.warnNonArchive(res.err)
		h.log.Trace("storage fetch failed, answering with default", "addr", res.key.addr, "slot", res.key.slot, "err", res.err)
		value = common.Hash{}
	} else if !h.db.SetStorage(res.key.addr, res.key.slot, value) {
		// The account entry does not exist yet. Park the value in the side
		// buffer of the pending account, starting that fetch if nobody has.
		p, ok := h.pendingAccounts[res.key.addr]
		if !ok {
			p = &pendingAccount{buffered: make(map[common.Hash]common.Hash)}
			h.pendingAccounts[res.key.addr] = p
			h.startAccountFetch(res.key.addr)
		}
		p.buffered[res.key.slot] = value
	}
	for _, ch := range listeners {
		ch <- value
	}
}

func (h *Handler) onHashResult(res hashResult) {
	listeners := h.pendingHashes[res.number]
	delete(h.pendingHashes, res.number)

	hash := res.hash
	if res.err != nil {
		h.db.Stats().FetchErrors.Add(1)
		h.warnNonArchive(res.err)
		h.log.Trace("block hash fetch failed, answering with default", "number", res.number, "err", res.err)
		hash = common.Hash{}
	} else {
		h.db.SetBlockHash(res.number, hash)
	}
	for _, ch := range listeners {
		ch <- hash
	}
}

func (h *Handler) warnNonArchive(err error) {
	if !fetch.IsNonArchiveError(err) {
		return
	}
	h.nonArchiveWarn.Do(func() {
		h.log.Warn(fetch.NonArchiveNodeWarning)
	})
}
