package fork

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/forkdb-experiment/forkdb/internal/cache"
	"github.com/forkdb-experiment/forkdb/internal/fetch"
)

type requestKind uint8

const (
	reqExists requestKind = iota
	reqBasic
	reqCode
	reqStorage
	reqBlockHash
	reqUpdateAccounts
	reqUpdateStorage
	reqUpdateBlockHashes
	reqSetPinnedBlock
)

func (k requestKind) String() string {
	switch k {
	case reqExists:
		return "exists"
	case reqBasic:
		return "basic"
	case reqCode:
		return "code"
	case reqStorage:
		return "storage"
	case reqBlockHash:
		return "blockhash"
	case reqUpdateAccounts:
		return "update-accounts"
	case reqUpdateStorage:
		return "update-storage"
	case reqUpdateBlockHashes:
		return "update-blockhashes"
	case reqSetPinnedBlock:
		return "set-pinned-block"
	default:
		return "unknown"
	}
}

// storageKey identifies one dedup unit for slot fetches. Slots of the same
// account coalesce independently of each other.
type storageKey struct {
	addr common.Address
	slot common.Hash
}

// request carries one facade call into the handler loop. Only the fields for
// its kind are set. Reply channels have capacity 1 so the handler never
// blocks answering.
type request struct {
	kind   requestKind
	addr   common.Address
	slot   common.Hash
	number uint64
	pin    *big.Int

	accounts map[common.Address]cache.AccountEntry
	slots    map[common.Hash]common.Hash
	hashes   map[uint64]common.Hash

	existsCh chan bool
	basicCh  chan cache.BasicAccount
	codeCh   chan []byte
	valueCh  chan common.Hash
}

// accountListener is one caller waiting on an account fetch. The same fetch
// answers exists, basic and code listeners.
type accountListener struct {
	kind     requestKind
	existsCh chan<- bool
	basicCh  chan<- cache.BasicAccount
	codeCh   chan<- []byte
}

func listenerOf(req *request) accountListener {
	return accountListener{
		kind:     req.kind,
		existsCh: req.existsCh,
		basicCh:  req.basicCh,
		codeCh:   req.codeCh,
	}
}

// pendingAccount tracks an account fetch in flight: who is waiting for it,
// and slot values that resolved before the account itself did. The buffer is
// merged into the cache entry when the fetch lands.
type pendingAccount struct {
	listeners []accountListener
	buffered  map[common.Hash]common.Hash
}

type accountResult struct {
	addr common.Address
	info fetch.AccountInfo
	err  error
}

type storageResult struct {
	key   storageKey
	value common.Hash
	err   error
}

type hashResult struct {
	number uint64
	hash   common.Hash
	err    error
}
