package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ErrCacheMismatch is returned when a cache file on disk was written for a
// different chain or pinned block than the current session.
var ErrCacheMismatch = errors.New("disk cache metadata mismatch")

type diskMeta struct {
	ChainID     uint64 `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
}

type diskAccount struct {
	Nonce   uint64                      `json:"nonce"`
	Balance *uint256.Int                `json:"balance"`
	Code    hexutil.Bytes               `json:"code,omitempty"`
	Storage map[common.Hash]common.Hash `json:"storage,omitempty"`
}

type diskData struct {
	Accounts    map[common.Address]diskAccount `json:"accounts"`
	BlockHashes map[uint64]common.Hash         `json:"block_hashes"`
}

type diskFile struct {
	Meta diskMeta `json:"meta"`
	Data diskData `json:"data"`
}

// DiskCache persists a fork session's cache as a JSON file so a later
// session pinned to the same chain and block can start warm. Flush is
// atomic: the file is written to a temp name and renamed into place.
type DiskCache struct {
	path string
	meta diskMeta
	log  log.Logger
}

// CachePath returns the conventional cache file location under dir:
// dir/<chain id>/<block number>.json
func CachePath(dir string, chainID, blockNumber uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d", chainID), fmt.Sprintf("%d.json", blockNumber))
}

// NewDiskCache creates a disk cache bound to one (chain id, block) session
func NewDiskCache(path string, chainID, blockNumber uint64) *DiskCache {
	return &DiskCache{
		path: path,
		meta: diskMeta{ChainID: chainID, BlockNumber: blockNumber},
		log:  log.New("component", "diskcache", "path", path),
	}
}

// Path returns the cache file location
func (dc *DiskCache) Path() string {
	return dc.path
}

// Load hydrates db from the cache file. A missing file is not an error
// (fresh session); a file written for a different session is rejected with
// ErrCacheMismatch.
func (dc *DiskCache) Load(db *BlockchainDB) error {
	data, err := os.ReadFile(dc.path)
	if err != nil {
		if os.IsNotExist(err) {
			dc.log.Debug("no cache file, starting cold")
			return nil
		}
		return fmt.Errorf("read cache file: %w", err)
	}

	var file diskFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse cache file: %w", err)
	}
	if file.Meta != dc.meta {
		return fmt.Errorf("%w: file is for chain %d block %d, session is chain %d block %d",
			ErrCacheMismatch, file.Meta.ChainID, file.Meta.BlockNumber, dc.meta.ChainID, dc.meta.BlockNumber)
	}

	for addr, acc := range file.Data.Accounts {
		db.SetAccount(addr, &AccountEntry{
			Nonce:   acc.Nonce,
			Balance: acc.Balance,
			Code:    acc.Code,
			Storage: acc.Storage,
		})
	}
	if len(file.Data.BlockHashes) > 0 {
		db.UpdateBlockHashes(file.Data.BlockHashes)
	}

	dc.log.Info("loaded json cache", "accounts", len(file.Data.Accounts), "blockHashes", len(file.Data.BlockHashes))
	return nil
}

// Flush writes a snapshot of db to the cache file atomically
func (dc *DiskCache) Flush(db *BlockchainDB) error {
	accounts, blockHashes := db.snapshotData()

	file := diskFile{
		Meta: dc.meta,
		Data: diskData{
			Accounts:    make(map[common.Address]diskAccount, len(accounts)),
			BlockHashes: blockHashes,
		},
	}
	for addr, e := range accounts {
		file.Data.Accounts[addr] = diskAccount{
			Nonce:   e.Nonce,
			Balance: e.Balance,
			Code:    e.Code,
			Storage: e.Storage,
		}
	}

	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode cache file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dc.path), 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp := fmt.Sprintf("%s.%s.tmp", dc.path, uuid.NewString())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := os.Rename(tmp, dc.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename cache file: %w", err)
	}

	dc.log.Debug("flushed json cache", "accounts", len(file.Data.Accounts), "bytes", len(data))
	return nil
}
