// Package rpcnode serves a minimal Ethereum JSON-RPC surface over HTTP. It
// backs the integration tests as a scriptable provider stand-in, and doubles
// as a proxy endpoint exposing a fork backend to ordinary RPC clients.
package rpcnode

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/forkdb-experiment/forkdb/internal/fork"
)

// StateSource is the state the server answers from. Implementations return
// an error to make the server reply with a JSON-RPC error for that call.
type StateSource interface {
	ChainID() *big.Int
	BlockNumber() uint64
	GasPrice() *big.Int
	Balance(addr common.Address) (*big.Int, error)
	Nonce(addr common.Address) (uint64, error)
	Code(addr common.Address) ([]byte, error)
	StorageAt(addr common.Address, slot common.Hash) (common.Hash, error)
	BlockHash(number uint64) (common.Hash, error)
}

// BackendSource adapts a fork backend into a StateSource, letting the server
// re-serve forked state downstream. Backend reads never fail, so neither do
// these.
type BackendSource struct {
	b *fork.SharedBackend
}

// NewBackendSource wraps a backend handle for serving.
func NewBackendSource(b *fork.SharedBackend) *BackendSource {
	return &BackendSource{b: b}
}

func (s *BackendSource) ChainID() *big.Int {
	return s.b.ChainID()
}

func (s *BackendSource) BlockNumber() uint64 {
	return s.b.BlockNumber().Uint64()
}

func (s *BackendSource) GasPrice() *big.Int {
	return s.b.GasPrice()
}

func (s *BackendSource) Balance(addr common.Address) (*big.Int, error) {
	return s.b.Basic(addr).Balance.ToBig(), nil
}

func (s *BackendSource) Nonce(addr common.Address) (uint64, error) {
	return s.b.Basic(addr).Nonce, nil
}

func (s *BackendSource) Code(addr common.Address) ([]byte, error) {
	return s.b.Code(addr), nil
}

func (s *BackendSource) StorageAt(addr common.Address, slot common.Hash) (common.Hash, error) {
	return s.b.Storage(addr, slot), nil
}

func (s *BackendSource) BlockHash(number uint64) (common.Hash, error) {
	return s.b.BlockHash(number), nil
}
