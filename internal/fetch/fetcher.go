// Package fetch defines the remote state source a fork session reads from.
// The backend handler starts fetches through the Fetcher interface and never
// retries; implementations decide transport, timeouts are applied by the
// caller through ctx.
package fetch

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccountInfo is the result of one account fetch: everything needed to
// answer basic-info, code, and existence requests.
type AccountInfo struct {
	Balance *uint256.Int
	Nonce   uint64
	Code    []byte
}

// Fetcher retrieves state for an address at a fixed block reference.
// A nil blockRef means the provider's latest block. Implementations must be
// safe for concurrent use; the handler runs many fetches at once.
type Fetcher interface {
	GetAccount(ctx context.Context, addr common.Address, blockRef *big.Int) (AccountInfo, error)
	GetStorage(ctx context.Context, addr common.Address, slot common.Hash, blockRef *big.Int) (common.Hash, error)
	GetBlockHash(ctx context.Context, number uint64) (common.Hash, error)
}

// NonArchiveNodeWarning is logged once per session when a fetch error looks
// like the provider pruned the requested historical state.
const NonArchiveNodeWarning = "it looks like you're forking from an older block with a non-archive node; " +
	"switch the RPC url to an archive node if the issue persists"

var nonArchiveMarkers = []string{
	"missing trie node",
	"required historical state unavailable",
	"historical state not available",
	"no historical rpc is available",
	"distance to target block exceeds maximum proof window",
	"header not found",
}

// IsNonArchiveError reports whether err plausibly means the provider is not
// an archive node for the pinned block
func IsNonArchiveError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range nonArchiveMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
