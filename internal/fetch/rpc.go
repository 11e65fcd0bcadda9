package fetch

import (
	"context"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// RPCFetcher implements Fetcher over a JSON-RPC provider. An account fetch
// issues its three underlying calls (balance, nonce, code) concurrently, so
// one logical fetch costs one provider round-trip when the provider can
// parallelize.
type RPCFetcher struct {
	rc      *rpc.Client
	ec      *ethclient.Client
	limiter *rate.Limiter // nil when rate limiting is disabled
	log     log.Logger
}

// NewRPCFetcher wraps an existing RPC client. ratePerSec caps outgoing
// provider calls client-side; 0 disables the limiter.
func NewRPCFetcher(client *rpc.Client, ratePerSec float64, burst int) *RPCFetcher {
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return &RPCFetcher{
		rc:      client,
		ec:      ethclient.NewClient(client),
		limiter: limiter,
		log:     log.New("component", "fetcher"),
	}
}

// Dial connects an RPCFetcher to url. A non-nil httpClient overrides the
// transport, which is how tests route through the fault-injecting client.
func Dial(ctx context.Context, url string, httpClient *http.Client, ratePerSec float64, burst int) (*RPCFetcher, error) {
	opts := []rpc.ClientOption{}
	if httpClient != nil {
		opts = append(opts, rpc.WithHTTPClient(httpClient))
	}
	client, err := rpc.DialOptions(ctx, url, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial provider %s: %w", url, err)
	}
	return NewRPCFetcher(client, ratePerSec, burst), nil
}

// Client exposes the underlying ethclient for session setup (chain id,
// pinned header)
func (f *RPCFetcher) Client() *ethclient.Client {
	return f.ec
}

// Close tears down the underlying RPC connection
func (f *RPCFetcher) Close() {
	f.ec.Close()
}

func (f *RPCFetcher) wait(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	return f.limiter.Wait(ctx)
}

// GetAccount fetches balance, nonce, and code for addr at blockRef in
// parallel
func (f *RPCFetcher) GetAccount(ctx context.Context, addr common.Address, blockRef *big.Int) (AccountInfo, error) {
	var (
		balance *big.Int
		nonce   uint64
		code    []byte
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := f.wait(gctx); err != nil {
			return err
		}
		var err error
		balance, err = f.ec.BalanceAt(gctx, addr, blockRef)
		if err != nil {
			return fmt.Errorf("get balance: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := f.wait(gctx); err != nil {
			return err
		}
		var err error
		nonce, err = f.ec.NonceAt(gctx, addr, blockRef)
		if err != nil {
			return fmt.Errorf("get nonce: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := f.wait(gctx); err != nil {
			return err
		}
		var err error
		code, err = f.ec.CodeAt(gctx, addr, blockRef)
		if err != nil {
			return fmt.Errorf("get code: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return AccountInfo{}, fmt.Errorf("fetch account %s: %w", addr, err)
	}

	bal, overflow := uint256.FromBig(balance)
	if overflow {
		return AccountInfo{}, fmt.Errorf("fetch account %s: balance overflows 256 bits", addr)
	}
	return AccountInfo{Balance: bal, Nonce: nonce, Code: code}, nil
}

// GetStorage fetches one storage slot of addr at blockRef
func (f *RPCFetcher) GetStorage(ctx context.Context, addr common.Address, slot common.Hash, blockRef *big.Int) (common.Hash, error) {
	if err := f.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	val, err := f.ec.StorageAt(ctx, addr, slot, blockRef)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch storage %s slot %s: %w", addr, slot, err)
	}
	return common.BytesToHash(val), nil
}

// GetBlockHash resolves a block number to its hash. The hash comes straight
// from the provider's block object rather than being recomputed from header
// fields, so providers serving partial headers still resolve.
func (f *RPCFetcher) GetBlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	if err := f.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	var blk *struct {
		Hash common.Hash `json:"hash"`
	}
	err := f.rc.CallContext(ctx, &blk, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch block hash %d: %w", number, err)
	}
	if blk == nil {
		return common.Hash{}, fmt.Errorf("fetch block hash %d: %w", number, ethereum.NotFound)
	}
	return blk.Hash, nil
}
