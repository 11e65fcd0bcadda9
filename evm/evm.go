package evm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/forkdb-experiment/forkdb/internal/cache"
	"github.com/forkdb-experiment/forkdb/internal/fork"
)

// Runner executes calls and deployments against forked state. The block and
// transaction context come from the fork env, and BLOCKHASH resolves through
// the backend, so bytecode behaves as if it ran at the pinned block.
type Runner struct {
	backend     *fork.SharedBackend
	codes       *cache.CodeCache
	chainConfig *params.ChainConfig
	vmConfig    vm.Config
}

// NewRunner builds a runner over backend with all forks through Cancun
// active, which is what forked mainnet-like state expects.
func NewRunner(backend *fork.SharedBackend) *Runner {
	return &Runner{
		backend:     backend,
		codes:       cache.NewCodeCache(cache.DefaultCodeCacheBytes),
		chainConfig: chainConfigFor(backend.ChainID()),
	}
}

// NewStateDB returns a fresh overlay sharing the runner's code cache. Each
// concurrent executor should hold its own.
func (r *Runner) NewStateDB() *ForkStateDB {
	return NewForkStateDB(r.backend.Clone(), r.codes)
}

func chainConfigFor(chainID *big.Int) *params.ChainConfig {
	zero := uint64(0)
	return &params.ChainConfig{
		ChainID:                 chainID,
		HomesteadBlock:          big.NewInt(0),
		EIP150Block:             big.NewInt(0),
		EIP155Block:             big.NewInt(0),
		EIP158Block:             big.NewInt(0),
		ByzantiumBlock:          big.NewInt(0),
		ConstantinopleBlock:     big.NewInt(0),
		PetersburgBlock:         big.NewInt(0),
		IstanbulBlock:           big.NewInt(0),
		MuirGlacierBlock:        big.NewInt(0),
		BerlinBlock:             big.NewInt(0),
		LondonBlock:             big.NewInt(0),
		ArrowGlacierBlock:       big.NewInt(0),
		GrayGlacierBlock:        big.NewInt(0),
		MergeNetsplitBlock:      big.NewInt(0),
		TerminalTotalDifficulty: big.NewInt(0),
		ShanghaiTime:            &zero,
		CancunTime:              &zero,
	}
}

func (r *Runner) newEVM(db *ForkStateDB, origin common.Address) *vm.EVM {
	env := r.backend.Env()
	random := common.Hash{}
	blockCtx := vm.BlockContext{
		CanTransfer: canTransfer,
		Transfer:    transfer,
		GetHash:     r.backend.BlockHash,
		Coinbase:    env.Coinbase,
		BlockNumber: r.backend.BlockNumber(),
		Time:        env.Time,
		Difficulty:  r.backend.Difficulty(),
		GasLimit:    env.GasLimit,
		BaseFee:     r.backend.BaseFee(),
		BlobBaseFee: big.NewInt(1),
		Random:      &random,
	}
	txCtx := vm.TxContext{
		Origin:   origin,
		GasPrice: r.backend.GasPrice(),
	}
	machine := vm.NewEVM(blockCtx, db, r.chainConfig, r.vmConfig)
	machine.SetTxContext(txCtx)
	return machine
}

func (r *Runner) prepare(db *ForkStateDB, sender common.Address, dest *common.Address) {
	env := r.backend.Env()
	rules := r.chainConfig.Rules(env.BlockNumber, true, env.Time)
	db.Prepare(rules, sender, env.Coinbase, dest, vm.ActivePrecompiles(rules), nil)
}

// Call runs a message call from from to to against db's overlay and returns
// the output and gas used.
func (r *Runner) Call(db *ForkStateDB, from, to common.Address, input []byte, gas uint64, value *uint256.Int) ([]byte, uint64, error) {
	if value == nil {
		value = new(uint256.Int)
	}
	machine := r.newEVM(db, from)
	r.prepare(db, from, &to)
	ret, gasLeft, err := machine.Call(from, to, input, gas, value)
	return ret, gas - gasLeft, err
}

// StaticCall runs a read-only call; any state write aborts it.
func (r *Runner) StaticCall(db *ForkStateDB, from, to common.Address, input []byte, gas uint64) ([]byte, uint64, error) {
	machine := r.newEVM(db, from)
	r.prepare(db, from, &to)
	ret, gasLeft, err := machine.StaticCall(from, to, input, gas)
	return ret, gas - gasLeft, err
}

// Create deploys a contract from init code and returns the runtime code, the
// new address and gas used.
func (r *Runner) Create(db *ForkStateDB, from common.Address, initCode []byte, gas uint64, value *uint256.Int) ([]byte, common.Address, uint64, error) {
	if value == nil {
		value = new(uint256.Int)
	}
	machine := r.newEVM(db, from)
	r.prepare(db, from, nil)
	ret, addr, gasLeft, err := machine.Create(from, initCode, gas, value)
	return ret, addr, gas - gasLeft, err
}

func canTransfer(db vm.StateDB, addr common.Address, amount *uint256.Int) bool {
	return db.GetBalance(addr).Cmp(amount) >= 0
}

func transfer(db vm.StateDB, sender, recipient common.Address, amount *uint256.Int) {
	db.SubBalance(sender, amount, tracing.BalanceChangeTransfer)
	db.AddBalance(recipient, amount, tracing.BalanceChangeTransfer)
}
