package evm

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"

	"evmindex/internal/application"
	"evmindex/internal/domain"
)

// ErrIntrinsicGas marks a transaction whose gas limit does not cover its
// intrinsic cost.
var ErrIntrinsicGas = errors.New("out of gas: intrinsic gas too low")

type Options struct {
	ChainID *big.Int
	// StatePath is the state trie directory. Empty keeps state in memory.
	StatePath  string
	CallGasCap uint64
}

// Engine owns the versioned state trie. Every committed block state root
// stays readable.
type Engine struct {
	chainID    *big.Int
	config     *params.ChainConfig
	diskdb     ethdb.Database
	triedb     *triedb.Database
	statedb    state.Database
	callGasCap uint64

	commitMu sync.Mutex
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.ChainID == nil {
		return nil, errors.New("chain id is required")
	}
	var diskdb ethdb.Database
	if opts.StatePath == "" {
		diskdb = rawdb.NewMemoryDatabase()
	} else {
		kv, err := leveldb.New(opts.StatePath, 128, 256, "evmindex/state/", false)
		if err != nil {
			return nil, fmt.Errorf("open state db: %w", err)
		}
		diskdb = rawdb.NewDatabase(kv)
	}
	tdb := triedb.NewDatabase(diskdb, triedb.HashDefaults)
	capGas := opts.CallGasCap
	if capGas == 0 {
		capGas = 50_000_000
	}
	return &Engine{
		chainID:    new(big.Int).Set(opts.ChainID),
		config:     ChainConfig(opts.ChainID),
		diskdb:     diskdb,
		triedb:     tdb,
		statedb:    state.NewDatabase(tdb, nil),
		callGasCap: capGas,
	}, nil
}

// Begin opens an execution session for the block producer.
func (e *Engine) Begin(parent common.Hash, env domain.BlockEnv) (application.ExecutionSession, error) {
	session, err := e.NewSession(parent, env)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (e *Engine) ChainID() *big.Int {
	return new(big.Int).Set(e.chainID)
}

func (e *Engine) Close() error {
	if err := e.triedb.Close(); err != nil {
		return err
	}
	return e.diskdb.Close()
}

// Genesis funds the allocated accounts, commits the genesis state and
// returns its root.
func (e *Engine) Genesis(alloc map[common.Address]*big.Int) (common.Hash, error) {
	statedb, err := state.New(types.EmptyRootHash, e.statedb)
	if err != nil {
		return common.Hash{}, err
	}
	for addr, amount := range alloc {
		balance, overflow := uint256.FromBig(amount)
		if overflow {
			return common.Hash{}, fmt.Errorf("genesis balance overflows for %s", addr.Hex())
		}
		statedb.SetBalance(addr, balance, tracing.BalanceIncreaseGenesisBalance)
	}
	return e.commit(statedb, 0)
}

// HasState reports whether the trie for root is available.
func (e *Engine) HasState(root common.Hash) bool {
	_, err := state.New(root, e.statedb)
	return err == nil
}

func (e *Engine) commit(statedb *state.StateDB, number uint64) (common.Hash, error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	root, err := statedb.Commit(number, true, false)
	if err != nil {
		return common.Hash{}, fmt.Errorf("commit state: %w", err)
	}
	if err := e.triedb.Commit(root, false); err != nil {
		return common.Hash{}, fmt.Errorf("commit trie: %w", err)
	}
	slog.Debug("state committed", "block", number, "root", root.Hex())
	return root, nil
}

func (e *Engine) blockContext(env domain.BlockEnv) vm.BlockContext {
	random := common.BigToHash(new(big.Int).SetUint64(env.Number))
	getHash := env.GetHash
	if getHash == nil {
		getHash = func(uint64) common.Hash { return common.Hash{} }
	}
	return vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash:     getHash,
		GasLimit:    env.GasLimit,
		BlockNumber: new(big.Int).SetUint64(env.Number),
		Time:        env.Time,
		Difficulty:  new(big.Int),
		BaseFee:     new(big.Int),
		BlobBaseFee: new(big.Int),
		Random:      &random,
	}
}

func (e *Engine) stateAt(root common.Hash) (*state.StateDB, error) {
	statedb, err := state.New(root, e.statedb)
	if err != nil {
		return nil, fmt.Errorf("state %s unavailable: %w", root.Hex(), err)
	}
	return statedb, nil
}

func (e *Engine) Nonce(root common.Hash, addr common.Address) (uint64, error) {
	statedb, err := e.stateAt(root)
	if err != nil {
		return 0, err
	}
	return statedb.GetNonce(addr), nil
}

func (e *Engine) Balance(root common.Hash, addr common.Address) (*big.Int, error) {
	statedb, err := e.stateAt(root)
	if err != nil {
		return nil, err
	}
	return statedb.GetBalance(addr).ToBig(), nil
}

func (e *Engine) Code(root common.Hash, addr common.Address) ([]byte, error) {
	statedb, err := e.stateAt(root)
	if err != nil {
		return nil, err
	}
	return statedb.GetCode(addr), nil
}

func (e *Engine) StorageAt(root common.Hash, addr common.Address, slot common.Hash) (common.Hash, error) {
	statedb, err := e.stateAt(root)
	if err != nil {
		return common.Hash{}, err
	}
	return statedb.GetState(addr, slot), nil
}

func intrinsicGas(data []byte, isCreate bool) (uint64, error) {
	return core.IntrinsicGas(data, nil, nil, isCreate, true, true, true)
}
