package evm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"

	"evmindex/internal/domain"
)

// Session executes the transactions of one block on top of a parent
// state root. It is not safe for concurrent use.
type Session struct {
	engine     *Engine
	env        domain.BlockEnv
	statedb    *state.StateDB
	gasPool    *core.GasPool
	cumulative uint64
	index      uint64
}

func (e *Engine) NewSession(parent common.Hash, env domain.BlockEnv) (*Session, error) {
	statedb, err := e.stateAt(parent)
	if err != nil {
		return nil, err
	}
	return &Session{
		engine:  e,
		env:     env,
		statedb: statedb,
		gasPool: new(core.GasPool).AddGas(env.GasLimit),
	}, nil
}

// GasUsed is the cumulative gas of every applied transaction.
func (s *Session) GasUsed() uint64 {
	return s.cumulative
}

// Apply executes tx as the next transaction of the block. A nonce
// mismatch or a gas limit above the remaining block gas returns an error
// and leaves state untouched; every other outcome yields a receipt and
// consumes the sender nonce.
func (s *Session) Apply(tx *domain.Transaction) (*domain.Receipt, error) {
	stateNonce := s.statedb.GetNonce(tx.From)
	switch {
	case tx.Nonce < stateNonce:
		return nil, fmt.Errorf("%w: address %s, tx %d state %d", domain.ErrNonceTooLow, tx.From.Hex(), tx.Nonce, stateNonce)
	case tx.Nonce > stateNonce:
		return nil, fmt.Errorf("%w: address %s, tx %d state %d", domain.ErrNonceTooHigh, tx.From.Hex(), tx.Nonce, stateNonce)
	}
	if tx.GasLimit > s.gasPool.Gas() {
		return nil, fmt.Errorf("%w: gas limit %d above remaining block gas %d", core.ErrGasLimitReached, tx.GasLimit, s.gasPool.Gas())
	}

	s.statedb.SetTxContext(tx.Hash, int(s.index))
	receipt := &domain.Receipt{
		TxHash:       tx.Hash,
		EvmTxHash:    tx.EvmHash,
		From:         tx.From,
		ExternalFrom: tx.ExternalFrom,
		To:           tx.To,
		BlockNumber:  s.env.Number,
		TxIndex:      s.index,
	}

	intrinsic, err := intrinsicGas(tx.Data, tx.IsCreate())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTransaction, err)
	}
	if tx.GasLimit < intrinsic {
		s.statedb.SetNonce(tx.From, stateNonce+1, tracing.NonceChangeEoACall)
		if err := s.gasPool.SubGas(tx.GasLimit); err != nil {
			return nil, err
		}
		receipt.Status = domain.StatusOutOfGas
		receipt.FailureReason = ErrIntrinsicGas.Error()
		receipt.GasUsed = tx.GasLimit
		s.finish(receipt)
		return receipt, nil
	}

	stack := newCallStack()
	hooks := stack.Hooks()
	evm := vm.NewEVM(s.engine.blockContext(s.env), state.NewHookedState(s.statedb, hooks), s.engine.config, vm.Config{Tracer: hooks})
	msg := transactionMessage(tx)
	evm.SetTxContext(core.NewEVMTxContext(msg))

	result, err := core.ApplyMessage(evm, msg, s.gasPool)
	if err != nil {
		// Consensus-level rejections such as insufficient funds leave
		// state untouched; the nonce is still consumed.
		s.statedb.SetNonce(tx.From, stateNonce+1, tracing.NonceChangeEoACall)
		receipt.Status = domain.StatusReverted
		receipt.FailureReason = revertReason(err)
		s.finish(receipt)
		return receipt, nil
	}

	receipt.GasUsed = result.UsedGas
	receipt.Status, receipt.FailureReason = classify(result)
	if receipt.Status.Succeeded() {
		if tx.IsCreate() {
			addr := crypto.CreateAddress(tx.From, tx.Nonce)
			receipt.ContractAddress = &addr
		}
		receipt.Logs = convertLogs(stack.Logs(), tx.Hash, s.env.Number, s.index)
	}
	s.finish(receipt)
	return receipt, nil
}

func (s *Session) finish(receipt *domain.Receipt) {
	s.statedb.Finalise(true)
	s.cumulative += receipt.GasUsed
	receipt.CumulativeGasUsed = s.cumulative
	receipt.Bloom = domain.BloomFor(receipt.Logs)
	s.index++
}

// Commit writes the block state to the trie database and returns the new
// state root. A failure here must halt block production.
func (s *Session) Commit() (common.Hash, error) {
	return s.engine.commit(s.statedb, s.env.Number)
}

func transactionMessage(tx *domain.Transaction) *core.Message {
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}
	return &core.Message{
		From:      tx.From,
		To:        tx.To,
		Nonce:     tx.Nonce,
		Value:     value,
		GasLimit:  tx.GasLimit,
		GasPrice:  new(big.Int),
		GasFeeCap: new(big.Int),
		GasTipCap: new(big.Int),
		Data:      tx.Data,
	}
}

// classify maps an execution result onto the terminal transaction states.
func classify(result *core.ExecutionResult) (domain.ExecutionStatus, string) {
	switch {
	case result.Err == nil:
		return domain.StatusCommitted, ""
	case errors.Is(result.Err, vm.ErrOutOfGas), errors.Is(result.Err, vm.ErrCodeStoreOutOfGas):
		return domain.StatusOutOfGas, result.Err.Error()
	case errors.Is(result.Err, vm.ErrExecutionReverted):
		reason := vm.ErrExecutionReverted.Error()
		if unpacked, err := abi.UnpackRevert(result.Revert()); err == nil {
			reason += ": " + unpacked
		}
		return domain.StatusReverted, reason
	default:
		return domain.StatusReverted, revertReason(result.Err)
	}
}

func revertReason(err error) string {
	return fmt.Sprintf("%s: %v", vm.ErrExecutionReverted.Error(), err)
}

func convertLogs(logs []*types.Log, txHash common.Hash, number uint64, txIndex uint64) []domain.LogEntry {
	if len(logs) == 0 {
		return nil
	}
	out := make([]domain.LogEntry, 0, len(logs))
	for i, log := range logs {
		out = append(out, domain.LogEntry{
			Address:     log.Address,
			Topics:      append([]common.Hash(nil), log.Topics...),
			Data:        common.CopyBytes(log.Data),
			BlockNumber: number,
			TxHash:      txHash,
			TxIndex:     txIndex,
			LogIndex:    uint64(i),
		})
	}
	return out
}
