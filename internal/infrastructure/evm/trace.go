package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/eth/tracers/logger"

	"evmindex/internal/domain"
)

// Trace re-executes the block prefix on top of parent and then runs
// target under a struct logger, returning the logger's JSON result.
func (e *Engine) Trace(ctx context.Context, parent common.Hash, env domain.BlockEnv, prefix []domain.Transaction, target domain.Transaction, opts domain.TraceOptions) (json.RawMessage, error) {
	session, err := e.NewSession(parent, env)
	if err != nil {
		return nil, err
	}
	for i := range prefix {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := session.Apply(&prefix[i]); err != nil {
			return nil, fmt.Errorf("replay tx %s: %w", prefix[i].Hash.Hex(), err)
		}
	}
	return session.trace(ctx, &target, opts)
}

func (s *Session) trace(ctx context.Context, tx *domain.Transaction, opts domain.TraceOptions) (json.RawMessage, error) {
	tracer := logger.NewStructLogger(&logger.Config{
		EnableMemory:   !opts.DisableMemory,
		DisableStack:   opts.DisableStack,
		DisableStorage: opts.DisableStorage,
	})
	hooks := tracer.Hooks()

	s.statedb.SetTxContext(tx.Hash, int(s.index))
	evm := vm.NewEVM(s.engine.blockContext(s.env), state.NewHookedState(s.statedb, hooks), s.engine.config, vm.Config{Tracer: hooks})
	msg := transactionMessage(tx)
	evm.SetTxContext(core.NewEVMTxContext(msg))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			tracer.Stop(context.Cause(ctx))
			evm.Cancel()
		case <-done:
		}
	}()

	if hooks.OnTxStart != nil {
		hooks.OnTxStart(evm.GetVMContext(), envelopeFor(tx), tx.From)
	}
	result, err := core.ApplyMessage(evm, msg, s.gasPool)
	if hooks.OnTxEnd != nil {
		if err != nil {
			hooks.OnTxEnd(nil, err)
		} else {
			hooks.OnTxEnd(&types.Receipt{GasUsed: result.UsedGas}, nil)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("trace tx %s: %w", tx.Hash.Hex(), err)
	}
	return tracer.GetResult()
}

// envelopeFor rebuilds an unsigned legacy transaction carrying the
// execution fields of tx for tracer callbacks that expect one.
func envelopeFor(tx *domain.Transaction) *types.Transaction {
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    tx.Nonce,
		To:       tx.To,
		Value:    value,
		Gas:      tx.GasLimit,
		GasPrice: new(big.Int),
		Data:     tx.Data,
	})
}
