package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/vm"

	"evmindex/internal/domain"
)

// ErrGasCapExceeded is returned by EstimateGas when the call fails even
// with the maximum allowance.
var ErrGasCapExceeded = errors.New("gas required exceeds allowance")

// Call executes req against a throwaway copy of the state at root.
func (e *Engine) Call(ctx context.Context, root common.Hash, env domain.BlockEnv, req domain.CallRequest) (*domain.CallResult, error) {
	gas := req.Gas
	if gas == 0 || gas > e.callGasCap {
		gas = e.callGasCap
	}
	return e.call(ctx, root, env, req, gas)
}

func (e *Engine) call(ctx context.Context, root common.Hash, env domain.BlockEnv, req domain.CallRequest, gas uint64) (*domain.CallResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	statedb, err := e.stateAt(root)
	if err != nil {
		return nil, err
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	msg := &core.Message{
		From:            req.From,
		To:              req.To,
		Nonce:           statedb.GetNonce(req.From),
		Value:           value,
		GasLimit:        gas,
		GasPrice:        new(big.Int),
		GasFeeCap:       new(big.Int),
		GasTipCap:       new(big.Int),
		Data:            req.Data,
		SkipNonceChecks: true,
	}
	if env.GasLimit < gas {
		env.GasLimit = gas
	}
	evm := vm.NewEVM(e.blockContext(env), statedb, e.config, vm.Config{NoBaseFee: true})
	evm.SetTxContext(core.NewEVMTxContext(msg))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			evm.Cancel()
		case <-done:
		}
	}()

	result, err := core.ApplyMessage(evm, msg, new(core.GasPool).AddGas(gas))
	if err != nil {
		return nil, err
	}
	if evm.Cancelled() {
		return nil, fmt.Errorf("execution aborted: %w", context.Cause(ctx))
	}
	status, reason := classify(result)
	out := &domain.CallResult{
		GasUsed: result.UsedGas,
		Status:  status,
		Reason:  reason,
	}
	if status == domain.StatusReverted {
		out.ReturnData = result.Revert()
	} else {
		out.ReturnData = result.Return()
	}
	return out, nil
}

// EstimateGas binary-searches the lowest gas limit under which req
// succeeds. A call that reverts at the cap returns the revert result with
// a nil error so the caller can surface the revert data.
func (e *Engine) EstimateGas(ctx context.Context, root common.Hash, env domain.BlockEnv, req domain.CallRequest) (uint64, *domain.CallResult, error) {
	hi := e.callGasCap
	if req.Gas != 0 && req.Gas < hi {
		hi = req.Gas
	}
	intrinsic, err := intrinsicGas(req.Data, req.To == nil)
	if err != nil {
		return 0, nil, err
	}
	if hi < intrinsic {
		return 0, nil, ErrGasCapExceeded
	}

	result, err := e.call(ctx, root, env, req, hi)
	if err != nil {
		return 0, nil, err
	}
	switch result.Status {
	case domain.StatusReverted:
		return 0, result, nil
	case domain.StatusOutOfGas:
		return 0, nil, fmt.Errorf("%w (%d)", ErrGasCapExceeded, hi)
	}

	lo := intrinsic - 1
	if result.GasUsed > 0 && result.GasUsed-1 > lo {
		lo = result.GasUsed - 1
	}
	for lo+1 < hi {
		mid := lo + (hi-lo)/2
		result, err := e.call(ctx, root, env, req, mid)
		if err != nil {
			return 0, nil, err
		}
		if result.Status.Succeeded() {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi, nil, nil
}
