package evm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
)

type callFrame struct {
	logs []*types.Log
}

// callStack tracks one frame per call so that logs of reverted frames
// are discarded and completed frames hand their logs to the caller.
type callStack struct {
	frames []*callFrame
	result []*types.Log
}

func newCallStack() *callStack {
	return &callStack{}
}

func (c *callStack) Hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnEnter: c.onEnter,
		OnExit:  c.onExit,
		OnLog:   c.onLog,
	}
}

func (c *callStack) onEnter(int, byte, common.Address, common.Address, []byte, uint64, *big.Int) {
	c.frames = append(c.frames, &callFrame{})
}

func (c *callStack) onExit(_ int, _ []byte, _ uint64, _ error, reverted bool) {
	if len(c.frames) == 0 {
		return
	}
	top := c.frames[len(c.frames)-1]
	c.frames = c.frames[:len(c.frames)-1]
	if reverted {
		return
	}
	if len(c.frames) == 0 {
		c.result = top.logs
		return
	}
	parent := c.frames[len(c.frames)-1]
	parent.logs = append(parent.logs, top.logs...)
}

func (c *callStack) onLog(log *types.Log) {
	if len(c.frames) == 0 {
		return
	}
	top := c.frames[len(c.frames)-1]
	top.logs = append(top.logs, log)
}

// Logs returns the root frame's logs after execution completes.
func (c *callStack) Logs() []*types.Log {
	return c.result
}
