package jsonrpc

import (
	"errors"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"evmindex/internal/domain"
)

// revertError is an execution revert with its return data attached as
// the JSON-RPC error data.
type revertError struct {
	error
	reason string
}

func newRevertError(result *domain.CallResult) *revertError {
	reason := result.Reason
	if reason == "" {
		reason = domain.ErrReverted.Error()
	}
	return &revertError{
		error:  errors.New(reason),
		reason: hexutil.Encode(result.ReturnData),
	}
}

// ErrorCode returns the JSON error code for a revert.
// See: https://github.com/ethereum/wiki/wiki/JSON-RPC-Error-Codes-Improvement-Proposal
func (e *revertError) ErrorCode() int {
	return 3
}

func (e *revertError) ErrorData() interface{} {
	return e.reason
}

// invalidParamsError reports malformed arguments with code -32602.
type invalidParamsError struct{ message string }

func (e *invalidParamsError) Error() string  { return e.message }
func (e *invalidParamsError) ErrorCode() int { return -32602 }

// callError turns a failed read-only execution into an RPC error. Reverts
// carry their return data; out-of-gas surfaces the reason as the message.
func callError(result *domain.CallResult) error {
	switch result.Status {
	case domain.StatusReverted:
		return newRevertError(result)
	case domain.StatusOutOfGas:
		if result.Reason == "" {
			return domain.ErrOutOfGas
		}
		return errors.New(result.Reason)
	default:
		return nil
	}
}

// notFound reports whether err means the requested object does not exist
// at the head; those lookups return null instead of an error.
func notFound(err error) bool {
	return errors.Is(err, domain.ErrReceiptNotFound) ||
		errors.Is(err, domain.ErrTransactionNotFound) ||
		errors.Is(err, domain.ErrBlockNotFound)
}
