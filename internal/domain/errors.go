package domain

import "errors"

var (
	ErrNonceTooLow         = errors.New("nonce too low")
	ErrNonceTooHigh        = errors.New("nonce too high")
	ErrUnmappedSigner      = errors.New("unmapped signer")
	ErrUnmappedAccount     = errors.New("unmapped account")
	ErrDuplicateMapping    = errors.New("identity mapping already exists")
	ErrInvalidMapping      = errors.New("invalid identity mapping")
	ErrInvalidTransaction  = errors.New("invalid transaction")
	ErrMempoolFull         = errors.New("mempool full")
	ErrAlreadyKnown        = errors.New("already known")
	ErrReverted            = errors.New("execution reverted")
	ErrOutOfGas            = errors.New("out of gas")
	ErrReceiptNotFound     = errors.New("receipt not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrBlockNotFound       = errors.New("block not found")
	ErrStorageUnavailable  = errors.New("storage unavailable at requested block")
	ErrTooManyResults      = errors.New("query returned too many results")
)
