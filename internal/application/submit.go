package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"evmindex/internal/domain"
)

type SubmitObserver interface {
	OnTransactionSubmitted(kind domain.TxKind)
	OnTransactionRejected(err error)
}

// Submitter admits decoded transactions into the mempool.
type Submitter struct {
	decoder       *Decoder
	sequencer     *Sequencer
	mempool       *Mempool
	store         ChainStore
	observer      SubmitObserver
	blockGasLimit uint64
}

func NewSubmitter(decoder *Decoder, sequencer *Sequencer, mempool *Mempool, store ChainStore, observer SubmitObserver, blockGasLimit uint64) (*Submitter, error) {
	if decoder == nil || sequencer == nil || mempool == nil || store == nil {
		return nil, errors.New("submitter dependencies must not be nil")
	}
	return &Submitter{
		decoder:       decoder,
		sequencer:     sequencer,
		mempool:       mempool,
		store:         store,
		observer:      observer,
		blockGasLimit: blockGasLimit,
	}, nil
}

// Submit decodes env, reserves its nonce and queues it for inclusion. It
// returns the canonical transaction hash.
func (s *Submitter) Submit(ctx context.Context, env Envelope) (common.Hash, error) {
	if env == nil {
		return common.Hash{}, fmt.Errorf("%w: empty envelope", domain.ErrInvalidTransaction)
	}
	hash, err := s.submit(ctx, env)
	if err != nil {
		if s.observer != nil {
			s.observer.OnTransactionRejected(err)
		}
		slog.Debug("transaction rejected", "kind", env.kind().String(), "error", err)
		return common.Hash{}, err
	}
	if s.observer != nil {
		s.observer.OnTransactionSubmitted(env.kind())
	}
	return hash, nil
}

func (s *Submitter) submit(ctx context.Context, env Envelope) (common.Hash, error) {
	tx, err := s.decoder.Decode(ctx, env)
	if err != nil {
		return common.Hash{}, err
	}
	if s.blockGasLimit > 0 && tx.GasLimit > s.blockGasLimit {
		return common.Hash{}, fmt.Errorf("%w: gas limit %d exceeds block gas limit %d", domain.ErrInvalidTransaction, tx.GasLimit, s.blockGasLimit)
	}
	if s.mempool.Has(tx.Hash) {
		return common.Hash{}, domain.ErrAlreadyKnown
	}
	known, err := s.store.HasTransaction(ctx, tx.Hash)
	if err != nil {
		return common.Hash{}, err
	}
	if known {
		return common.Hash{}, domain.ErrAlreadyKnown
	}
	if err := s.sequencer.Reserve(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	if err := s.mempool.Add(tx); err != nil {
		s.sequencer.Release(tx)
		return common.Hash{}, err
	}
	slog.Debug("transaction queued",
		"hash", tx.Hash.Hex(),
		"evm_hash", tx.EvmHash.Hex(),
		"kind", tx.Kind.String(),
		"from", tx.From.Hex(),
		"nonce", tx.Nonce,
	)
	return tx.Hash, nil
}
