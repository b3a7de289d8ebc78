package leveldb

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/syndtr/goleveldb/leveldb/util"

	"evmindex/internal/domain"
)

// IndexLogs is a no-op: block logs are written with the block batch.
func (s *Store) IndexLogs(context.Context, domain.Block, []domain.LogEntry) error {
	return nil
}

// QueryLogs scans per-block blooms in the filter range and decodes only
// the blocks whose bloom may match. Results come back in block, tx,
// log order. A positive Limit stops the scan once Limit+1 logs match so
// the caller can detect overflow.
func (s *Store) QueryLogs(ctx context.Context, filter domain.LogFilter) ([]domain.LogEntry, error) {
	var from, to uint64 = 0, math.MaxUint64
	if filter.FromBlock != nil {
		from = *filter.FromBlock
	}
	if filter.ToBlock != nil {
		to = *filter.ToBlock
	}
	if from > to {
		return nil, nil
	}

	rng := &util.Range{Start: key(prefixBlockBloom, encodeUint(from))}
	if to == math.MaxUint64 {
		rng.Limit = util.BytesPrefix(prefixBlockBloom).Limit
	} else {
		rng.Limit = key(prefixBlockBloom, encodeUint(to+1))
	}

	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()

	var out []domain.LogEntry
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !filter.MayMatch(types.BytesToBloom(iter.Value())) {
			continue
		}
		number := binary.BigEndian.Uint64(iter.Key()[len(prefixBlockBloom):])
		var logs []domain.LogEntry
		ok, err := s.get(key(prefixBlockLogs, encodeUint(number)), &logs)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, log := range logs {
			if !filter.Matches(log) {
				continue
			}
			out = append(out, log)
			if filter.Limit > 0 && len(out) > filter.Limit {
				return out, nil
			}
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}
