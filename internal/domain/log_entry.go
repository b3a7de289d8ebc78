package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// LogEntry is a contract log emitted by an included transaction.
// LogIndex counts within the transaction.
type LogEntry struct {
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
	TxIndex     uint64
	LogIndex    uint64
	Removed     bool
}

// LogFilter selects logs by emitter, positional topics and block range.
// A nil topic position is a wildcard; a non-empty position matches any of
// its hashes. Nil range bounds leave that side of the range open.
type LogFilter struct {
	Addresses []common.Address
	Topics    [][]common.Hash
	FromBlock *uint64
	ToBlock   *uint64
	Limit     int
}

func (f LogFilter) Matches(log LogEntry) bool {
	if !f.InRange(log.BlockNumber) {
		return false
	}
	if len(f.Addresses) > 0 && !containsAddress(f.Addresses, log.Address) {
		return false
	}
	if len(f.Topics) > len(log.Topics) {
		return false
	}
	for i, position := range f.Topics {
		if len(position) == 0 {
			continue
		}
		if !containsHash(position, log.Topics[i]) {
			return false
		}
	}
	return true
}

// MayMatch reports whether a block with the given bloom can contain a
// matching log. False positives are possible, false negatives are not.
func (f LogFilter) MayMatch(bloom types.Bloom) bool {
	if len(f.Addresses) > 0 {
		found := false
		for _, addr := range f.Addresses {
			if types.BloomLookup(bloom, addr) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, position := range f.Topics {
		if len(position) == 0 {
			continue
		}
		found := false
		for _, topic := range position {
			if types.BloomLookup(bloom, topic) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// InRange reports whether block falls inside the filter range.
func (f LogFilter) InRange(block uint64) bool {
	if f.FromBlock != nil && block < *f.FromBlock {
		return false
	}
	if f.ToBlock != nil && block > *f.ToBlock {
		return false
	}
	return true
}

func BloomFor(logs []LogEntry) types.Bloom {
	var bloom types.Bloom
	for _, log := range logs {
		bloom.Add(log.Address.Bytes())
		for _, topic := range log.Topics {
			bloom.Add(topic.Bytes())
		}
	}
	return bloom
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, candidate := range list {
		if candidate == addr {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, hash common.Hash) bool {
	for _, candidate := range list {
		if candidate == hash {
			return true
		}
	}
	return false
}
