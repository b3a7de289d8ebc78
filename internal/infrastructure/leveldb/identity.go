package leveldb

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ldb "github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"evmindex/internal/domain"
)

// PutMapping stores both directions of an identity mapping. Either side
// already being mapped fails with ErrDuplicateMapping.
func (s *Store) PutMapping(_ context.Context, mapping domain.IdentityMapping) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	nativeKey := key(prefixNativeIdentity, mapping.Native.Bytes())
	externalKey := key(prefixExternalIdentity, mapping.External.Bytes())
	for _, k := range [][]byte{nativeKey, externalKey} {
		exists, err := s.db.Has(k, nil)
		if err != nil {
			return err
		}
		if exists {
			return domain.ErrDuplicateMapping
		}
	}

	batch := new(ldb.Batch)
	batch.Put(nativeKey, mapping.External.Bytes())
	batch.Put(externalKey, mapping.Native.Bytes())
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write identity mapping: %w", err)
	}
	return nil
}

func (s *Store) NativeFor(_ context.Context, external common.Address) (common.Address, bool, error) {
	return s.lookupAddress(key(prefixExternalIdentity, external.Bytes()))
}

func (s *Store) ExternalFor(_ context.Context, native common.Address) (common.Address, bool, error) {
	return s.lookupAddress(key(prefixNativeIdentity, native.Bytes()))
}

func (s *Store) lookupAddress(k []byte) (common.Address, bool, error) {
	data, ok, err := s.getRaw(k)
	if err != nil || !ok {
		return common.Address{}, false, err
	}
	return common.BytesToAddress(data), true, nil
}
