package application

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"evmindex/internal/domain"
)

type memoryIdentities struct {
	mu       sync.Mutex
	native   map[common.Address]common.Address
	external map[common.Address]common.Address
}

func newMemoryIdentities() *memoryIdentities {
	return &memoryIdentities{
		native:   make(map[common.Address]common.Address),
		external: make(map[common.Address]common.Address),
	}
}

func (m *memoryIdentities) PutMapping(_ context.Context, mapping domain.IdentityMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.native[mapping.Native]; ok {
		return domain.ErrDuplicateMapping
	}
	if _, ok := m.external[mapping.External]; ok {
		return domain.ErrDuplicateMapping
	}
	m.native[mapping.Native] = mapping.External
	m.external[mapping.External] = mapping.Native
	return nil
}

func (m *memoryIdentities) NativeFor(_ context.Context, external common.Address) (common.Address, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	native, ok := m.external[external]
	return native, ok, nil
}

func (m *memoryIdentities) ExternalFor(_ context.Context, native common.Address) (common.Address, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	external, ok := m.native[native]
	return external, ok, nil
}

var testChainID = big.NewInt(4242)

func newTestKeys(t *testing.T) (ed25519.PrivateKey, *ecdsa.PrivateKey) {
	t.Helper()
	_, nativeKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	externalKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	return nativeKey, externalKey
}

func TestAddIdentityMapping(t *testing.T) {
	ctx := context.Background()
	resolver, err := NewResolver(newMemoryIdentities(), testChainID)
	require.NoError(t, err)

	nativeKey, external := newTestKeys(t)
	mapping, proof, err := SignMapping(nativeKey, external, testChainID)
	require.NoError(t, err)

	require.NoError(t, resolver.AddIdentityMapping(ctx, mapping.Native, mapping.External, proof))

	native, err := resolver.Resolve(ctx, mapping.External)
	require.NoError(t, err)
	require.Equal(t, mapping.Native, native)

	back, ok, err := resolver.ResolveNative(ctx, mapping.Native)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, mapping.External, back)

	account, err := resolver.AccountFor(ctx, mapping.External)
	require.NoError(t, err)
	require.Equal(t, mapping.Native, account)

	err = resolver.AddIdentityMapping(ctx, mapping.Native, mapping.External, proof)
	require.ErrorIs(t, err, domain.ErrDuplicateMapping)
}

func TestAddIdentityMappingRejectsBadProofs(t *testing.T) {
	ctx := context.Background()
	resolver, err := NewResolver(newMemoryIdentities(), testChainID)
	require.NoError(t, err)

	nativeKey, external := newTestKeys(t)
	mapping, proof, err := SignMapping(nativeKey, external, testChainID)
	require.NoError(t, err)

	_, otherProof, err := SignMapping(nativeKey, external, big.NewInt(1))
	require.NoError(t, err)

	tests := []struct {
		name     string
		native   common.Address
		external common.Address
		proof    domain.MappingProof
	}{
		{"same address", mapping.Native, mapping.Native, proof},
		{"zero external", mapping.Native, common.Address{}, proof},
		{"other chain", mapping.Native, mapping.External, otherProof},
		{"wrong external", mapping.Native, common.HexToAddress("0x1234"), proof},
		{"truncated native key", mapping.Native, mapping.External, domain.MappingProof{
			NativePublicKey:   proof.NativePublicKey[:16],
			NativeSignature:   proof.NativeSignature,
			ExternalSignature: proof.ExternalSignature,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := resolver.AddIdentityMapping(ctx, tt.native, tt.external, tt.proof)
			require.ErrorIs(t, err, domain.ErrInvalidMapping)
		})
	}

	_, err = resolver.Resolve(ctx, mapping.External)
	require.ErrorIs(t, err, domain.ErrUnmappedAccount)
}
