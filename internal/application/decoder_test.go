package application

import (
	"context"
	"crypto/ed25519"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"evmindex/internal/domain"
)

func TestDecodeNativeEnvelope(t *testing.T) {
	ctx := context.Background()
	resolver, err := NewResolver(newMemoryIdentities(), testChainID)
	require.NoError(t, err)
	decoder, err := NewDecoder(testChainID, resolver)
	require.NoError(t, err)

	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	to := common.HexToAddress("0x00000000000000000000000000000000000000c0")
	raw, err := SignNative(key, NativePayload{
		ChainID:  testChainID,
		Nonce:    3,
		To:       &to,
		Value:    big.NewInt(5),
		GasLimit: 50_000,
		Data:     []byte{0x01, 0x02},
	})
	require.NoError(t, err)

	env, err := DecodeNativeEnvelope(raw)
	require.NoError(t, err)
	tx, err := decoder.Decode(ctx, env)
	require.NoError(t, err)

	sender := domain.NativeAddress(key.Public().(ed25519.PublicKey))
	require.Equal(t, domain.TxKindNative, tx.Kind)
	require.Equal(t, sender, tx.From)
	require.Nil(t, tx.ExternalFrom)
	require.Equal(t, uint64(3), tx.Nonce)
	require.Equal(t, to, *tx.To)
	require.Equal(t, crypto.Keccak256Hash(raw), tx.EvmHash)
	require.Equal(t, domain.CanonicalHash(tx.EvmHash, sender), tx.Hash)
	require.NotEqual(t, tx.EvmHash, tx.Hash)

	creation, err := SignNative(key, NativePayload{ChainID: testChainID, GasLimit: 100_000, Data: []byte{0x00}})
	require.NoError(t, err)
	env, err = DecodeNativeEnvelope(creation)
	require.NoError(t, err)
	tx, err = decoder.Decode(ctx, env)
	require.NoError(t, err)
	require.True(t, tx.IsCreate())
	require.Equal(t, 0, tx.Value.Sign())
}

func TestDecodeNativeSharedPayloadDistinctHashes(t *testing.T) {
	ctx := context.Background()
	resolver, err := NewResolver(newMemoryIdentities(), testChainID)
	require.NoError(t, err)
	decoder, err := NewDecoder(testChainID, resolver)
	require.NoError(t, err)

	payload := NativePayload{ChainID: testChainID, To: &common.Address{0x01}, GasLimit: 21_000}
	seen := map[common.Hash]bool{}
	for i := 0; i < 2; i++ {
		_, key, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		raw, err := SignNative(key, payload)
		require.NoError(t, err)
		env, err := DecodeNativeEnvelope(raw)
		require.NoError(t, err)
		tx, err := decoder.Decode(ctx, env)
		require.NoError(t, err)
		require.False(t, seen[tx.EvmHash], "execution hash reused across senders")
		require.False(t, seen[tx.Hash], "canonical hash reused across senders")
		seen[tx.EvmHash] = true
		seen[tx.Hash] = true
	}
}

func TestDecodeNativeEnvelopeRejectsTampering(t *testing.T) {
	ctx := context.Background()
	resolver, err := NewResolver(newMemoryIdentities(), testChainID)
	require.NoError(t, err)
	decoder, err := NewDecoder(testChainID, resolver)
	require.NoError(t, err)

	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	raw, err := SignNative(key, NativePayload{ChainID: big.NewInt(1), GasLimit: 21_000})
	require.NoError(t, err)
	env, err := DecodeNativeEnvelope(raw)
	require.NoError(t, err)
	_, err = decoder.Decode(ctx, env)
	require.ErrorIs(t, err, domain.ErrInvalidTransaction)

	raw, err = SignNative(key, NativePayload{ChainID: testChainID, GasLimit: 21_000})
	require.NoError(t, err)
	env, err = DecodeNativeEnvelope(raw)
	require.NoError(t, err)
	env.Signature[0] ^= 0xff
	_, err = decoder.Decode(ctx, env)
	require.ErrorIs(t, err, domain.ErrInvalidTransaction)
}

func TestDecodeEthereumEnvelope(t *testing.T) {
	ctx := context.Background()
	resolver, err := NewResolver(newMemoryIdentities(), testChainID)
	require.NoError(t, err)
	decoder, err := NewDecoder(testChainID, resolver)
	require.NoError(t, err)

	nativeKey, externalKey := newTestKeys(t)
	to := common.HexToAddress("0x00000000000000000000000000000000000000c0")
	signed, err := types.SignNewTx(externalKey, types.LatestSignerForChainID(testChainID), &types.LegacyTx{
		Nonce:    0,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      21_000,
		GasPrice: big.NewInt(0),
	})
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)

	_, err = decoder.Decode(ctx, EthereumEnvelope{Raw: raw})
	require.ErrorIs(t, err, domain.ErrUnmappedSigner)

	mapping, proof, err := SignMapping(nativeKey, externalKey, testChainID)
	require.NoError(t, err)
	require.NoError(t, resolver.AddIdentityMapping(ctx, mapping.Native, mapping.External, proof))

	tx, err := decoder.Decode(ctx, EthereumEnvelope{Raw: raw})
	require.NoError(t, err)
	require.Equal(t, domain.TxKindEthereum, tx.Kind)
	require.Equal(t, mapping.Native, tx.From)
	require.Equal(t, mapping.External, *tx.ExternalFrom)
	require.Equal(t, signed.Hash(), tx.EvmHash)
	require.Equal(t, domain.CanonicalHash(signed.Hash(), mapping.Native), tx.Hash)

	_, err = decoder.Decode(ctx, EthereumEnvelope{Raw: []byte{0x01, 0x02}})
	require.ErrorIs(t, err, domain.ErrInvalidTransaction)
}
