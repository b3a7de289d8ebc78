package application

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"evmindex/internal/domain"
)

// Envelope is a submitted transaction in one of the accepted encodings:
// NativeEnvelope or EthereumEnvelope.
type Envelope interface {
	kind() domain.TxKind
}

// NativeEnvelope is an ed25519-signed transaction. Signature covers
// keccak256(Payload) where Payload is the RLP encoding of NativePayload.
// Its execution hash is keccak256 of the RLP-encoded envelope.
type NativeEnvelope struct {
	PublicKey []byte
	Signature []byte
	Payload   []byte
}

func (NativeEnvelope) kind() domain.TxKind { return domain.TxKindNative }

type NativePayload struct {
	ChainID  *big.Int
	Nonce    uint64
	To       *common.Address `rlp:"nil"`
	Value    *big.Int
	GasLimit uint64
	Data     []byte
}

// EthereumEnvelope carries raw EIP-2718 or legacy transaction bytes.
type EthereumEnvelope struct {
	Raw []byte
}

func (EthereumEnvelope) kind() domain.TxKind { return domain.TxKindEthereum }

type SignerResolver interface {
	Resolve(ctx context.Context, external common.Address) (common.Address, error)
}

// Decoder validates envelopes and normalizes them into transactions
// carrying the native sender and canonical hash.
type Decoder struct {
	chainID  *big.Int
	signer   types.Signer
	resolver SignerResolver
}

func NewDecoder(chainID *big.Int, resolver SignerResolver) (*Decoder, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id must be positive")
	}
	if resolver == nil {
		return nil, errors.New("signer resolver is required")
	}
	return &Decoder{
		chainID:  new(big.Int).Set(chainID),
		signer:   types.LatestSignerForChainID(chainID),
		resolver: resolver,
	}, nil
}

func (d *Decoder) Decode(ctx context.Context, env Envelope) (*domain.Transaction, error) {
	switch env := env.(type) {
	case NativeEnvelope:
		return d.decodeNative(env)
	case *NativeEnvelope:
		return d.decodeNative(*env)
	case EthereumEnvelope:
		return d.decodeEthereum(ctx, env)
	case *EthereumEnvelope:
		return d.decodeEthereum(ctx, *env)
	default:
		return nil, fmt.Errorf("%w: unsupported envelope %T", domain.ErrInvalidTransaction, env)
	}
}

func (d *Decoder) decodeNative(env NativeEnvelope) (*domain.Transaction, error) {
	if len(env.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes", domain.ErrInvalidTransaction, ed25519.PublicKeySize)
	}
	digest := crypto.Keccak256(env.Payload)
	pub := ed25519.PublicKey(env.PublicKey)
	if !ed25519.Verify(pub, digest, env.Signature) {
		return nil, fmt.Errorf("%w: invalid native signature", domain.ErrInvalidTransaction)
	}
	var payload NativePayload
	if err := rlp.DecodeBytes(env.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTransaction, err)
	}
	if payload.ChainID == nil || payload.ChainID.Cmp(d.chainID) != 0 {
		return nil, fmt.Errorf("%w: chain id mismatch", domain.ErrInvalidTransaction)
	}
	raw, err := rlp.EncodeToBytes(&env)
	if err != nil {
		return nil, err
	}
	// The execution hash covers the signed envelope, so senders signing
	// the same payload still get distinct hashes.
	evmHash := crypto.Keccak256Hash(raw)
	sender := domain.NativeAddress(pub)
	value := payload.Value
	if value == nil {
		value = new(big.Int)
	}
	return &domain.Transaction{
		Kind:     domain.TxKindNative,
		Hash:     domain.CanonicalHash(evmHash, sender),
		EvmHash:  evmHash,
		From:     sender,
		To:       payload.To,
		Nonce:    payload.Nonce,
		Value:    value,
		GasLimit: payload.GasLimit,
		Data:     payload.Data,
		Raw:      raw,
	}, nil
}

func (d *Decoder) decodeEthereum(ctx context.Context, env EthereumEnvelope) (*domain.Transaction, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(env.Raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTransaction, err)
	}
	switch tx.Type() {
	case types.LegacyTxType, types.AccessListTxType, types.DynamicFeeTxType:
	default:
		return nil, fmt.Errorf("%w: unsupported transaction type %d", domain.ErrInvalidTransaction, tx.Type())
	}
	external, err := types.Sender(d.signer, &tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTransaction, err)
	}
	sender, err := d.resolver.Resolve(ctx, external)
	if err != nil {
		if errors.Is(err, domain.ErrUnmappedAccount) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnmappedSigner, external.Hex())
		}
		return nil, err
	}
	evmHash := tx.Hash()
	return &domain.Transaction{
		Kind:         domain.TxKindEthereum,
		Hash:         domain.CanonicalHash(evmHash, sender),
		EvmHash:      evmHash,
		From:         sender,
		ExternalFrom: &external,
		To:           tx.To(),
		Nonce:        tx.Nonce(),
		Value:        tx.Value(),
		GasLimit:     tx.Gas(),
		Data:         tx.Data(),
		Raw:          common.CopyBytes(env.Raw),
	}, nil
}

// DecodeNativeEnvelope parses the RLP wire form of a native envelope.
func DecodeNativeEnvelope(raw []byte) (NativeEnvelope, error) {
	var env NativeEnvelope
	if err := rlp.DecodeBytes(raw, &env); err != nil {
		return NativeEnvelope{}, fmt.Errorf("%w: %v", domain.ErrInvalidTransaction, err)
	}
	return env, nil
}

// SignNative builds a native envelope for payload and returns its RLP
// wire form.
func SignNative(key ed25519.PrivateKey, payload NativePayload) ([]byte, error) {
	encoded, err := rlp.EncodeToBytes(&payload)
	if err != nil {
		return nil, err
	}
	digest := crypto.Keccak256(encoded)
	return rlp.EncodeToBytes(&NativeEnvelope{
		PublicKey: key.Public().(ed25519.PublicKey),
		Signature: ed25519.Sign(key, digest),
		Payload:   encoded,
	})
}
