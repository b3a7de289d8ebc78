package application

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"evmindex/internal/domain"
)

type IdentityStore interface {
	PutMapping(ctx context.Context, mapping domain.IdentityMapping) error
	NativeFor(ctx context.Context, external common.Address) (common.Address, bool, error)
	ExternalFor(ctx context.Context, native common.Address) (common.Address, bool, error)
}

// Resolver maintains the one-time bidirectional binding between native
// and external (Ethereum) addresses.
type Resolver struct {
	store   IdentityStore
	chainID *big.Int
}

func NewResolver(store IdentityStore, chainID *big.Int) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("identity store is required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id must be positive")
	}
	return &Resolver{store: store, chainID: new(big.Int).Set(chainID)}, nil
}

// AddIdentityMapping verifies that both key holders signed the mapping
// digest and stores the binding. Mappings are immutable.
func (r *Resolver) AddIdentityMapping(ctx context.Context, native, external common.Address, proof domain.MappingProof) error {
	if native == (common.Address{}) || external == (common.Address{}) {
		return fmt.Errorf("%w: zero address", domain.ErrInvalidMapping)
	}
	if native == external {
		return fmt.Errorf("%w: native and external addresses are equal", domain.ErrInvalidMapping)
	}
	if err := r.verify(native, external, proof); err != nil {
		return err
	}
	if err := r.store.PutMapping(ctx, domain.IdentityMapping{Native: native, External: external}); err != nil {
		return err
	}
	slog.Info("identity mapped", "native", native.Hex(), "external", external.Hex())
	return nil
}

func (r *Resolver) verify(native, external common.Address, proof domain.MappingProof) error {
	digest := domain.MappingDigest(native, external, r.chainID)

	if len(proof.NativePublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: native public key must be %d bytes", domain.ErrInvalidMapping, ed25519.PublicKeySize)
	}
	pub := ed25519.PublicKey(proof.NativePublicKey)
	if domain.NativeAddress(pub) != native {
		return fmt.Errorf("%w: native key does not own %s", domain.ErrInvalidMapping, native.Hex())
	}
	if !ed25519.Verify(pub, digest, proof.NativeSignature) {
		return fmt.Errorf("%w: bad native signature", domain.ErrInvalidMapping)
	}

	if len(proof.ExternalSignature) != crypto.SignatureLength {
		return fmt.Errorf("%w: external signature must be %d bytes", domain.ErrInvalidMapping, crypto.SignatureLength)
	}
	sig := common.CopyBytes(proof.ExternalSignature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidMapping, err)
	}
	if crypto.PubkeyToAddress(*pubKey) != external {
		return fmt.Errorf("%w: external signature does not recover %s", domain.ErrInvalidMapping, external.Hex())
	}
	return nil
}

// Resolve returns the native address bound to external.
func (r *Resolver) Resolve(ctx context.Context, external common.Address) (common.Address, error) {
	native, ok, err := r.store.NativeFor(ctx, external)
	if err != nil {
		return common.Address{}, err
	}
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", domain.ErrUnmappedAccount, external.Hex())
	}
	return native, nil
}

func (r *Resolver) ResolveNative(ctx context.Context, native common.Address) (common.Address, bool, error) {
	return r.store.ExternalFor(ctx, native)
}

// AccountFor returns the native account for addr, resolving it if addr is
// a mapped external address. Unmapped addresses are returned unchanged.
func (r *Resolver) AccountFor(ctx context.Context, addr common.Address) (common.Address, error) {
	native, ok, err := r.store.NativeFor(ctx, addr)
	if err != nil {
		return common.Address{}, err
	}
	if ok {
		return native, nil
	}
	return addr, nil
}

// SignMapping produces a mapping proof with both keys.
func SignMapping(nativeKey ed25519.PrivateKey, externalKey *ecdsa.PrivateKey, chainID *big.Int) (domain.IdentityMapping, domain.MappingProof, error) {
	pub := nativeKey.Public().(ed25519.PublicKey)
	mapping := domain.IdentityMapping{
		Native:   domain.NativeAddress(pub),
		External: crypto.PubkeyToAddress(externalKey.PublicKey),
	}
	digest := domain.MappingDigest(mapping.Native, mapping.External, chainID)
	externalSig, err := crypto.Sign(digest, externalKey)
	if err != nil {
		return domain.IdentityMapping{}, domain.MappingProof{}, err
	}
	return mapping, domain.MappingProof{
		NativePublicKey:   pub,
		NativeSignature:   ed25519.Sign(nativeKey, digest),
		ExternalSignature: externalSig,
	}, nil
}
