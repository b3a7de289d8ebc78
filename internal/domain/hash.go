package domain

import (
	"crypto/ed25519"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// CanonicalHash derives the node-assigned transaction id from the
// execution hash and the native sender.
func CanonicalHash(evmHash common.Hash, sender common.Address) common.Hash {
	return crypto.Keccak256Hash(evmHash.Bytes(), sender.Bytes())
}

// NativeAddress derives the native address owned by an ed25519 key.
func NativeAddress(pub ed25519.PublicKey) common.Address {
	return common.BytesToAddress(crypto.Keccak256(pub)[12:])
}

func MappingDigest(native, external common.Address, chainID *big.Int) []byte {
	return crypto.Keccak256(native.Bytes(), external.Bytes(), common.BigToHash(chainID).Bytes())
}
