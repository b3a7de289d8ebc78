package domain

import "github.com/ethereum/go-ethereum/common"

// IdentityMapping binds a native address to an external (Ethereum) address.
type IdentityMapping struct {
	Native   common.Address
	External common.Address
}

// MappingProof authorizes a mapping from both sides: an ed25519 signature
// by the native key and a secp256k1 signature by the external key, both
// over MappingDigest.
type MappingProof struct {
	NativePublicKey   []byte
	NativeSignature   []byte
	ExternalSignature []byte
}
