package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"evmindex/internal/application"
	"evmindex/internal/domain"
)

type NetAPI struct {
	networkID *big.Int
}

func (api *NetAPI) Version() string {
	return api.networkID.String()
}

func (api *NetAPI) Listening() bool {
	return true
}

// PeerCount is always zero: the node runs without peers.
func (api *NetAPI) PeerCount() hexutil.Uint {
	return 0
}

type Web3API struct {
	version string
}

func (api *Web3API) ClientVersion() string {
	version := api.version
	if version == "" {
		version = "dev"
	}
	return "evmindex/" + version
}

func (api *Web3API) Sha3(input hexutil.Bytes) hexutil.Bytes {
	return crypto.Keccak256(input)
}

// TraceConfig selects struct logger output. Custom JS or native tracers
// are not available. Memory capture is off unless enableMemory is set;
// the older disableMemory flag wins when both are given.
type TraceConfig struct {
	DisableStorage bool    `json:"disableStorage"`
	DisableStack   bool    `json:"disableStack"`
	DisableMemory  *bool   `json:"disableMemory,omitempty"`
	EnableMemory   bool    `json:"enableMemory"`
	Tracer         *string `json:"tracer"`
}

type DebugAPI struct {
	query *application.Query
}

// TraceTransaction replays the block up to the transaction and returns
// its struct log trace.
func (api *DebugAPI) TraceTransaction(ctx context.Context, hash common.Hash, config *TraceConfig) (json.RawMessage, error) {
	opts := domain.TraceOptions{DisableMemory: true}
	if config != nil {
		if config.Tracer != nil && *config.Tracer != "" && *config.Tracer != "structLogger" {
			return nil, &invalidParamsError{message: fmt.Sprintf("tracer %q is not supported", *config.Tracer)}
		}
		opts = domain.TraceOptions{
			DisableStorage: config.DisableStorage,
			DisableStack:   config.DisableStack,
			DisableMemory:  !config.EnableMemory,
		}
		if config.DisableMemory != nil {
			opts.DisableMemory = *config.DisableMemory
		}
	}
	trace, err := api.query.Trace(ctx, hash, opts)
	if errors.Is(err, domain.ErrTransactionNotFound) {
		return nil, fmt.Errorf("transaction %s not found", hash.Hex())
	}
	return trace, err
}

type CanonicalAPI struct {
	query *application.Query
}

// Tx_hash serves canonical_tx_hash. An execution hash takes precedence
// over a block position. Unknown transactions return null.
func (api *CanonicalAPI) Tx_hash(ctx context.Context, blockNumber *hexutil.Uint64, txIndex *hexutil.Uint64, evmHash *common.Hash) (*common.Hash, error) {
	hash, err := api.query.CanonicalTxHash(ctx, (*uint64)(blockNumber), (*uint64)(txIndex), evmHash)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &hash, nil
}

type NativeAPI struct {
	submitter *application.Submitter
}

// SendTransaction submits the RLP wire form of an ed25519-signed native
// envelope and returns its canonical hash.
func (api *NativeAPI) SendTransaction(ctx context.Context, raw hexutil.Bytes) (common.Hash, error) {
	env, err := application.DecodeNativeEnvelope(raw)
	if err != nil {
		return common.Hash{}, err
	}
	return api.submitter.Submit(ctx, env)
}

// MappingArgs is the proof object of identity_addMapping.
type MappingArgs struct {
	NativePublicKey   hexutil.Bytes `json:"nativePublicKey"`
	NativeSignature   hexutil.Bytes `json:"nativeSignature"`
	ExternalSignature hexutil.Bytes `json:"externalSignature"`
}

type IdentityAPI struct {
	resolver *application.Resolver
}

// AddMapping binds native to external once both signatures verify.
func (api *IdentityAPI) AddMapping(ctx context.Context, native, external common.Address, proof MappingArgs) (bool, error) {
	err := api.resolver.AddIdentityMapping(ctx, native, external, domain.MappingProof{
		NativePublicKey:   proof.NativePublicKey,
		NativeSignature:   proof.NativeSignature,
		ExternalSignature: proof.ExternalSignature,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Resolve returns the native address bound to external, or null.
func (api *IdentityAPI) Resolve(ctx context.Context, external common.Address) (*common.Address, error) {
	native, err := api.resolver.Resolve(ctx, external)
	if errors.Is(err, domain.ErrUnmappedAccount) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &native, nil
}

// External returns the external address bound to native, or null.
func (api *IdentityAPI) External(ctx context.Context, native common.Address) (*common.Address, error) {
	external, ok, err := api.resolver.ResolveNative(ctx, native)
	if err != nil || !ok {
		return nil, err
	}
	return &external, nil
}
