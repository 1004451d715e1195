// Package substrate wraps a single Substrate node endpoint behind the
// narrow, typed operation set the indexer needs: chain identity, chain
// properties, head height, per-block extrinsics and per-extrinsic receipts.
// One Client owns exactly one RPC endpoint; cross-endpoint failover lives
// one layer up, in internal/nodepool.
package substrate

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"

	"github.com/kusama-tools/substrate-indexer/pkg/helpers"
	"github.com/kusama-tools/substrate-indexer/pkg/logging"
)

// DefaultTimeout is the deadline BlockExtrinsics and ExtrinsicReceipt use.
// It is checked once their RPC calls have returned, reporting Timeout if it
// has passed; the calls themselves are not interrupted. ChainID,
// ChainProperties and HeadBlockNumber apply no deadline, and a Client has
// no way to change it.
const DefaultTimeout = 30 * time.Second

// ChainProperties mirrors the node-reported constants needed to interpret
// amounts: the SS58 network format, the native token symbol and its decimal
// places. Cached after the first successful connect.
type ChainProperties struct {
	SS58Format    uint16
	TokenSymbol   string
	TokenDecimals uint8
}

// Extrinsic is one decoded entry from a block: an unsigned inherent such as
// the timestamp inherent (ContainsTransaction == false) or a signed call.
type Extrinsic struct {
	// Hash is the blake2b-256 hash of the extrinsic's SCALE encoding,
	// 0x-prefixed hex. Empty for unsigned inherents.
	Hash string

	// Signer is the signing account's public key, 0x-prefixed hex. Empty
	// for unsigned inherents.
	Signer string

	Nonce uint64

	CallModule   string
	CallFunction string

	// Params holds the call's arguments. The client does not attempt to
	// decode pallet-specific argument shapes (an explicit non-goal); it
	// wraps the raw SCALE-encoded argument bytes in a ParamObject so the
	// representation is still a well-formed Param tree.
	Params Param

	// ContainsTransaction is true for signed extrinsics and false for every
	// unsigned one, including the leading timestamp inherent.
	ContainsTransaction bool

	// TimestampMillis is set only on the timestamp inherent: the
	// pallet_timestamp::set argument, Unix milliseconds.
	TimestampMillis uint64
	IsTimestampSet  bool
}

// Client wraps one Substrate node endpoint. Safe for concurrent use: the
// underlying gsrpc client multiplexes requests over one persistent
// connection, and the metadata/properties cache is guarded by mu.
type Client struct {
	endpoint string
	timeout  time.Duration
	log      *logging.Logger

	api *gsrpc.SubstrateAPI

	mu         sync.RWMutex
	meta       *types.Metadata
	chainID    string
	properties *ChainProperties
}

// Connect opens a connection to endpoint and primes the metadata cache, so
// the first chain_id()/chain_properties() call never pays a network
// round-trip. typeRegistryPreset is accepted for interface parity with the
// source design; gsrpc derives its codec entirely from live chain metadata,
// so no separate preset lookup is required.
func Connect(endpoint, typeRegistryPreset string) (*Client, error) {
	if typeRegistryPreset == "" {
		return nil, &ConfigInvalid{Detail: "type registry preset must not be empty"}
	}

	api, err := gsrpc.NewSubstrateAPI(endpoint)
	if err != nil {
		return nil, &RemoteUnavailable{Endpoint: endpoint, Cause: err}
	}

	c := &Client{
		endpoint: endpoint,
		timeout:  DefaultTimeout,
		log:      logging.GetDefault().Component("rpcclient").With("endpoint", endpoint),
		api:      api,
	}

	meta, err := api.RPC.State.GetMetadataLatest()
	if err != nil {
		return nil, &RemoteUnavailable{Endpoint: endpoint, Cause: err}
	}
	c.meta = meta

	if _, err := c.ChainID(); err != nil {
		return nil, err
	}
	if _, err := c.ChainProperties(); err != nil {
		return nil, err
	}

	c.log.Info("connected", "chain_id", c.chainID)
	return c, nil
}

// Endpoint returns the URL this client was connected to.
func (c *Client) Endpoint() string { return c.endpoint }

// ChainID returns the chain's canonical name, e.g. "Kusama". Cached after
// the first successful call.
func (c *Client) ChainID() (string, error) {
	c.mu.RLock()
	if c.chainID != "" {
		id := c.chainID
		c.mu.RUnlock()
		return id, nil
	}
	c.mu.RUnlock()

	name, err := c.api.RPC.System.Chain()
	if err != nil {
		return "", &RemoteUnavailable{Endpoint: c.endpoint, Cause: err}
	}

	c.mu.Lock()
	c.chainID = string(name)
	c.mu.Unlock()
	return string(name), nil
}

// ChainProperties returns the node-reported ss58 format, token symbol and
// decimals. Cached after the first successful call.
func (c *Client) ChainProperties() (ChainProperties, error) {
	c.mu.RLock()
	if c.properties != nil {
		p := *c.properties
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	props, err := c.api.RPC.System.Properties()
	if err != nil {
		return ChainProperties{}, &RemoteUnavailable{Endpoint: c.endpoint, Cause: err}
	}

	decimals, ok := props.TokenDecimals.Unwrap()
	if !ok || len(decimals) == 0 {
		return ChainProperties{}, &MalformedResponse{Endpoint: c.endpoint, Detail: "system_properties missing tokenDecimals"}
	}
	symbols, ok := props.TokenSymbol.Unwrap()
	if !ok || len(symbols) == 0 {
		return ChainProperties{}, &MalformedResponse{Endpoint: c.endpoint, Detail: "system_properties missing tokenSymbol"}
	}

	result := ChainProperties{
		SS58Format:    uint16(props.SS58Format),
		TokenSymbol:   string(symbols[0]),
		TokenDecimals: uint8(decimals[0]),
	}

	c.mu.Lock()
	c.properties = &result
	c.mu.Unlock()
	return result, nil
}

// HeadBlockNumber returns the current chain tip. Never cached.
func (c *Client) HeadBlockNumber() (uint64, error) {
	header, err := c.api.RPC.Chain.GetHeaderLatest()
	if err != nil {
		return 0, &RemoteUnavailable{Endpoint: c.endpoint, Cause: err}
	}
	return uint64(header.Number), nil
}

// BlockExtrinsics returns the hash of block n and all of its decoded
// extrinsics, signed and unsigned, in on-chain order (the timestamp inherent
// comes first on chain).
func (c *Client) BlockExtrinsics(ctx context.Context, n uint64) (blockHash string, extrinsics []Extrinsic, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	hash, err := c.api.RPC.Chain.GetBlockHash(n)
	if err != nil {
		return "", nil, classifyCallError(c.endpoint, err)
	}

	block, err := c.api.RPC.Chain.GetBlock(hash)
	if err != nil {
		return "", nil, classifyCallError(c.endpoint, err)
	}

	select {
	case <-ctx.Done():
		return "", nil, &Timeout{Endpoint: c.endpoint, Cause: ctx.Err()}
	default:
	}

	decoded := make([]Extrinsic, 0, len(block.Block.Extrinsics))
	for i, ext := range block.Block.Extrinsics {
		e, decodeErr := c.decodeExtrinsic(ext)
		if decodeErr != nil {
			return "", nil, &MalformedResponse{Endpoint: c.endpoint, Detail: fmt.Sprintf("extrinsic %d: %v", i, decodeErr), Cause: decodeErr}
		}
		decoded = append(decoded, e)
	}

	return hash.Hex(), decoded, nil
}

// decodeExtrinsic resolves an extrinsic's call module/function against
// cached metadata and captures signer/nonce/hash for signed extrinsics. The
// original call arguments are kept only as their raw SCALE-encoded bytes;
// per-pallet argument decoding is out of scope for this client.
func (c *Client) decodeExtrinsic(ext types.Extrinsic) (Extrinsic, error) {
	callName, err := c.meta.FindCallIndex(ext.Method.CallIndex)
	if err != nil {
		return Extrinsic{}, fmt.Errorf("unknown call index %v: %w", ext.Method.CallIndex, err)
	}

	argBytes, err := types.EncodeToBytes(ext.Method.Args)
	if err != nil {
		return Extrinsic{}, fmt.Errorf("encode call args: %w", err)
	}

	out := Extrinsic{
		CallModule:          callName.PalletName,
		CallFunction:        callName.Method,
		Params:              ParamObject{"args": ParamBytes(argBytes)},
		ContainsTransaction: ext.IsSigned(),
	}

	if out.CallModule == "Timestamp" && out.CallFunction == "set" {
		var ts types.UCompact
		if err := types.DecodeFromBytes(argBytes, &ts); err == nil {
			out.IsTimestampSet = true
			out.TimestampMillis = types.UCompactToBigInt(ts).Uint64()
		}
	}

	if ext.IsSigned() {
		if !ext.Signature.Signer.IsID {
			return Extrinsic{}, fmt.Errorf("signer is not an account id")
		}
		accountID := ext.Signature.Signer.AsID
		out.Signer = helpers.BytesToHex(accountID[:])
		out.Nonce = uint64(types.UCompactToBigInt(ext.Signature.Nonce).Uint64())

		encoded, err := types.EncodeToBytes(ext)
		if err != nil {
			return Extrinsic{}, fmt.Errorf("encode extrinsic: %w", err)
		}
		h, err := types.NewHash(hashBlake2b256(encoded))
		if err != nil {
			return Extrinsic{}, err
		}
		out.Hash = h.Hex()
	}

	return out, nil
}

// feePaidEvent captures pallet_transaction_payment::TransactionFeePaid,
// which gsrpc's bundled generic event set does not decode.
type feePaidEvent struct {
	Phase     types.Phase
	Who       types.AccountID
	ActualFee types.U128
	Tip       types.U128
	Topics    []types.Hash
}

type eventRecords struct {
	types.EventRecords
	TransactionPayment_TransactionFeePaid []feePaidEvent //nolint:revive,stylecheck
}

// ExtrinsicReceipt returns the extrinsic's in-block index and its total fee
// in the chain's smallest unit, by locating the extrinsic within the block
// and summing the TransactionFeePaid events emitted at its phase.
func (c *Client) ExtrinsicReceipt(ctx context.Context, blockHashHex, extrinsicHashHex string) (index uint32, feeMinor *big.Int, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	blockHash, err := types.NewHashFromHexString(blockHashHex)
	if err != nil {
		return 0, nil, &MalformedResponse{Endpoint: c.endpoint, Detail: "bad block hash", Cause: err}
	}

	block, err := c.api.RPC.Chain.GetBlock(blockHash)
	if err != nil {
		return 0, nil, classifyCallError(c.endpoint, err)
	}

	found := -1
	for i, ext := range block.Block.Extrinsics {
		if !ext.IsSigned() {
			continue
		}
		encoded, encErr := types.EncodeToBytes(ext)
		if encErr != nil {
			continue
		}
		h, hErr := types.NewHash(hashBlake2b256(encoded))
		if hErr != nil {
			continue
		}
		if h.Hex() == extrinsicHashHex {
			found = i
			break
		}
	}
	if found < 0 {
		return 0, nil, &MalformedResponse{Endpoint: c.endpoint, Detail: fmt.Sprintf("extrinsic %s not found in block %s", extrinsicHashHex, blockHashHex)}
	}

	key, err := types.CreateStorageKey(c.meta, "System", "Events", nil, nil)
	if err != nil {
		return 0, nil, &MalformedResponse{Endpoint: c.endpoint, Detail: "build events storage key", Cause: err}
	}

	raw, err := c.api.RPC.State.GetStorageRaw(key, blockHash)
	if err != nil {
		return 0, nil, classifyCallError(c.endpoint, err)
	}

	select {
	case <-ctx.Done():
		return 0, nil, &Timeout{Endpoint: c.endpoint, Cause: ctx.Err()}
	default:
	}

	var events eventRecords
	if err := types.EventRecordsRaw(*raw).DecodeEventRecords(c.meta, &events); err != nil {
		return 0, nil, &MalformedResponse{Endpoint: c.endpoint, Detail: "decode System.Events", Cause: err}
	}

	total := new(big.Int)
	for _, e := range events.TransactionPayment_TransactionFeePaid {
		if !e.Phase.IsApplyExtrinsic {
			continue
		}
		if uint32(e.Phase.AsApplyExtrinsic) != uint32(found) {
			continue
		}
		total.Add(total, e.ActualFee.Int)
	}

	if total.Sign() == 0 {
		return 0, nil, &MalformedResponse{Endpoint: c.endpoint, Detail: "receipt has no fee"}
	}

	return uint32(found), total, nil
}

func classifyCallError(endpoint string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr, ok := err.(interface{ Timeout() bool }); ok && ctxErr.Timeout() {
		return &Timeout{Endpoint: endpoint, Cause: err}
	}
	return &RemoteUnavailable{Endpoint: endpoint, Cause: err}
}
