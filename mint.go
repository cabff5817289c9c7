package main

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// mintInput is everything the NFT contract needs for one item.
// OriginalHash is a provenance digest of the raw image bytes, ImageHash
// and MetadataHash the roots returned by the two storage uploads.
type mintInput struct {
	OriginalHash common.Hash
	ImageHash    common.Hash
	MetadataHash common.Hash
	Style        string
	Prompt       string
}

type mintResult struct {
	TxHash   string
	TokenIDs []uint64
}

// minter issues mint transactions through the shared serialized sender.
type minter struct {
	sender *txSender
	nft    common.Address
}

// mintBatch sends one batchMint transaction for a group of items and
// recovers per-item token IDs from the emitted ArtifactMinted events,
// in event order. The whole batch shares one transaction hash; a failure
// fails every item in the batch and no other.
func (m *minter) mintBatch(ctx context.Context, to common.Address, inputs []mintInput) (*mintResult, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("empty mint batch")
	}

	originals := make([][32]byte, len(inputs))
	images := make([][32]byte, len(inputs))
	metadatas := make([][32]byte, len(inputs))
	styles := make([]string, len(inputs))
	prompts := make([]string, len(inputs))
	for i, in := range inputs {
		originals[i] = in.OriginalHash
		images[i] = in.ImageHash
		metadatas[i] = in.MetadataHash
		styles[i] = in.Style
		prompts[i] = in.Prompt
	}

	data, err := nftABI.Pack("batchMint", to, originals, images, metadatas, styles, prompts)
	if err != nil {
		return nil, fmt.Errorf("batchMint calldata packing failed: %w", err)
	}

	receipt, err := m.sender.send(ctx, m.nft, nil, data)
	if err != nil {
		return nil, err
	}

	tokenIDs := parseMintedTokenIDs(receipt, m.nft)
	if len(tokenIDs) != len(inputs) {
		return nil, fmt.Errorf("tx %s emitted %d minted events for %d items",
			receipt.TxHash.Hex(), len(tokenIDs), len(inputs))
	}
	return &mintResult{TxHash: receipt.TxHash.Hex(), TokenIDs: tokenIDs}, nil
}

// mintOne issues a single-item mint; used when retrying an individual
// failed item outside a batch.
func (m *minter) mintOne(ctx context.Context, to common.Address, in mintInput) (*mintResult, error) {
	data, err := nftABI.Pack("mint", to,
		[32]byte(in.OriginalHash), [32]byte(in.ImageHash), [32]byte(in.MetadataHash), in.Style, in.Prompt)
	if err != nil {
		return nil, fmt.Errorf("mint calldata packing failed: %w", err)
	}
	receipt, err := m.sender.send(ctx, m.nft, nil, data)
	if err != nil {
		return nil, err
	}
	tokenIDs := parseMintedTokenIDs(receipt, m.nft)
	if len(tokenIDs) != 1 {
		return nil, fmt.Errorf("tx %s emitted %d minted events for 1 item", receipt.TxHash.Hex(), len(tokenIDs))
	}
	return &mintResult{TxHash: receipt.TxHash.Hex(), TokenIDs: tokenIDs}, nil
}

// parseMintedTokenIDs walks receipt logs in order and collects token IDs
// from ArtifactMinted events. Log order matches input order for batch
// mints, which is how items are matched back to IDs.
func parseMintedTokenIDs(receipt *types.Receipt, nft common.Address) []uint64 {
	mintedID := nftABI.Events["ArtifactMinted"].ID
	var out []uint64
	for _, l := range receipt.Logs {
		if l.Address != nft || len(l.Topics) < 1 || l.Topics[0] != mintedID {
			continue
		}
		vals, err := nftABI.Events["ArtifactMinted"].Inputs.NonIndexed().Unpack(l.Data)
		if err != nil || len(vals) < 1 {
			continue
		}
		if id, ok := vals[0].(*big.Int); ok {
			out = append(out, id.Uint64())
		}
	}
	return out
}
