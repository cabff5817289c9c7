package main

import (
	"context"
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"artstore_gateway/pkg/merkle"
)

// submissionRecord is the durable outcome of one on-chain registration.
// SubmissionIndex stays nil when the Submit event could not be located in
// the receipt; the root is registered regardless, so the record is still
// "submitted".
type submissionRecord struct {
	Root            string   `json:"root"`
	Length          uint64   `json:"length"`
	Submitter       string   `json:"submitter"`
	TxHash          string   `json:"tx_hash"`
	SubmissionIndex *uint64  `json:"submission_index,omitempty"`
	FeePaid         *big.Int `json:"fee_paid"`
}

// submitCommitment registers a full-mode commitment with the storage
// registry, paying quote.TotalFee. Exactly one transaction is broadcast.
// The registry does not deduplicate by root: submitting the same
// commitment again creates a new submission with a new index.
func submitCommitment(ctx context.Context, sender *txSender, registry common.Address, c *merkle.Commitment, quote *feeQuote) (*submissionRecord, error) {
	// Check the balance up front so an obviously underfunded signer fails
	// without burning an RPC broadcast round-trip.
	bal, err := sender.balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("balance query failed: %w", err)
	}
	if bal.Cmp(quote.TotalFee) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, bal, quote.TotalFee)
	}

	nodes := make([]abiSubmissionNode, len(c.Nodes))
	for i, n := range c.Nodes {
		nodes[i] = abiSubmissionNode{Root: n.Root, Height: new(big.Int).SetUint64(n.Height)}
	}
	tags := c.Tags
	if tags == nil {
		tags = []byte{}
	}
	data, err := registryABI.Pack("submit", new(big.Int).SetUint64(c.Length), tags, nodes)
	if err != nil {
		return nil, fmt.Errorf("submit calldata packing failed: %w", err)
	}

	receipt, err := sender.send(ctx, registry, quote.TotalFee, data)
	if err != nil {
		return nil, err
	}

	rec := &submissionRecord{
		Root:      hexRoot(c.Root),
		Length:    c.Length,
		Submitter: sender.address().Hex(),
		TxHash:    receipt.TxHash.Hex(),
		FeePaid:   new(big.Int).Set(quote.TotalFee),
	}

	if idx, ok := findSubmissionIndex(receipt, registry, c.Root); ok {
		rec.SubmissionIndex = &idx
	} else {
		// Non-fatal: the tx confirmed, so the root is registered even if
		// our local event parse came up empty.
		log.Printf("submitCommitment: no Submit event found in tx %s for root %s", rec.TxHash, rec.Root)
	}
	return rec, nil
}

// findSubmissionIndex scans receipt logs for the registry's Submit event
// matching our root and returns the emitted submission index.
func findSubmissionIndex(receipt *types.Receipt, registry common.Address, root [32]byte) (uint64, bool) {
	submitID := registryABI.Events["Submit"].ID
	for _, l := range receipt.Logs {
		if l.Address != registry || len(l.Topics) < 3 || l.Topics[0] != submitID {
			continue
		}
		if l.Topics[2] != common.BytesToHash(root[:]) {
			continue
		}
		vals, err := registryABI.Events["Submit"].Inputs.NonIndexed().Unpack(l.Data)
		if err != nil || len(vals) < 1 {
			continue
		}
		if idx, ok := vals[0].(*big.Int); ok {
			return idx.Uint64(), true
		}
	}
	return 0, false
}

func hexRoot(root [32]byte) string {
	return common.BytesToHash(root[:]).Hex()
}
