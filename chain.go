package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// chainBackend is the slice of the RPC client the gateway needs.
// *ethclient.Client satisfies it; tests install a stub.
type chainBackend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const registryABIJSON = `[
	{"type":"function","name":"submit","stateMutability":"payable","inputs":[
		{"name":"length","type":"uint256"},
		{"name":"tags","type":"bytes"},
		{"name":"nodes","type":"tuple[]","components":[
			{"name":"root","type":"bytes32"},
			{"name":"height","type":"uint256"}]}],"outputs":[]},
	{"type":"function","name":"paused","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"market","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"submissionCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Submit","inputs":[
		{"name":"submitter","type":"address","indexed":true},
		{"name":"root","type":"bytes32","indexed":true},
		{"name":"submissionIndex","type":"uint256","indexed":false},
		{"name":"length","type":"uint256","indexed":false}],"anonymous":false}
]`

const oracleABIJSON = `[
	{"type":"function","name":"pricePerSector","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

const nftABIJSON = `[
	{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[
		{"name":"to","type":"address"},
		{"name":"originalHash","type":"bytes32"},
		{"name":"imageHash","type":"bytes32"},
		{"name":"metadataHash","type":"bytes32"},
		{"name":"style","type":"string"},
		{"name":"prompt","type":"string"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"batchMint","stateMutability":"nonpayable","inputs":[
		{"name":"to","type":"address"},
		{"name":"originalHashes","type":"bytes32[]"},
		{"name":"imageHashes","type":"bytes32[]"},
		{"name":"metadataHashes","type":"bytes32[]"},
		{"name":"styles","type":"string[]"},
		{"name":"prompts","type":"string[]"}],"outputs":[{"name":"","type":"uint256[]"}]},
	{"type":"event","name":"ArtifactMinted","inputs":[
		{"name":"to","type":"address","indexed":true},
		{"name":"tokenId","type":"uint256","indexed":false},
		{"name":"imageHash","type":"bytes32","indexed":false}],"anonymous":false}
]`

var (
	registryABI abi.ABI
	oracleABI   abi.ABI
	nftABI      abi.ABI
)

func init() {
	var err error
	if registryABI, err = abi.JSON(strings.NewReader(registryABIJSON)); err != nil {
		log.Fatalf("failed to parse registry ABI: %v", err)
	}
	if oracleABI, err = abi.JSON(strings.NewReader(oracleABIJSON)); err != nil {
		log.Fatalf("failed to parse oracle ABI: %v", err)
	}
	if nftABI, err = abi.JSON(strings.NewReader(nftABIJSON)); err != nil {
		log.Fatalf("failed to parse NFT ABI: %v", err)
	}
}

// abiSubmissionNode mirrors the registry's node tuple for abi packing.
type abiSubmissionNode struct {
	Root   [32]byte
	Height *big.Int
}

// txSender serializes every chain write through one path. The gateway holds
// a single signer key, and RPC endpoints require strictly increasing nonces
// per account, so concurrent sends from logically parallel batches would
// race each other. All writes go through send(), one at a time, FIFO by
// lock acquisition.
type txSender struct {
	mu sync.Mutex

	backend chainBackend
	key     *ecdsa.PrivateKey
	chainID *big.Int

	receiptPoll time.Duration
	receiptWait time.Duration
}

func newTxSender(backend chainBackend, key *ecdsa.PrivateKey, chainID *big.Int) *txSender {
	return &txSender{
		backend:     backend,
		key:         key,
		chainID:     chainID,
		receiptPoll: time.Second,
		receiptWait: txConfirmTimeout,
	}
}

func (s *txSender) address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *txSender) balance(ctx context.Context) (*big.Int, error) {
	return s.backend.BalanceAt(ctx, s.address(), nil)
}

// send broadcasts one transaction and blocks until it has a confirmed
// receipt (one confirmation) or the bounded wait expires.
func (s *txSender) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.address()
	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce query failed: %w", err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price query failed: %w", err)
	}
	if value == nil {
		value = new(big.Int)
	}
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		// Estimation failure usually means the call would revert.
		return nil, fmt.Errorf("%w: gas estimation: %v", ErrTxReverted, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("broadcast failed: %w", err)
	}

	receipt, err := s.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: tx %s", ErrTxReverted, signed.Hash().Hex())
	}
	return receipt, nil
}

func (s *txSender) waitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	deadline := time.Now().Add(s.receiptWait)
	for {
		receipt, err := s.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: tx %s after %s", ErrTxTimeout, txHash.Hex(), s.receiptWait)
		}
		t := time.NewTimer(s.receiptPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: tx %s: %v", ErrTxTimeout, txHash.Hex(), ctx.Err())
		case <-t.C:
		}
	}
}

// registryStatus holds the read-only diagnostics surface of the registry.
type registryStatus struct {
	Paused          bool   `json:"paused"`
	Market          string `json:"market"`
	SubmissionCount uint64 `json:"submission_count"`
}

func fetchRegistryStatus(ctx context.Context, backend chainBackend, registry common.Address) (*registryStatus, error) {
	out := &registryStatus{}

	call := func(method string) ([]interface{}, error) {
		data, err := registryABI.Pack(method)
		if err != nil {
			return nil, err
		}
		raw, err := backend.CallContract(ctx, ethereum.CallMsg{To: &registry, Data: data}, nil)
		if err != nil {
			return nil, err
		}
		return registryABI.Unpack(method, raw)
	}

	if vals, err := call("paused"); err == nil && len(vals) == 1 {
		out.Paused, _ = vals[0].(bool)
	} else if err != nil {
		return nil, fmt.Errorf("paused query failed: %w", err)
	}
	if vals, err := call("market"); err == nil && len(vals) == 1 {
		if addr, ok := vals[0].(common.Address); ok {
			out.Market = addr.Hex()
		}
	} else if err != nil {
		return nil, fmt.Errorf("market query failed: %w", err)
	}
	if vals, err := call("submissionCount"); err == nil && len(vals) == 1 {
		if n, ok := vals[0].(*big.Int); ok {
			out.SubmissionCount = n.Uint64()
		}
	} else if err != nil {
		return nil, fmt.Errorf("submissionCount query failed: %w", err)
	}
	return out, nil
}
