package main

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const testSignerKeyHex = "4f3edf983ac636a65a842ce7c78d9aa706d3b113b37a2b2d6f6fcf7e9f59b5f1"

// stubBackend implements chainBackend with function-field seams. Unset
// fields fall back to permissive defaults; sent transactions are recorded
// for assertions.
type stubBackend struct {
	mu   sync.Mutex
	sent []*types.Transaction

	balance      *big.Int
	price        *big.Int
	callContract func(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	receiptFor   func(txHash common.Hash) (*types.Receipt, error)
}

func newStubBackend() *stubBackend {
	return &stubBackend{
		balance: new(big.Int).Lsh(big.NewInt(1), 60),
		price:   big.NewInt(100),
	}
}

func (b *stubBackend) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func (b *stubBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return new(big.Int).Set(b.balance), nil
}

func (b *stubBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.sent)), nil
}

func (b *stubBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *stubBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 500_000, nil
}

func (b *stubBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	return nil
}

func (b *stubBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if b.receiptFor != nil {
		return b.receiptFor(txHash)
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash}, nil
}

func (b *stubBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if b.callContract != nil {
		return b.callContract(ctx, msg, blockNumber)
	}
	// Default: behave as the price oracle.
	return oracleABI.Methods["pricePerSector"].Outputs.Pack(b.price)
}

func newTestSender(t *testing.T, backend chainBackend) *txSender {
	t.Helper()
	key, err := crypto.HexToECDSA(testSignerKeyHex)
	if err != nil {
		t.Fatalf("bad test key: %v", err)
	}
	s := newTxSender(backend, key, big.NewInt(1337))
	s.receiptPoll = time.Millisecond
	s.receiptWait = 250 * time.Millisecond
	return s
}

// submitEventLog fabricates the registry Submit event for a receipt.
func submitEventLog(t *testing.T, registry common.Address, submitter common.Address, root [32]byte, index, length uint64) *types.Log {
	t.Helper()
	data, err := registryABI.Events["Submit"].Inputs.NonIndexed().Pack(
		new(big.Int).SetUint64(index), new(big.Int).SetUint64(length))
	if err != nil {
		t.Fatalf("failed to pack Submit event data: %v", err)
	}
	return &types.Log{
		Address: registry,
		Topics: []common.Hash{
			registryABI.Events["Submit"].ID,
			common.BytesToHash(submitter.Bytes()),
			common.BytesToHash(root[:]),
		},
		Data: data,
	}
}

// mintedEventLog fabricates one ArtifactMinted event.
func mintedEventLog(t *testing.T, nft common.Address, to common.Address, tokenID uint64, imageHash common.Hash) *types.Log {
	t.Helper()
	data, err := nftABI.Events["ArtifactMinted"].Inputs.NonIndexed().Pack(
		new(big.Int).SetUint64(tokenID), [32]byte(imageHash))
	if err != nil {
		t.Fatalf("failed to pack ArtifactMinted event data: %v", err)
	}
	return &types.Log{
		Address: nft,
		Topics:  []common.Hash{nftABI.Events["ArtifactMinted"].ID, common.BytesToHash(to.Bytes())},
		Data:    data,
	}
}

func useTempUploadDir(t *testing.T) string {
	t.Helper()
	old := uploadDir
	dir := t.TempDir()
	uploadDir = dir
	t.Cleanup(func() { uploadDir = old })
	return dir
}
