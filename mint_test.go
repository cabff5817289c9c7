package main

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var testNFTAddr = common.HexToAddress("0x00000000000000000000000000000000000000ee")

func testMintInputs(n int) []mintInput {
	out := make([]mintInput, n)
	for i := range out {
		out[i] = mintInput{
			OriginalHash: common.BytesToHash([]byte{byte(i), 1}),
			ImageHash:    common.BytesToHash([]byte{byte(i), 2}),
			MetadataHash: common.BytesToHash([]byte{byte(i), 3}),
			Style:        "test",
			Prompt:       "prompt",
		}
	}
	return out
}

func TestMintBatch_TokenIDsInEventOrder(t *testing.T) {
	backend := newStubBackend()
	sender := newTestSender(t, backend)
	m := &minter{sender: sender, nft: testNFTAddr}
	inputs := testMintInputs(5)

	backend.receiptFor = func(txHash common.Hash) (*types.Receipt, error) {
		logs := make([]*types.Log, 0, len(inputs))
		for i, in := range inputs {
			logs = append(logs, mintedEventLog(t, testNFTAddr, testMintTo, uint64(40+i), in.ImageHash))
		}
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash, Logs: logs}, nil
	}

	res, err := m.mintBatch(context.Background(), testMintTo, inputs)
	if err != nil {
		t.Fatalf("mintBatch failed: %v", err)
	}
	if backend.sentCount() != 1 {
		t.Fatalf("5 items must cost one transaction, got %d", backend.sentCount())
	}
	if len(res.TokenIDs) != 5 {
		t.Fatalf("expected 5 token IDs, got %d", len(res.TokenIDs))
	}
	for i, id := range res.TokenIDs {
		if id != uint64(40+i) {
			t.Fatalf("token ID %d = %d, events must be consumed in log order", i, id)
		}
	}
	if res.TxHash == "" {
		t.Fatalf("result must carry the shared tx hash")
	}
}

func TestMintBatch_ForeignLogsIgnored(t *testing.T) {
	backend := newStubBackend()
	sender := newTestSender(t, backend)
	m := &minter{sender: sender, nft: testNFTAddr}
	inputs := testMintInputs(2)

	other := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	backend.receiptFor = func(txHash common.Hash) (*types.Receipt, error) {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash, Logs: []*types.Log{
			mintedEventLog(t, other, testMintTo, 1, inputs[0].ImageHash),
			mintedEventLog(t, testNFTAddr, testMintTo, 2, inputs[0].ImageHash),
			mintedEventLog(t, testNFTAddr, testMintTo, 3, inputs[1].ImageHash),
		}}, nil
	}

	res, err := m.mintBatch(context.Background(), testMintTo, inputs)
	if err != nil {
		t.Fatalf("mintBatch failed: %v", err)
	}
	if len(res.TokenIDs) != 2 || res.TokenIDs[0] != 2 || res.TokenIDs[1] != 3 {
		t.Fatalf("foreign contract logs leaked into token IDs: %v", res.TokenIDs)
	}
}

func TestMintBatch_EventCountMismatchIsError(t *testing.T) {
	backend := newStubBackend()
	sender := newTestSender(t, backend)
	m := &minter{sender: sender, nft: testNFTAddr}
	inputs := testMintInputs(3)

	backend.receiptFor = func(txHash common.Hash) (*types.Receipt, error) {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash, Logs: []*types.Log{
			mintedEventLog(t, testNFTAddr, testMintTo, 1, inputs[0].ImageHash),
		}}, nil
	}

	if _, err := m.mintBatch(context.Background(), testMintTo, inputs); err == nil {
		t.Fatalf("3 items with 1 minted event must not be reported as success")
	}
}

func TestMintBatch_EmptyRejected(t *testing.T) {
	m := &minter{sender: newTestSender(t, newStubBackend()), nft: testNFTAddr}
	if _, err := m.mintBatch(context.Background(), testMintTo, nil); err == nil {
		t.Fatalf("empty batch must be rejected before any chain traffic")
	}
}

func TestMintOne(t *testing.T) {
	backend := newStubBackend()
	sender := newTestSender(t, backend)
	m := &minter{sender: sender, nft: testNFTAddr}
	in := testMintInputs(1)[0]

	backend.receiptFor = func(txHash common.Hash) (*types.Receipt, error) {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash, Logs: []*types.Log{
			mintedEventLog(t, testNFTAddr, testMintTo, 77, in.ImageHash),
		}}, nil
	}

	res, err := m.mintOne(context.Background(), testMintTo, in)
	if err != nil {
		t.Fatalf("mintOne failed: %v", err)
	}
	if len(res.TokenIDs) != 1 || res.TokenIDs[0] != 77 {
		t.Fatalf("token IDs = %v", res.TokenIDs)
	}
}
