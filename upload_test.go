package main

import (
	"context"
	"errors"
	"math/big"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum"

	"artstore_gateway/pkg/merkle"
)

func newTestUploader(t *testing.T, backend *stubBackend, endpoints []string) *uploader {
	t.Helper()
	useTempUploadDir(t)
	return &uploader{
		backend:   backend,
		sender:    newTestSender(t, backend),
		oracle:    testOracleAddr,
		registry:  testRegistryAddr,
		endpoints: endpoints,
	}
}

func TestUploadPayload_Success(t *testing.T) {
	node := newStorageNodeStub()
	srv := httptest.NewServer(node.handler())
	defer srv.Close()

	backend := newStubBackend()
	u := newTestUploader(t, backend, []string{srv.URL})

	payload := make([]byte, 1500)
	for i := range payload {
		payload[i] = byte(i)
	}

	res, err := u.uploadPayload(context.Background(), payload, contentKindImage)
	if err != nil {
		t.Fatalf("uploadPayload failed: %v", err)
	}

	want, _ := merkle.Commit(payload)
	if res.Root != hexRoot(want.Root) {
		t.Fatalf("returned root %s does not match the payload commitment %s", res.Root, hexRoot(want.Root))
	}
	if res.Warning != "" {
		t.Fatalf("unexpected warning: %s", res.Warning)
	}
	if res.TxHash == "" {
		t.Fatalf("result must carry the submission tx hash")
	}
	if backend.sentCount() != 1 {
		t.Fatalf("expected one chain write, got %d", backend.sentCount())
	}

	got := node.reassemble(t, res.Root, uint64(len(payload)))
	if string(got) != string(payload) {
		t.Fatalf("replicated bytes differ from the uploaded payload")
	}
}

func TestUploadPayload_ReplicationFailureDegradesToWarning(t *testing.T) {
	backend := newStubBackend()
	u := newTestUploader(t, backend, []string{"http://127.0.0.1:1"})

	res, err := u.uploadPayload(context.Background(), []byte("payload bytes"), contentKindJSON)
	if err != nil {
		t.Fatalf("upload must succeed when only replication fails: %v", err)
	}
	if res.Warning == "" {
		t.Fatalf("degraded replication must surface a warning")
	}
	if res.Root == "" || res.TxHash == "" {
		t.Fatalf("root and tx hash must still be returned: %+v", res)
	}
}

func TestUploadPayload_InsufficientFundsSendsNothing(t *testing.T) {
	backend := newStubBackend()
	backend.balance = big.NewInt(1)
	u := newTestUploader(t, backend, nil)

	_, err := u.uploadPayload(context.Background(), make([]byte, 10_000), contentKindImage)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	var stepErr *uploadStepError
	if !errors.As(err, &stepErr) || stepErr.Step != stepSubmit {
		t.Fatalf("failure must identify the submit step, got %v", err)
	}
	if backend.sentCount() != 0 {
		t.Fatalf("no transaction may be broadcast, got %d", backend.sentCount())
	}
}

func TestUploadPayload_OracleFailureIdentifiesFeeStep(t *testing.T) {
	backend := newStubBackend()
	backend.callContract = func(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
		return nil, errors.New("oracle offline")
	}
	u := newTestUploader(t, backend, nil)

	_, err := u.uploadPayload(context.Background(), []byte("data"), contentKindImage)
	if !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("expected ErrOracleUnavailable, got %v", err)
	}
	var stepErr *uploadStepError
	if !errors.As(err, &stepErr) || stepErr.Step != stepFee {
		t.Fatalf("failure must identify the fee step, got %v", err)
	}
	if backend.sentCount() != 0 {
		t.Fatalf("nothing may reach the chain after a fee failure, got %d sends", backend.sentCount())
	}
}

func TestUploadPayload_EmptyPayloadIdentifiesStageStep(t *testing.T) {
	backend := newStubBackend()
	u := newTestUploader(t, backend, nil)

	_, err := u.uploadPayload(context.Background(), nil, contentKindImage)
	if !errors.Is(err, merkle.ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestUploadPayload_StagingFileRemovedOnAllPaths(t *testing.T) {
	backend := newStubBackend()
	u := newTestUploader(t, backend, nil)
	dir := uploadDir

	// Success path.
	if _, err := u.uploadPayload(context.Background(), []byte("ok"), contentKindImage); err != nil {
		t.Fatalf("uploadPayload failed: %v", err)
	}
	assertNoStagingFiles(t, dir)

	// Failure path (oracle down, dies at the fee step).
	backend.callContract = func(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
		return nil, errors.New("oracle offline")
	}
	if _, err := u.uploadPayload(context.Background(), []byte("fails later"), contentKindImage); err == nil {
		t.Fatalf("expected failure")
	}
	assertNoStagingFiles(t, dir)
}

func assertNoStagingFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		t.Fatalf("staging file %s leaked", e.Name())
	}
}
