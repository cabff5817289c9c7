package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"artstore_gateway/pkg/merkle"
)

type contentKind string

const (
	contentKindImage contentKind = "image"
	contentKindJSON  contentKind = "json"
)

type uploadResult struct {
	Root            string  `json:"root"`
	Length          uint64  `json:"length"`
	TxHash          string  `json:"tx_hash"`
	SubmissionIndex *uint64 `json:"submission_index,omitempty"`
	GatewayURL      string  `json:"gateway_url"`
	Warning         string  `json:"warning,omitempty"`
}

// uploader owns the end-to-end storage upload flow:
// stage -> commit -> fee -> submit -> replicate.
// Steps 1-4 are fatal on failure and abort everything after them; step 5
// (replication) only degrades the result with a warning. Nothing ever
// rolls back a confirmed submission.
type uploader struct {
	backend   chainBackend
	sender    *txSender
	oracle    common.Address
	registry  common.Address
	endpoints []string
	records   *recordStore
}

// uploadPayload runs one payload through the full pipeline and returns the
// permanent root reference. The staged temp file is removed on every exit
// path, including failures in any later step.
func (u *uploader) uploadPayload(ctx context.Context, payload []byte, kind contentKind) (*uploadResult, error) {
	job := uploadJobFromContext(ctx)

	// 1. Stage into a scoped temp file. The payload is owned by this call
	// for its whole duration; the staging copy never outlives it.
	job.setStep(stepStage)
	staged, err := stagePayload(payload)
	if err != nil {
		return nil, stepFailed(stepStage, err)
	}
	defer staged.cleanup()

	// 2. Chunk and commit.
	job.setStep(stepCommit)
	commitment, err := merkle.Commit(staged.data)
	if err != nil {
		return nil, stepFailed(stepCommit, err)
	}

	// 3. Fee quote. Always fresh, even for a payload identical to a prior
	// upload: the oracle price may have moved since.
	job.setStep(stepFee)
	quote, err := estimateFee(ctx, u.backend, u.oracle, commitment.Length)
	if err != nil {
		return nil, stepFailed(stepFee, err)
	}

	// 4. On-chain submission. Once this returns, the root is permanently
	// citable regardless of what happens after.
	job.setStep(stepSubmit)
	record, err := submitCommitment(ctx, u.sender, u.registry, commitment, quote)
	if err != nil {
		return nil, stepFailed(stepSubmit, err)
	}
	if u.records != nil {
		if err := u.records.saveSubmission(record); err != nil {
			log.Printf("uploadPayload: failed to persist submission record for %s: %v", record.Root, err)
		}
	}

	// 5. Best-effort replication.
	job.setStep(stepReplicate)
	outcome := replicate(ctx, commitment, staged.data, u.endpoints, defaultReplicationOptions())
	if !outcome.Succeeded {
		log.Printf("uploadPayload: replication degraded for %s (%s): %s", record.Root, kind, outcome.Warning)
	}

	gatewayURL, err := resolveURL(commitment)
	if err != nil {
		// Unreachable for full-mode commitments; keep the root anyway.
		gatewayURL = ""
	}

	return &uploadResult{
		Root:            record.Root,
		Length:          record.Length,
		TxHash:          record.TxHash,
		SubmissionIndex: record.SubmissionIndex,
		GatewayURL:      gatewayURL,
		Warning:         outcome.Warning,
	}, nil
}

// stagedPayload is the temporary staging resource for one upload. Owned
// exclusively by a single uploadPayload call; cleanup runs on every exit
// path.
type stagedPayload struct {
	path string
	data []byte
}

func stagePayload(payload []byte) (*stagedPayload, error) {
	if len(payload) == 0 {
		return nil, merkle.ErrEmptyPayload
	}
	tmp, err := os.CreateTemp(uploadDir, "stage-*.bin")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to close staging file: %w", err)
	}
	return &stagedPayload{path: tmp.Name(), data: payload}, nil
}

func (s *stagedPayload) cleanup() {
	if s == nil || s.path == "" {
		return
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		log.Printf("stagePayload: failed to remove %s: %v", s.path, err)
	}
	s.path = ""
}
