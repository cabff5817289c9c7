package main

import (
	"errors"
	"fmt"
)

// Failure taxonomy for the upload and mint paths. Orchestrator steps wrap
// these in uploadStepError so callers can tell which step died.
var (
	ErrOracleUnavailable = errors.New("price oracle unavailable")
	ErrInsufficientFunds = errors.New("signer balance below required fee")
	ErrTxReverted        = errors.New("transaction reverted")
	ErrTxTimeout         = errors.New("transaction confirmation timed out")
	ErrGenerationFailed  = errors.New("image generation failed")
)

// uploadStep identifies the pipeline step an upload failure came from.
// Everything before stepSubmit means nothing happened on-chain; a failure
// at or after stepSubmit may leave a registered root behind.
type uploadStep string

const (
	stepStage     uploadStep = "stage"
	stepCommit    uploadStep = "commit"
	stepFee       uploadStep = "fee"
	stepSubmit    uploadStep = "submit"
	stepReplicate uploadStep = "replicate"
)

type uploadStepError struct {
	Step uploadStep
	Err  error
}

func (e *uploadStepError) Error() string {
	return fmt.Sprintf("upload step %s: %v", e.Step, e.Err)
}

func (e *uploadStepError) Unwrap() error { return e.Err }

func stepFailed(step uploadStep, err error) error {
	return &uploadStepError{Step: step, Err: err}
}

// mintBatchError scopes a failed batch-mint transaction to its batch index.
type mintBatchError struct {
	BatchIndex int
	Err        error
}

func (e *mintBatchError) Error() string {
	return fmt.Sprintf("mint batch %d: %v", e.BatchIndex, e.Err)
}

func (e *mintBatchError) Unwrap() error { return e.Err }
