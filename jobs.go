package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

type uploadJobStatus string

const (
	uploadJobRunning uploadJobStatus = "running"
	uploadJobSuccess uploadJobStatus = "success"
	uploadJobError   uploadJobStatus = "error"
)

// uploadJob tracks one direct (non-pipeline) upload through the
// orchestrator steps so clients can poll progress after the 202.
type uploadJob struct {
	mu sync.RWMutex

	id   string
	kind contentKind

	status uploadJobStatus
	step   uploadStep

	bytesTotal uint64

	startedAt time.Time
	updatedAt time.Time

	result *uploadResult
	err    string
}

type uploadJobResponse struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	Status     string        `json:"status"`
	Step       string        `json:"step,omitempty"`
	BytesTotal uint64        `json:"bytes_total,omitempty"`
	StartedAt  string        `json:"started_at"`
	UpdatedAt  string        `json:"updated_at"`
	Result     *uploadResult `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
}

var uploadJobsMu sync.RWMutex
var uploadJobs = map[string]*uploadJob{}

func newUploadJob(kind contentKind, bytesTotal uint64) *uploadJob {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	now := time.Now()
	return &uploadJob{
		id:         "upload-" + hex.EncodeToString(buf),
		kind:       kind,
		status:     uploadJobRunning,
		bytesTotal: bytesTotal,
		startedAt:  now,
		updatedAt:  now,
	}
}

func storeUploadJob(job *uploadJob) {
	if job == nil {
		return
	}
	uploadJobsMu.Lock()
	uploadJobs[job.id] = job
	uploadJobsMu.Unlock()
	pruneUploadJobs(time.Now())
}

func lookupUploadJob(id string) *uploadJob {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	uploadJobsMu.RLock()
	job := uploadJobs[id]
	uploadJobsMu.RUnlock()
	return job
}

func pruneUploadJobs(now time.Time) {
	uploadJobsMu.Lock()
	defer uploadJobsMu.Unlock()
	for id, job := range uploadJobs {
		job.mu.RLock()
		updated := job.updatedAt
		status := job.status
		job.mu.RUnlock()

		age := now.Sub(updated)
		if age > 2*time.Hour {
			delete(uploadJobs, id)
			continue
		}
		if (status == uploadJobSuccess || status == uploadJobError) && age > 15*time.Minute {
			delete(uploadJobs, id)
		}
	}
}

func (j *uploadJob) setStep(step uploadStep) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.step = step
	j.updatedAt = time.Now()
	j.mu.Unlock()
}

func (j *uploadJob) setResult(res *uploadResult) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.status = uploadJobSuccess
	j.result = res
	j.err = ""
	j.updatedAt = time.Now()
	j.mu.Unlock()
}

func (j *uploadJob) setError(msg string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.status = uploadJobError
	j.err = strings.TrimSpace(msg)
	j.updatedAt = time.Now()
	j.mu.Unlock()
}

type uploadJobCtxKey struct{}

// withUploadJob threads a job through the orchestrator so step progress is
// visible to pollers without the uploader knowing about the job store.
func withUploadJob(ctx context.Context, job *uploadJob) context.Context {
	if job == nil {
		return ctx
	}
	return context.WithValue(ctx, uploadJobCtxKey{}, job)
}

func uploadJobFromContext(ctx context.Context) *uploadJob {
	if ctx == nil {
		return nil
	}
	if v := ctx.Value(uploadJobCtxKey{}); v != nil {
		if job, ok := v.(*uploadJob); ok {
			return job
		}
	}
	return nil
}

func (j *uploadJob) snapshot() uploadJobResponse {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return uploadJobResponse{
		ID:         j.id,
		Kind:       string(j.kind),
		Status:     string(j.status),
		Step:       string(j.step),
		BytesTotal: j.bytesTotal,
		StartedAt:  j.startedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:  j.updatedAt.UTC().Format(time.RFC3339Nano),
		Result:     j.result,
		Error:      j.err,
	}
}
