package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

type jsonErrorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, message string, hint string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonErrorResponse{Error: message, Hint: hint})
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type createBatchRequest struct {
	Items []batchItemSpec `json:"items"`
}

// PipelineCreateBatch accepts a list of prompts, registers placeholder
// items immediately and kicks off the async run. Clients poll the status
// URL for incremental per-item transitions.
func PipelineCreateBatch(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if pipeline == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "pipeline not initialized", "")
		return
	}

	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON", "")
		return
	}
	if len(req.Items) == 0 {
		writeJSONError(w, http.StatusBadRequest, "items is required", "")
		return
	}
	if len(req.Items) > maxBatchItems {
		writeJSONError(w, http.StatusBadRequest, "too many items", "")
		return
	}
	for i, it := range req.Items {
		if strings.TrimSpace(it.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "every item needs a prompt", "item "+strconv.Itoa(i)+" has none")
			return
		}
	}

	batch := pipeline.startBatch(req.Items)
	log.Printf("PipelineCreateBatch: started %s with %d items", batch.id, len(req.Items))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     "accepted",
		"batch_id":   batch.id,
		"status_url": "/pipeline/batches/" + url.PathEscape(batch.id),
	})
}

func PipelineBatchStatus(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	id := mux.Vars(r)["id"]
	batch := batches.get(id)
	if batch == nil {
		// Fall back to the durable copy for finished, pruned batches.
		if records != nil {
			if snap, err := records.loadBatch(id); err == nil && snap != nil {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(snap)
				return
			}
		}
		writeJSONError(w, http.StatusNotFound, "batch not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(batch.snapshot())
}

func PipelineRetryItem(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if pipeline == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "pipeline not initialized", "")
		return
	}

	vars := mux.Vars(r)
	if err := pipeline.retryItem(vars["id"], vars["itemID"]); err != nil {
		writeJSONError(w, http.StatusBadRequest, "retry rejected", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     "accepted",
		"status_url": "/pipeline/batches/" + url.PathEscape(vars["id"]),
	})
}

// GatewayUpload drives the storage orchestrator directly, outside the
// batch pipeline. Body is the raw payload; ?kind=image|json (default
// image). Responds 202 with a pollable job.
func GatewayUpload(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if storage == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "uploader not initialized", "")
		return
	}

	kind := contentKindImage
	switch strings.TrimSpace(r.URL.Query().Get("kind")) {
	case "", "image":
	case "json":
		kind = contentKindJSON
	default:
		writeJSONError(w, http.StatusBadRequest, "invalid kind", "expected image or json")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	if len(payload) == 0 {
		writeJSONError(w, http.StatusBadRequest, "empty payload", "")
		return
	}
	if int64(len(payload)) > maxUploadBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "payload too large", "")
		return
	}

	job := newUploadJob(kind, uint64(len(payload)))
	storeUploadJob(job)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()
		ctx = withUploadJob(ctx, job)

		res, err := storage.uploadPayload(ctx, payload, kind)
		if err != nil {
			var stepErr *uploadStepError
			if errors.As(err, &stepErr) {
				job.setStep(stepErr.Step)
			}
			job.setError(err.Error())
			return
		}
		job.setResult(res)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     "accepted",
		"upload_id":  job.id,
		"status_url": "/gateway/upload-status?id=" + url.QueryEscape(job.id),
	})
}

func GatewayUploadStatus(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	job := lookupUploadJob(r.URL.Query().Get("id"))
	if job == nil {
		writeJSONError(w, http.StatusNotFound, "upload not found", "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(job.snapshot())
}

// ChainStatus surfaces the registry's read-only diagnostics.
func ChainStatus(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if chainClient == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "chain client not initialized", "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), chainCallTimeout)
	defer cancel()

	status, err := fetchRegistryStatus(ctx, chainClient, registryAddr)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "registry query failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// SubmissionsForRoot lists every recorded submission of a root; the
// registry does not deduplicate, so duplicates show up here.
func SubmissionsForRoot(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if records == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "record store not initialized", "")
		return
	}

	root := strings.TrimSpace(mux.Vars(r)["root"])
	recs, err := records.submissionsForRoot(root)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "lookup failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"root": root, "submissions": recs})
}
