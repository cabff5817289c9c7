package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"artstore_gateway/pkg/merkle"
)

// replicationOutcome reports the best-effort byte push that follows an
// on-chain submission. A failed replication never invalidates the
// submission record; the root is already permanently registered, the data
// is just not yet retrievable. Warning carries the degradation reason.
type replicationOutcome struct {
	Attempted bool   `json:"attempted"`
	Succeeded bool   `json:"succeeded"`
	Warning   string `json:"warning,omitempty"`
}

type replicationOptions struct {
	RequiredReplicas int
	FinalityRequired bool
	TaskSize         int
}

func defaultReplicationOptions() replicationOptions {
	return replicationOptions{
		RequiredReplicas: replicaCount,
		FinalityRequired: true,
		TaskSize:         replicaTaskSize,
	}
}

// sectorTask is one bounded unit of replication work: a contiguous run of
// sectors starting at StartIndex. SkipRegistration is always true here;
// the commitment is registered by the submitter, nodes must only store
// bytes.
type sectorTask struct {
	Root             string   `json:"root"`
	StartIndex       uint64   `json:"start_index"`
	Sectors          []string `json:"sectors"`
	SkipRegistration bool     `json:"skip_registration"`
	FinalityRequired bool     `json:"finality_required"`
}

// replicate pushes the payload's sectors to at least opts.RequiredReplicas
// storage nodes in tasks of opts.TaskSize sectors. Always returns an
// outcome, never an error: replication failure is degraded availability,
// not a failed upload.
func replicate(ctx context.Context, c *merkle.Commitment, payload []byte, endpoints []string, opts replicationOptions) replicationOutcome {
	if len(endpoints) == 0 {
		return replicationOutcome{Warning: "no storage node endpoints configured"}
	}
	if opts.TaskSize <= 0 {
		opts.TaskSize = replicaTaskSize
	}
	if opts.RequiredReplicas <= 0 {
		opts.RequiredReplicas = 1
	}
	if opts.RequiredReplicas > len(endpoints) {
		return replicationOutcome{
			Attempted: true,
			Warning: fmt.Sprintf("need %d replicas but only %d endpoints configured",
				opts.RequiredReplicas, len(endpoints)),
		}
	}

	tasks := buildSectorTasks(c, payload, opts)

	replicas := 0
	var firstErr error
	for _, ep := range endpoints {
		if err := pushTasks(ctx, ep, tasks); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			log.Printf("replicate: node %s failed for root %s: %v", ep, hexRoot(c.Root), err)
			continue
		}
		replicas++
		if replicas >= opts.RequiredReplicas {
			break
		}
	}

	if replicas < opts.RequiredReplicas {
		return replicationOutcome{
			Attempted: true,
			Warning: fmt.Sprintf("replicated to %d/%d required nodes (first error: %v)",
				replicas, opts.RequiredReplicas, firstErr),
		}
	}
	return replicationOutcome{Attempted: true, Succeeded: true}
}

func buildSectorTasks(c *merkle.Commitment, payload []byte, opts replicationOptions) []sectorTask {
	sectors := merkle.Sectors(payload)
	root := hexRoot(c.Root)

	var tasks []sectorTask
	for start := 0; start < len(sectors); start += opts.TaskSize {
		end := start + opts.TaskSize
		if end > len(sectors) {
			end = len(sectors)
		}
		encoded := make([]string, 0, end-start)
		for _, s := range sectors[start:end] {
			encoded = append(encoded, base64.StdEncoding.EncodeToString(s))
		}
		tasks = append(tasks, sectorTask{
			Root:             root,
			StartIndex:       uint64(start),
			Sectors:          encoded,
			SkipRegistration: true,
			FinalityRequired: opts.FinalityRequired,
		})
	}
	return tasks
}

func pushTasks(ctx context.Context, endpoint string, tasks []sectorTask) error {
	base := strings.TrimRight(endpoint, "/")
	for _, task := range tasks {
		body, err := json.Marshal(task)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/task/upload", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := storageHTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("task at sector %d: %w", task.StartIndex, err)
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("task at sector %d: node returned %d: %s",
				task.StartIndex, resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
	}
	return nil
}

// resolveURL builds the public gateway URL for a full-mode commitment
// root. Content-hash roots are not resolvable on the storage network and
// are refused here so they can never be handed out as retrieval links.
func resolveURL(c *merkle.Commitment) (string, error) {
	if c.Mode != merkle.ModeFull {
		return "", fmt.Errorf("%s commitment is not retrievable via the storage gateway", c.Mode)
	}
	return fmt.Sprintf("%s/file?root=%s", strings.TrimRight(gatewayBase, "/"), hexRoot(c.Root)), nil
}
