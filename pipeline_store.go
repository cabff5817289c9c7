package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

type itemStatus string

const (
	itemPending    itemStatus = "pending"
	itemGenerating itemStatus = "generating"
	itemCompleted  itemStatus = "completed"
	itemFailed     itemStatus = "failed"
	itemUploading  itemStatus = "uploading"
	itemMinting    itemStatus = "minting"
	itemMinted     itemStatus = "minted"
)

// generationItem is one element of a pipeline batch, mutated in place as
// the controller advances it. Items never move backward through states
// except failed -> completed/pending on manual retry.
type generationItem struct {
	ID     string
	Prompt string
	Style  string

	Status itemStatus
	Error  string

	// Generation artifacts. imageBytes stays in memory for the life of
	// the batch so a retry can skip regeneration.
	imageDataURI string
	imageBytes   []byte
	Title        string
	Description  string

	// Storage references.
	ImageHash     string
	ImageURL      string
	MetadataHash  string
	UploadWarning string

	// Mint outcome.
	TxHash  string
	TokenID *uint64

	UpdatedAt time.Time
}

type itemSnapshot struct {
	ID            string  `json:"id"`
	Prompt        string  `json:"prompt"`
	Style         string  `json:"style"`
	Status        string  `json:"status"`
	Title         string  `json:"title,omitempty"`
	Description   string  `json:"description,omitempty"`
	ImageHash     string  `json:"image_hash,omitempty"`
	ImageURL      string  `json:"image_url,omitempty"`
	MetadataHash  string  `json:"metadata_hash,omitempty"`
	UploadWarning string  `json:"upload_warning,omitempty"`
	TxHash        string  `json:"tx_hash,omitempty"`
	TokenID       *uint64 `json:"token_id,omitempty"`
	Error         string  `json:"error,omitempty"`
	UpdatedAt     string  `json:"updated_at"`
}

func (it *generationItem) snapshot() itemSnapshot {
	return itemSnapshot{
		ID:            it.ID,
		Prompt:        it.Prompt,
		Style:         it.Style,
		Status:        string(it.Status),
		Title:         it.Title,
		Description:   it.Description,
		ImageHash:     it.ImageHash,
		ImageURL:      it.ImageURL,
		MetadataHash:  it.MetadataHash,
		UploadWarning: it.UploadWarning,
		TxHash:        it.TxHash,
		TokenID:       it.TokenID,
		Error:         it.Error,
		UpdatedAt:     it.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

type batchStatus string

const (
	batchRunning batchStatus = "running"
	batchDone    batchStatus = "done"
)

// pipelineBatch tracks one batch run. Items live in a keyed map so status
// updates are always scoped to a single item ID; order holds insertion
// order for reporting and fan-out start order.
type pipelineBatch struct {
	mu sync.RWMutex

	id        string
	status    batchStatus
	items     map[string]*generationItem
	order     []string
	createdAt time.Time
	updatedAt time.Time
}

type batchSnapshot struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	Items     []itemSnapshot `json:"items"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

func newPipelineBatch(id string, prompts []batchItemSpec) *pipelineBatch {
	now := time.Now()
	b := &pipelineBatch{
		id:        id,
		status:    batchRunning,
		items:     make(map[string]*generationItem, len(prompts)),
		createdAt: now,
		updatedAt: now,
	}
	for i, spec := range prompts {
		itemID := fmt.Sprintf("%s-%d", id, i)
		b.items[itemID] = &generationItem{
			ID:        itemID,
			Prompt:    spec.Prompt,
			Style:     spec.Style,
			Status:    itemPending,
			UpdatedAt: now,
		}
		b.order = append(b.order, itemID)
	}
	return b
}

// update applies fn to exactly one item under the batch lock. Every status
// transition goes through here, so one item's change is visible to
// snapshot() before the controller touches the next item.
func (b *pipelineBatch) update(itemID string, fn func(*generationItem)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[itemID]
	if !ok {
		return false
	}
	fn(it)
	it.UpdatedAt = time.Now()
	b.updatedAt = it.UpdatedAt
	return true
}

func (b *pipelineBatch) item(itemID string) (generationItem, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	it, ok := b.items[itemID]
	if !ok {
		return generationItem{}, false
	}
	return *it, true
}

func (b *pipelineBatch) itemIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// idsInStatus returns item IDs currently in the given status, in insertion
// order.
func (b *pipelineBatch) idsInStatus(status itemStatus) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for _, id := range b.order {
		if b.items[id].Status == status {
			out = append(out, id)
		}
	}
	return out
}

func (b *pipelineBatch) setDone() {
	b.mu.Lock()
	b.status = batchDone
	b.updatedAt = time.Now()
	b.mu.Unlock()
}

// snapshot reports every item, always: a batch never silently drops an
// item from its reported set.
func (b *pipelineBatch) snapshot() batchSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := batchSnapshot{
		ID:        b.id,
		Status:    string(b.status),
		CreatedAt: b.createdAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: b.updatedAt.UTC().Format(time.RFC3339Nano),
	}
	for _, id := range b.order {
		out.Items = append(out.Items, b.items[id].snapshot())
	}
	return out
}

// batchStore is the in-memory registry of live batches, pruned the same
// way finished upload jobs are.
type batchStore struct {
	mu      sync.RWMutex
	batches map[string]*pipelineBatch
}

func newBatchStore() *batchStore {
	return &batchStore{batches: make(map[string]*pipelineBatch)}
}

func (s *batchStore) put(b *pipelineBatch) {
	s.mu.Lock()
	s.batches[b.id] = b
	s.mu.Unlock()
	s.prune(time.Now())
}

func (s *batchStore) get(id string) *pipelineBatch {
	id = strings.TrimSpace(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batches[id]
}

func (s *batchStore) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range s.batches {
		b.mu.RLock()
		status := b.status
		updated := b.updatedAt
		b.mu.RUnlock()
		if status == batchDone && now.Sub(updated) > 2*time.Hour {
			delete(s.batches, id)
		}
	}
}

func newBatchID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "batch-" + hex.EncodeToString(buf)
}
