package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"
)

type batchItemSpec struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style"`
}

// pipelineDeps are the collaborator seams of the controller. Production
// wiring points them at the real AI client, uploader and minter; tests
// install stubs.
type pipelineDeps struct {
	generateImage    func(ctx context.Context, prompt, style, referenceImage string) (string, error)
	generateMetadata func(ctx context.Context, prompt, style string) (title, description string)
	upload           func(ctx context.Context, payload []byte, kind contentKind) (*uploadResult, error)
	mintBatch        func(ctx context.Context, to common.Address, inputs []mintInput) (*mintResult, error)
	mintOne          func(ctx context.Context, to common.Address, in mintInput) (*mintResult, error)
}

// pipelineController drives batches through
// generate -> upload(image) -> upload(metadata) -> mint.
//
// Generation is strictly sequential: the first generated image conditions
// every later generation call so the batch stays visually coherent. That
// trades throughput for consistency on purpose. Uploads and mints fan out
// in bounded batches; all chain writes still funnel through the one
// serialized sender.
type pipelineController struct {
	deps      pipelineDeps
	store     *batchStore
	records   *recordStore
	mintTo    common.Address
	batchSize int
}

func newPipelineController(deps pipelineDeps, store *batchStore, records *recordStore, mintTo common.Address) *pipelineController {
	return &pipelineController{
		deps:      deps,
		store:     store,
		records:   records,
		mintTo:    mintTo,
		batchSize: pipelineBatchSize,
	}
}

// startBatch registers placeholder items for every prompt and launches the
// run. Placeholders exist from the moment the batch is requested so status
// polling never sees a partial set.
func (p *pipelineController) startBatch(specs []batchItemSpec) *pipelineBatch {
	batch := newPipelineBatch(newBatchID(), specs)
	p.store.put(batch)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), batchRunTimeout)
		defer cancel()
		p.run(ctx, batch)
	}()
	return batch
}

func (p *pipelineController) run(ctx context.Context, batch *pipelineBatch) {
	defer batch.setDone()
	defer p.persistBatch(batch)

	p.generatePhase(ctx, batch)
	p.uploadImagesPhase(ctx, batch, batch.idsInStatus(itemCompleted))
	p.uploadMetadataPhase(ctx, batch, batch.idsInStatus(itemUploading))
	p.mintPhase(ctx, batch, batch.idsInStatus(itemMinting))
}

// generatePhase runs width-1: one generation call at a time, in item
// order. The first successful image becomes the conditioning reference
// for every subsequent call; the first call gets none.
func (p *pipelineController) generatePhase(ctx context.Context, batch *pipelineBatch) {
	reference := ""
	for _, id := range batch.itemIDs() {
		it, ok := batch.item(id)
		if !ok || it.Status != itemPending {
			continue
		}
		batch.update(id, func(it *generationItem) { it.Status = itemGenerating })

		dataURI, err := p.deps.generateImage(ctx, it.Prompt, it.Style, reference)
		if err != nil {
			batch.update(id, func(it *generationItem) {
				it.Status = itemFailed
				it.Error = err.Error()
			})
			continue
		}
		raw, err := decodeDataURI(dataURI)
		if err != nil {
			batch.update(id, func(it *generationItem) {
				it.Status = itemFailed
				it.Error = fmt.Sprintf("%v: %v", ErrGenerationFailed, err)
			})
			continue
		}

		// Metadata degrades to the fallback internally, never fails.
		title, description := p.deps.generateMetadata(ctx, it.Prompt, it.Style)

		batch.update(id, func(it *generationItem) {
			it.Status = itemCompleted
			it.imageDataURI = dataURI
			it.imageBytes = raw
			it.Title = title
			it.Description = description
			it.Error = ""
		})
		if reference == "" {
			reference = dataURI
		}
	}
}

// uploadImagesPhase pushes image bytes to storage in bounded batches:
// batchSize concurrent uploads, full await before the next group. One
// failing item stays isolated to itself.
func (p *pipelineController) uploadImagesPhase(ctx context.Context, batch *pipelineBatch, ids []string) {
	p.inBoundedBatches(ids, func(id string) {
		it, ok := batch.item(id)
		if !ok {
			return
		}
		batch.update(id, func(it *generationItem) { it.Status = itemUploading })

		res, err := p.deps.upload(ctx, it.imageBytes, contentKindImage)
		if err != nil {
			batch.update(id, func(it *generationItem) {
				it.Status = itemFailed
				it.Error = fmt.Sprintf("image upload: %v", err)
			})
			return
		}
		batch.update(id, func(it *generationItem) {
			it.ImageHash = res.Root
			it.ImageURL = res.GatewayURL
			it.UploadWarning = res.Warning
		})
	})
}

// uploadMetadataPhase uploads the per-item metadata document, consuming
// the image hash produced for that item. Same bounded fan-out as images.
func (p *pipelineController) uploadMetadataPhase(ctx context.Context, batch *pipelineBatch, ids []string) {
	p.inBoundedBatches(ids, func(id string) {
		it, ok := batch.item(id)
		if !ok || it.ImageHash == "" {
			return
		}
		doc, err := metadataDocument(it)
		if err != nil {
			batch.update(id, func(it *generationItem) {
				it.Status = itemFailed
				it.Error = fmt.Sprintf("metadata encoding: %v", err)
			})
			return
		}
		res, err := p.deps.upload(ctx, doc, contentKindJSON)
		if err != nil {
			batch.update(id, func(it *generationItem) {
				it.Status = itemFailed
				it.Error = fmt.Sprintf("metadata upload: %v", err)
			})
			return
		}
		batch.update(id, func(it *generationItem) {
			it.Status = itemMinting
			it.MetadataHash = res.Root
			if res.Warning != "" && it.UploadWarning == "" {
				it.UploadWarning = res.Warning
			}
		})
	})
}

// mintPhase groups ready items into fixed-size batches and issues one
// batchMint transaction per group. Token IDs come back from the minted
// events in order; a failed group fails only its own items.
func (p *pipelineController) mintPhase(ctx context.Context, batch *pipelineBatch, ids []string) {
	for batchIdx := 0; batchIdx*p.batchSize < len(ids); batchIdx++ {
		start := batchIdx * p.batchSize
		end := start + p.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		group := ids[start:end]

		inputs := make([]mintInput, 0, len(group))
		for _, id := range group {
			it, ok := batch.item(id)
			if !ok {
				continue
			}
			inputs = append(inputs, mintInputFor(&it))
		}

		res, err := p.deps.mintBatch(ctx, p.mintTo, inputs)
		if err != nil {
			wrapped := &mintBatchError{BatchIndex: batchIdx, Err: err}
			log.Printf("mintPhase: %v", wrapped)
			for _, id := range group {
				batch.update(id, func(it *generationItem) {
					it.Status = itemFailed
					it.Error = wrapped.Error()
				})
			}
			continue
		}
		for i, id := range group {
			tokenID := res.TokenIDs[i]
			batch.update(id, func(it *generationItem) {
				it.Status = itemMinted
				it.TxHash = res.TxHash
				it.TokenID = &tokenID
				it.Error = ""
			})
		}
	}
}

// inBoundedBatches fans fn out over ids in groups of batchSize, awaiting
// each group in full before starting the next. fn isolates its own
// failures; nothing here cancels siblings.
func (p *pipelineController) inBoundedBatches(ids []string, fn func(id string)) {
	for start := 0; start < len(ids); start += p.batchSize {
		end := start + p.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		var g errgroup.Group
		for _, id := range ids[start:end] {
			id := id
			g.Go(func() error {
				fn(id)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// retryItem re-runs a failed item. When the generated artifact is still in
// memory the item skips regeneration (failed -> completed) and resumes at
// upload; otherwise it goes back to pending and regenerates without a
// conditioning reference.
func (p *pipelineController) retryItem(batchID, itemID string) error {
	batch := p.store.get(batchID)
	if batch == nil {
		return fmt.Errorf("batch %s not found", batchID)
	}
	it, ok := batch.item(itemID)
	if !ok {
		return fmt.Errorf("item %s not found in batch %s", itemID, batchID)
	}
	if it.Status != itemFailed {
		return fmt.Errorf("item %s is %s, only failed items can be retried", itemID, it.Status)
	}

	hasArtifact := len(it.imageBytes) > 0
	batch.update(itemID, func(it *generationItem) {
		it.Error = ""
		if hasArtifact {
			it.Status = itemCompleted
		} else {
			it.Status = itemPending
		}
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), batchRunTimeout)
		defer cancel()
		defer p.persistBatch(batch)

		if !hasArtifact {
			p.generatePhase(ctx, batch)
		}
		cur, _ := batch.item(itemID)
		switch cur.Status {
		case itemCompleted:
			p.uploadImagesPhase(ctx, batch, []string{itemID})
			fallthrough
		case itemUploading:
			p.uploadMetadataPhase(ctx, batch, []string{itemID})
		}

		cur, _ = batch.item(itemID)
		if cur.Status != itemMinting {
			return
		}
		res, err := p.deps.mintOne(ctx, p.mintTo, mintInputFor(&cur))
		if err != nil {
			batch.update(itemID, func(it *generationItem) {
				it.Status = itemFailed
				it.Error = fmt.Sprintf("mint: %v", err)
			})
			return
		}
		tokenID := res.TokenIDs[0]
		batch.update(itemID, func(it *generationItem) {
			it.Status = itemMinted
			it.TxHash = res.TxHash
			it.TokenID = &tokenID
		})
	}()
	return nil
}

func (p *pipelineController) persistBatch(batch *pipelineBatch) {
	if p.records == nil {
		return
	}
	if err := p.records.saveBatch(batch.snapshot()); err != nil {
		log.Printf("persistBatch: failed to save batch %s: %v", batch.id, err)
	}
}

// metadataDocument renders the storage-side metadata JSON for one item,
// referencing the already-uploaded image by its root hash and gateway URL.
func metadataDocument(it generationItem) ([]byte, error) {
	return json.Marshal(map[string]string{
		"name":        it.Title,
		"description": it.Description,
		"image":       it.ImageURL,
		"image_root":  it.ImageHash,
		"style":       it.Style,
		"prompt":      it.Prompt,
	})
}

// mintInputFor maps a fully-uploaded item onto the NFT contract call.
// OriginalHash is a provenance digest of the raw image bytes, not a
// storage reference; retrieval always goes through ImageHash.
func mintInputFor(it *generationItem) mintInput {
	return mintInput{
		OriginalHash: common.BytesToHash(crypto.Keccak256(it.imageBytes)),
		ImageHash:    common.HexToHash(it.ImageHash),
		MetadataHash: common.HexToHash(it.MetadataHash),
		Style:        it.Style,
		Prompt:       it.Prompt,
	}
}
