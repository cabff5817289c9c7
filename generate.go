package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// retryPolicy applies bounded retry with multiplicative backoff to the AI
// collaborator calls. On-chain submissions are deliberately NOT run through
// this: silently resending a reverted or timed-out transaction can
// double-spend fees, so chain retries stay a caller decision.
type retryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	BackoffMultiplier int
	Retryable         func(error) bool
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		BackoffMultiplier: 2,
		Retryable:         func(error) bool { return true },
	}
}

func (p retryPolicy) do(ctx context.Context, op func() error) error {
	delay := p.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt >= p.MaxAttempts || (p.Retryable != nil && !p.Retryable(err)) {
			return err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		delay *= time.Duration(p.BackoffMultiplier)
	}
}

// aiClient talks to the external generation collaborator. Image generation
// failure is fatal for the item; metadata generation always degrades to a
// documented fallback instead of failing the pipeline.
type aiClient struct {
	base   string
	client *http.Client
	retry  retryPolicy
}

func newAIClient(base string) *aiClient {
	return &aiClient{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: aiCallTimeout},
		retry:  defaultRetryPolicy(),
	}
}

type generateImageRequest struct {
	Prompt         string `json:"prompt"`
	Style          string `json:"style"`
	ReferenceImage string `json:"reference_image,omitempty"`
}

type generateImageResponse struct {
	Image string `json:"image"` // data URI
	Error string `json:"error,omitempty"`
}

type generateMetadataRequest struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style"`
}

type generateMetadataResponse struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Error       string `json:"error,omitempty"`
}

// generateImage returns the generated image as a data URI. referenceImage,
// when non-empty, conditions the generation on a prior item's output.
func (c *aiClient) generateImage(ctx context.Context, prompt, style, referenceImage string) (string, error) {
	var out generateImageResponse
	err := c.retry.do(ctx, func() error {
		return c.postJSON(ctx, "/generate/image", generateImageRequest{
			Prompt:         prompt,
			Style:          style,
			ReferenceImage: referenceImage,
		}, &out)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrGenerationFailed, out.Error)
	}
	if strings.TrimSpace(out.Image) == "" {
		return "", fmt.Errorf("%w: collaborator returned no image", ErrGenerationFailed)
	}
	return out.Image, nil
}

// generateMetadata returns a title and description for the artifact.
// Never fails: on collaborator error the documented fallback
// ("<style> Artifact" plus a generic description) is returned so metadata
// trouble only degrades content quality, never the pipeline.
func (c *aiClient) generateMetadata(ctx context.Context, prompt, style string) (title, description string) {
	var out generateMetadataResponse
	err := c.retry.do(ctx, func() error {
		return c.postJSON(ctx, "/generate/metadata", generateMetadataRequest{Prompt: prompt, Style: style}, &out)
	})
	if err != nil || out.Error != "" || strings.TrimSpace(out.Title) == "" {
		return fallbackMetadata(style)
	}
	return out.Title, out.Description
}

func fallbackMetadata(style string) (string, string) {
	style = strings.TrimSpace(style)
	if style == "" {
		style = "Generated"
	}
	return style + " Artifact", "A unique AI-generated artifact stored on the decentralized storage network."
}

func (c *aiClient) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("collaborator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeDataURI extracts the raw bytes from a base64 data URI as returned
// by the image collaborator. Bare base64 without the data: prefix is
// accepted too.
func decodeDataURI(uri string) ([]byte, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, fmt.Errorf("empty data URI")
	}
	if strings.HasPrefix(uri, "data:") {
		idx := strings.Index(uri, ",")
		if idx < 0 {
			return nil, fmt.Errorf("malformed data URI")
		}
		meta := uri[len("data:"):idx]
		if !strings.Contains(meta, "base64") {
			return nil, fmt.Errorf("unsupported data URI encoding: %q", meta)
		}
		uri = uri[idx+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty image payload")
	}
	return raw, nil
}
