// Package blobstore adapts the content-addressed envelope storage: an HTTP
// pinning gateway in production, a local content-addressed directory in dev.
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"golang.org/x/time/rate"
)

var (
	// ErrContentUnavailable means the store could not serve a content id:
	// not found, gateway error, or timeout.
	ErrContentUnavailable = errors.New("content unavailable")

	// ErrInvalidContentID means a content id failed validation.
	ErrInvalidContentID = errors.New("invalid content id")
)

const maxBlobSize = 1 << 20 // envelopes are small JSON documents

// Store is the blob layer seen by the rest of the system.
type Store interface {
	// Put uploads opaque bytes and returns the content-derived id. One
	// attempt; callers own any retry policy.
	Put(ctx context.Context, data []byte) (string, error)
	// Get fetches bytes by content id.
	Get(ctx context.Context, contentID string) ([]byte, error)
}

// Client talks to an IPFS pinning gateway over HTTP.
type Client struct {
	uploadURL  string
	gatewayURL string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a gateway client. fetchRPS bounds Get calls; zero or
// negative disables the limiter.
func NewClient(uploadURL, gatewayURL, token string, fetchRPS float64) *Client {
	var limiter *rate.Limiter
	if fetchRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(fetchRPS), int(fetchRPS)+1)
	}
	return &Client{
		uploadURL:  strings.TrimRight(uploadURL, "/"),
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    limiter,
	}
}

func (c *Client) Put(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload blob: gateway status %d", resp.StatusCode)
	}

	var result struct {
		CID string `json:"cid"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBlobSize)).Decode(&result); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if err := ValidateContentID(result.CID); err != nil {
		return "", err
	}
	return result.CID, nil
}

func (c *Client) Get(ctx context.Context, contentID string) ([]byte, error) {
	if err := ValidateContentID(contentID); err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
		}
	}

	url := c.gatewayURL + "/ipfs/" + contentID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: gateway status %d", ErrContentUnavailable, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}
	return data, nil
}

// ValidateContentID checks that a string parses as a CID.
func ValidateContentID(contentID string) error {
	if _, err := cid.Decode(contentID); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidContentID, contentID, err)
	}
	return nil
}
