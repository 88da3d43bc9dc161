package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/forgeline/foreman/internal/log"
)

// DocsConfig configures the documentation search client
type DocsConfig struct {
	// BaseURL is the search service endpoint. Search hits
	// GET {BaseURL}/search?q=..., View hits GET {BaseURL}/doc?ref=...
	BaseURL string

	// MaxResults caps the hits returned per query
	MaxResults int
}

// DocsClient implements DocumentSearch against an HTTP search service
type DocsClient struct {
	cfg     DocsConfig
	client  *http.Client
	invoker *Invoker
	logger  *log.Logger
}

func NewDocsClient(cfg DocsConfig, invoker *Invoker, logger *log.Logger) *DocsClient {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	return &DocsClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		invoker: invoker,
		logger:  logger,
	}
}

func (d *DocsClient) Search(ctx context.Context, query string) ([]SearchResult, error) {
	var results []SearchResult
	err := d.invoker.Do(ctx, CapabilityDocs, func(ctx context.Context) error {
		u := fmt.Sprintf("%s/search?q=%s&limit=%d", d.cfg.BaseURL, url.QueryEscape(query), d.cfg.MaxResults)
		body, err := d.get(ctx, u)
		if err != nil {
			return err
		}
		var parsed struct {
			Results []SearchResult `json:"results"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("parse search response: %w", err)
		}
		results = parsed.Results
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.logger.Debug("documentation searched", "query", query, "hits", len(results))
	return results, nil
}

func (d *DocsClient) View(ctx context.Context, ref string) (string, error) {
	var content string
	err := d.invoker.Do(ctx, CapabilityDocs, func(ctx context.Context) error {
		u := fmt.Sprintf("%s/doc?ref=%s", d.cfg.BaseURL, url.QueryEscape(ref))
		body, err := d.get(ctx, u)
		if err != nil {
			return err
		}
		content = string(body)
		return nil
	})
	return content, err
}

func (d *DocsClient) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
