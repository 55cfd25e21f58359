package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/marketlens/core/pkg/logger"
	"github.com/marketlens/core/pkg/models"
	"github.com/marketlens/core/pkg/models/api"
	"github.com/marketlens/core/pkg/utils"
)

// Proxy is the REST client behind every MCP tool. All calls go through
// one circuit breaker: when the dataloader API is down the breaker opens
// and tool calls fail immediately with a clear error.
type Proxy struct {
	apiURL  string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *logger.Logger
}

// NewProxy creates a proxy targeting the dataloader API.
func NewProxy(cfg *Config) *Proxy {
	log := logger.New("mcp-proxy")

	settings := gobreaker.Settings{
		Name:    "dataloader-api",
		Timeout: cfg.BreakerTimeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("action", "breaker_state_change").
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	}

	return &Proxy{
		apiURL:  strings.TrimRight(cfg.APIURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  log,
	}
}

// Get performs a GET against the dataloader API and returns the raw body.
func (p *Proxy) Get(ctx context.Context, path string) ([]byte, error) {
	return p.do(ctx, http.MethodGet, path, nil)
}

// Post performs a POST against the dataloader API and returns the raw body.
func (p *Proxy) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	return p.do(ctx, http.MethodPost, path, reader)
}

func (p *Proxy) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, p.apiURL+path, body)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if p.apiKey != "" {
			req.Header.Set("X-API-Key", p.apiKey)
		}

		p.logger.Debug().
			Str("action", "proxy_request").
			Str("method", method).
			Str("path", path).
			Msg("Proxying tool call")

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("dataloader API request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		// 4xx is a caller mistake, not an API outage: hand the body back
		// without counting it against the breaker.
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("dataloader API returned HTTP %d: %s", resp.StatusCode, respBody)
		}
		return apiResult{status: resp.StatusCode, body: respBody}, nil
	})
	if err != nil {
		return nil, err
	}

	res := result.(apiResult)
	if res.status >= 400 {
		return nil, &APIError{Status: res.status, Body: string(res.body)}
	}
	return res.body, nil
}

type apiResult struct {
	status int
	body   []byte
}

// APIError is a non-2xx response passed through from the dataloader API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// FindJob resolves a human-supplied job reference: numeric id first,
// then exact name, slug, and finally unambiguous substring match. Agents
// rarely quote a job name exactly, so the lookup is forgiving.
func (p *Proxy) FindJob(ctx context.Context, ref string) (*models.Job, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("job reference is empty")
	}

	body, err := p.Get(ctx, "/api/jobs")
	if err != nil {
		return nil, err
	}

	var listing api.JobsResponse
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("decode job listing: %w", err)
	}

	refSlug := utils.NormalizeSlug(ref)
	var partial []*models.Job
	for _, job := range listing.Jobs {
		if fmt.Sprintf("%d", job.ID) == ref {
			return job, nil
		}
		if strings.EqualFold(job.Name, ref) || job.Slug == refSlug {
			return job, nil
		}
		if strings.Contains(strings.ToLower(job.Name), strings.ToLower(ref)) ||
			strings.Contains(job.Slug, refSlug) {
			partial = append(partial, job)
		}
	}

	switch len(partial) {
	case 1:
		return partial[0], nil
	case 0:
		return nil, fmt.Errorf("no job matches %q", ref)
	default:
		names := make([]string, 0, len(partial))
		for _, job := range partial {
			names = append(names, job.Name)
		}
		return nil, fmt.Errorf("job reference %q is ambiguous, matches: %s", ref, strings.Join(names, ", "))
	}
}
