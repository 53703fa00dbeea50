package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"keyreg/internal/config"
)

const maxErrorBody = 4 << 10

// EndpointSource looks up where a service's cloud client lives.
type EndpointSource interface {
	Endpoint(service string) (config.Endpoint, error)
}

// Prober brings a service up by calling its probe endpoint with the group key.
// Services without an endpoint or without a probe path are considered ready
// as soon as a key is assigned.
type Prober struct {
	Endpoints EndpointSource
	Client    *http.Client
	Logger    *zap.Logger
}

// Initialize implements registry.Initializer.
func (p *Prober) Initialize(ctx context.Context, service string, group config.KeyGroup) error {
	logger := p.getLogger().With(zap.String("service", service), zap.String("group", group.Name))

	ep, err := p.Endpoints.Endpoint(service)
	if errors.Is(err, config.ErrEndpointNotFound) {
		logger.Debug("no endpoint configured, client created lazily")
		return nil
	}
	if err != nil {
		return err
	}
	if ep.ProbePath == "" {
		logger.Debug("endpoint has no probe path, skipping probe")
		return nil
	}

	target, err := url.Parse(ep.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	probePath, probeQuery, _ := strings.Cut(ep.ProbePath, "?")
	target.Path = JoinPath(target.Path, probePath)
	if probeQuery != "" {
		target.RawQuery = probeQuery
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	ApplyKey(req, ep.Auth, group.Key)

	res, err := p.client().Do(req)
	if err != nil {
		return fmt.Errorf("probe request: %w", redactURLError(err))
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("probe returned %d: %s", res.StatusCode, upstreamMessage(body))
	}
	logger.Debug("probe succeeded", zap.Int("status", res.StatusCode))
	return nil
}

func (p *Prober) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *Prober) getLogger() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.NewNop()
}

// googleError is the envelope Google Cloud APIs return on failure.
type googleError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func upstreamMessage(body []byte) string {
	var ge googleError
	if err := json.Unmarshal(body, &ge); err == nil && ge.Error.Message != "" {
		return ge.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response"
	}
	return msg
}

// redactURLError drops the request URL, which may carry the key as a query
// parameter, from transport errors.
func redactURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
