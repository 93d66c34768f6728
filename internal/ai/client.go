// Package ai connects the hub to the external Socratic dialogue service.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

// Errors returned by the HTTP adapter
var (
	ErrEmptyTurn      = errors.New("dialogue service returned an empty turn")
	ErrInvalidLevel   = errors.New("dialogue service suggested an invalid level")
	ErrNoEndpoint     = errors.New("dialogue service endpoint not configured")
	ErrUnexpectedCode = errors.New("dialogue service returned an unexpected status")
)

// Config configures the dialogue service adapter.
type Config struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Endpoint string        `yaml:"endpoint" env:"ENDPOINT"`
	APIKey   string        `yaml:"api_key" env:"API_KEY"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// HTTPService posts the dialogue context as JSON and reads back a DialogueResult.
type HTTPService struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

var _ interfaces.DialogueService = (*HTTPService)(nil)

// NewHTTPService creates an adapter for cfg. A nil client gets one with cfg.Timeout.
func NewHTTPService(cfg Config, client *http.Client) (*HTTPService, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPService{endpoint: cfg.Endpoint, apiKey: cfg.APIKey, client: client}, nil
}

// Evaluate asks the service for the next agent turn.
func (s *HTTPService) Evaluate(ctx context.Context, dctx types.DialogueContext) (*types.DialogueResult, error) {
	body, err := json.Marshal(dctx)
	if err != nil {
		return nil, fmt.Errorf("encode dialogue context: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build dialogue request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dialogue request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s %s", ErrUnexpectedCode, resp.Status, bytes.TrimSpace(snippet))
	}

	var result types.DialogueResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode dialogue response: %w", err)
	}
	if result.Content == "" {
		return nil, ErrEmptyTurn
	}
	if result.SuggestedLevel != nil && !result.SuggestedLevel.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, *result.SuggestedLevel)
	}
	return &result, nil
}

// Noop never produces a turn. The hub treats a nil result as "nothing to say".
type Noop struct{}

// Evaluate implements interfaces.DialogueService.
func (Noop) Evaluate(context.Context, types.DialogueContext) (*types.DialogueResult, error) {
	return nil, nil
}

// New returns the HTTP adapter when cfg is enabled and Noop otherwise.
func New(cfg Config) (interfaces.DialogueService, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	return NewHTTPService(cfg, nil)
}
