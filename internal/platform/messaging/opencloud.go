// Package messaging contains concrete adapters for the out-of-band channel
// used to reach remote game servers.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-server-broker/pkg/broker"
)

// DefaultOpenCloudBaseURL is the production messaging-service endpoint.
const DefaultOpenCloudBaseURL = "https://apis.roblox.com/messaging-service"

// OpenCloudPublisher implements broker.ChannelPublisher against the Open
// Cloud messaging-service API. Each publish is one POST to
// {base}/v1/universes/{id}/topics/{topic} authenticated with the
// experience's own API key.
type OpenCloudPublisher struct {
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger
}

// NewOpenCloudPublisher is the constructor for the Open Cloud adapter. An
// empty baseURL falls back to the production endpoint.
func NewOpenCloudPublisher(baseURL string, logger zerolog.Logger) *OpenCloudPublisher {
	if baseURL == "" {
		baseURL = DefaultOpenCloudBaseURL
	}
	return &OpenCloudPublisher{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		logger:     logger.With().Str("component", "OpenCloudPublisher").Logger(),
	}
}

type openCloudMessage struct {
	Message string `json:"message"`
}

// Publish delivers payload to the experience's servers on the given topic.
func (p *OpenCloudPublisher) Publish(ctx context.Context, experience *broker.Experience, topic string, payload string) error {
	body, err := json.Marshal(openCloudMessage{Message: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal open cloud message: %w", err)
	}

	url := fmt.Sprintf("%s/v1/universes/%d/topics/%s", p.baseURL, experience.ID, topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build open cloud request: %w", err)
	}
	req.Header.Set("x-api-key", experience.OpenCloudAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("open cloud publish failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	p.logger.Debug().
		Uint64("universe", experience.ID).
		Str("topic", topic).
		Int("status", resp.StatusCode).
		Msg("Published out-of-band message")

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("open cloud publish returned status %d", resp.StatusCode)
	}
	return nil
}
