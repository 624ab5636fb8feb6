package brokerservice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-server-broker/brokerservice/config"
	"github.com/tinywideclouds/go-server-broker/pkg/broker"
)

type stubResolver struct{}

func (stubResolver) ExperienceByID(context.Context, uint64) (*broker.Experience, error) {
	return &broker.Experience{ID: 1}, nil
}

func (stubResolver) ExperienceByAPIKey(_ context.Context, apiKey string) (*broker.Experience, error) {
	if apiKey != "test-key" {
		return nil, broker.ErrExperienceNotFound
	}
	return &broker.Experience{ID: 1, OpenCloudAPIKey: "oc-key"}, nil
}

func (stubResolver) ServerActions(context.Context, uint64) ([]broker.ServerAction, error) {
	return nil, nil
}

type stubChannel struct {
	lastTopic   string
	lastPayload string
}

func (c *stubChannel) Publish(_ context.Context, _ *broker.Experience, topic string, payload string) error {
	c.lastTopic = topic
	c.lastPayload = payload
	return nil
}

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		RunMode:            "local",
		APIPort:            "0",
		AdminAPIKey:        "admin-key",
		GlobalActionsTopic: "broker_global_0",
		Heartbeat: config.YamlHeartbeatConfig{
			IntervalSeconds:   1,
			IdleAfterSeconds:  1,
			AckTimeoutSeconds: 1,
			PendingTTLSeconds: 6,
		},
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(testConfig(), nil, zerolog.Nop())
	require.Error(t, err)

	_, err = New(testConfig(), &broker.Dependencies{Resolver: stubResolver{}}, zerolog.Nop())
	require.Error(t, err)

	_, err = New(testConfig(), &broker.Dependencies{Resolver: stubResolver{}, Channel: &stubChannel{}}, zerolog.Nop())
	require.NoError(t, err)
}

func TestWrapper_Routing(t *testing.T) {
	channel := &stubChannel{}
	service, err := New(testConfig(), &broker.Dependencies{Resolver: stubResolver{}, Channel: channel}, zerolog.Nop())
	require.NoError(t, err)
	handler := service.server.Handler

	t.Run("serves the banner on the index route only", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), Version)

		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("dispatches the full handshake through the mux", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/server",
			strings.NewReader(`{"server_id": "`+uuid.NewString()+`", "secret_topic": "abc"}`))
		req.Header.Set("X-API-Key", "test-key")
		req.Header.Set("X-Place-ID", "123")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
		require.Equal(t, "abc0", channel.lastTopic)
		token := channel.lastPayload

		req = httptest.NewRequest(http.MethodPost, "/server/verify",
			strings.NewReader(`{"place_version": 1}`))
		req.Header.Set("X-Connection-Token", token)
		req.Header.Set("X-Place-ID", "123")
		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 1, service.Registry().Len())

		req = httptest.NewRequest(http.MethodDelete, "/server", nil)
		req.Header.Set("X-Connection-Token", token)
		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 0, service.Registry().Len())
	})

	t.Run("rejects a method mismatch", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/server", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestWrapper_StartAndShutdown(t *testing.T) {
	service, err := New(testConfig(), &broker.Dependencies{Resolver: stubResolver{}, Channel: &stubChannel{}}, zerolog.Nop())
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() {
		started <- service.Start(context.Background())
	}()

	// Give the listener a moment to come up, then drain everything.
	time.Sleep(100 * time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, service.Shutdown(shutdownCtx))

	select {
	case err := <-started:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}
