package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-server-broker/internal/api"
	"github.com/tinywideclouds/go-server-broker/internal/handshake"
	"github.com/tinywideclouds/go-server-broker/internal/registry"
	"github.com/tinywideclouds/go-server-broker/pkg/broker"
)

const (
	testAPIKey      = "experience-api-key"
	testAdminAPIKey = "admin-api-key"
	testGlobalTopic = "broker_global_0"
)

// --- Fakes ---

type fakeResolver struct {
	experience *broker.Experience
	actions    []broker.ServerAction
}

func (f *fakeResolver) ExperienceByID(_ context.Context, id uint64) (*broker.Experience, error) {
	if f.experience == nil || f.experience.ID != id {
		return nil, broker.ErrExperienceNotFound
	}
	return f.experience, nil
}

func (f *fakeResolver) ExperienceByAPIKey(_ context.Context, apiKey string) (*broker.Experience, error) {
	if f.experience == nil || apiKey != testAPIKey {
		return nil, broker.ErrExperienceNotFound
	}
	return f.experience, nil
}

func (f *fakeResolver) ServerActions(_ context.Context, _ uint64) ([]broker.ServerAction, error) {
	return f.actions, nil
}

type publishCall struct {
	topic   string
	payload string
}

type captureChannel struct {
	mu    sync.Mutex
	calls []publishCall
}

func (c *captureChannel) Publish(_ context.Context, _ *broker.Experience, topic string, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, publishCall{topic: topic, payload: payload})
	return nil
}

func (c *captureChannel) Calls() []publishCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishCall(nil), c.calls...)
}

// --- Harness ---

type harness struct {
	api     *api.API
	servers *registry.Registry
	channel *captureChannel
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	resolver := &fakeResolver{
		experience: &broker.Experience{ID: 1, OpenCloudAPIKey: "oc-key"},
		actions:    []broker.ServerAction{{ID: "restart"}},
	}
	channel := new(captureChannel)
	pending := registry.NewPendingStore()
	servers := registry.NewRegistry()
	coordinator := handshake.NewCoordinator(pending, servers, resolver, channel, zerolog.Nop())

	deps := &broker.Dependencies{Resolver: resolver, Channel: channel}
	return &harness{
		api:     api.NewAPI(coordinator, servers, deps, testAdminAPIKey, testGlobalTopic, "hello!", zerolog.Nop()),
		servers: servers,
		channel: channel,
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error
}

// connect drives a full handshake and returns the connection token.
func (h *harness) connect(t *testing.T) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/server",
		strings.NewReader(`{"server_id": "`+uuid.NewString()+`", "secret_topic": "abc"}`))
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("X-Place-ID", "123")
	rr := httptest.NewRecorder()
	h.api.CreateServerHandler(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	calls := h.channel.Calls()
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	require.Equal(t, "abc0", last.topic)
	token := last.payload
	require.Len(t, token, broker.TokenLength)

	req = httptest.NewRequest(http.MethodPost, "/server/verify",
		strings.NewReader(`{"place_version": 5, "private_server_id": ""}`))
	req.Header.Set("X-Connection-Token", token)
	req.Header.Set("X-Place-ID", "123")
	req.Header.Set("CF-IPCountry", "DE")
	rr = httptest.NewRecorder()
	h.api.VerifyServerHandler(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	return token
}

// --- Tests ---

func TestIndexHandler(t *testing.T) {
	h := newHarness(t)
	rr := httptest.NewRecorder()
	h.api.IndexHandler(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hello!", rr.Body.String())
}

func TestCreateServerHandler(t *testing.T) {
	t.Run("rejects a missing api key", func(t *testing.T) {
		h := newHarness(t)
		req := httptest.NewRequest(http.MethodPost, "/server", strings.NewReader(`{}`))
		req.Header.Set("X-Place-ID", "123")
		rr := httptest.NewRecorder()
		h.api.CreateServerHandler(rr, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.Equal(t, "invalid_api_key", errorCode(t, rr))
	})

	t.Run("rejects a missing place id header", func(t *testing.T) {
		h := newHarness(t)
		req := httptest.NewRequest(http.MethodPost, "/server", strings.NewReader(`{}`))
		req.Header.Set("X-API-Key", testAPIKey)
		rr := httptest.NewRecorder()
		h.api.CreateServerHandler(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "missing_headers", errorCode(t, rr))
	})

	t.Run("rejects an unknown api key", func(t *testing.T) {
		h := newHarness(t)
		req := httptest.NewRequest(http.MethodPost, "/server", strings.NewReader(`{}`))
		req.Header.Set("X-API-Key", "wrong")
		req.Header.Set("X-Place-ID", "123")
		rr := httptest.NewRecorder()
		h.api.CreateServerHandler(rr, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.Equal(t, "invalid_api_key", errorCode(t, rr))
		assert.Empty(t, h.channel.Calls())
	})
}

func TestVerifyServerHandler(t *testing.T) {
	t.Run("rejects a missing connection token", func(t *testing.T) {
		h := newHarness(t)
		req := httptest.NewRequest(http.MethodPost, "/server/verify", strings.NewReader(`{}`))
		req.Header.Set("X-Place-ID", "123")
		rr := httptest.NewRecorder()
		h.api.VerifyServerHandler(rr, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.Equal(t, "invalid_api_key", errorCode(t, rr))
	})

	t.Run("rejects a token that was never issued", func(t *testing.T) {
		h := newHarness(t)
		req := httptest.NewRequest(http.MethodPost, "/server/verify", strings.NewReader(`{}`))
		req.Header.Set("X-Connection-Token", "never-issued")
		req.Header.Set("X-Place-ID", "123")
		rr := httptest.NewRecorder()
		h.api.VerifyServerHandler(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "invalid_request", errorCode(t, rr))
	})
}

func TestHandshakeLifecycle(t *testing.T) {
	h := newHarness(t)
	token := h.connect(t)

	server, ok := h.servers.Snapshot(token)
	require.True(t, ok)
	assert.Equal(t, uint64(123), server.PlaceID)
	assert.Equal(t, uint64(5), server.PlaceVersion)
	assert.Equal(t, "DE", server.Country)
	assert.Empty(t, server.Players)
}

func TestServerActionsHandler(t *testing.T) {
	h := newHarness(t)
	token := h.connect(t)

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/server/actions", nil)
		req.Header.Set("X-Connection-Token", token)
		return req
	}

	rr := httptest.NewRecorder()
	h.api.ServerActionsHandler(rr, newReq())
	require.Equal(t, http.StatusOK, rr.Code)

	var actions []broker.ServerAction
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &actions))
	require.Len(t, actions, 1)
	assert.Equal(t, "restart", actions[0].ID)

	// The second request burns on the one-shot flag.
	rr = httptest.NewRecorder()
	h.api.ServerActionsHandler(rr, newReq())
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "too_many_requests", errorCode(t, rr))
}

func TestRosterHandlers(t *testing.T) {
	h := newHarness(t)
	token := h.connect(t)

	t.Run("replaces the roster", func(t *testing.T) {
		body := `{"1": {"id": 1, "name": "one", "username": "one", "joined_at": 1700000000}}`
		req := httptest.NewRequest(http.MethodPut, "/server/players", strings.NewReader(body))
		req.Header.Set("X-Connection-Token", token)
		rr := httptest.NewRecorder()
		h.api.SetPlayersHandler(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)

		server, _ := h.servers.Snapshot(token)
		assert.Len(t, server.Players, 1)
	})

	t.Run("upserts and removes one player", func(t *testing.T) {
		body := `{"id": 2, "name": "two", "username": "two", "joined_at": 1700000000}`
		req := httptest.NewRequest(http.MethodPut, "/server/player/2", strings.NewReader(body))
		req.SetPathValue("user_id", "2")
		req.Header.Set("X-Connection-Token", token)
		rr := httptest.NewRecorder()
		h.api.SetPlayerHandler(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)

		server, _ := h.servers.Snapshot(token)
		assert.Len(t, server.Players, 2)

		req = httptest.NewRequest(http.MethodDelete, "/server/player/2", nil)
		req.SetPathValue("user_id", "2")
		req.Header.Set("X-Connection-Token", token)
		rr = httptest.NewRecorder()
		h.api.RemovePlayerHandler(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)

		server, _ = h.servers.Snapshot(token)
		assert.Len(t, server.Players, 1)
	})

	t.Run("rejects a malformed user id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/server/player/abc", nil)
		req.SetPathValue("user_id", "abc")
		req.Header.Set("X-Connection-Token", token)
		rr := httptest.NewRecorder()
		h.api.RemovePlayerHandler(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("rejects an unknown connection token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/server/players", strings.NewReader(`{}`))
		req.Header.Set("X-Connection-Token", "unknown")
		rr := httptest.NewRecorder()
		h.api.SetPlayersHandler(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "invalid_request", errorCode(t, rr))
	})
}

func TestAckHandler(t *testing.T) {
	h := newHarness(t)
	token := h.connect(t)

	t.Run("rejects an ack without an outstanding ping", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/server/ack", strings.NewReader("some-token"))
		req.Header.Set("X-Connection-Token", token)
		rr := httptest.NewRecorder()
		h.api.AckHandler(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("accepts the matching ping token as a raw body", func(t *testing.T) {
		h.servers.TrySweep(func(_ string, s *broker.Server) bool {
			s.AckToken = "ping-token"
			return false
		})

		req := httptest.NewRequest(http.MethodPost, "/server/ack", strings.NewReader("ping-token"))
		req.Header.Set("X-Connection-Token", token)
		rr := httptest.NewRecorder()
		h.api.AckHandler(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)

		server, _ := h.servers.Snapshot(token)
		assert.Empty(t, server.AckToken)
	})
}

func TestRemoveServerHandler(t *testing.T) {
	h := newHarness(t)
	token := h.connect(t)

	req := httptest.NewRequest(http.MethodDelete, "/server", nil)
	req.Header.Set("X-Connection-Token", token)
	rr := httptest.NewRecorder()
	h.api.RemoveServerHandler(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	// A second delete no longer resolves.
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/server", nil)
	req.Header.Set("X-Connection-Token", token)
	h.api.RemoveServerHandler(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestExperienceServersHandler(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	newReq := func(key string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/experience/1/servers", nil)
		req.SetPathValue("experience_id", "1")
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		return req
	}

	t.Run("rejects a missing or wrong admin key", func(t *testing.T) {
		for _, key := range []string{"", "wrong", testAPIKey} {
			rr := httptest.NewRecorder()
			h.api.ExperienceServersHandler(rr, newReq(key))
			assert.Equal(t, http.StatusForbidden, rr.Code)
		}
	})

	t.Run("lists the experience's servers", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.api.ExperienceServersHandler(rr, newReq(testAdminAPIKey))
		require.Equal(t, http.StatusOK, rr.Code)

		var servers []map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &servers))
		require.Len(t, servers, 1)
		assert.Equal(t, float64(123), servers[0]["place_id"])
		assert.NotContains(t, rr.Body.String(), "token")
	})

	t.Run("an experience with no servers lists empty", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/experience/99/servers", nil)
		req.SetPathValue("experience_id", "99")
		req.Header.Set("X-API-Key", testAdminAPIKey)
		rr := httptest.NewRecorder()
		h.api.ExperienceServersHandler(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, "[]", rr.Body.String())
	})
}

func TestTriggerActionHandler(t *testing.T) {
	h := newHarness(t)

	newReq := func(experienceID, body string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/experience/"+experienceID+"/trigger_action",
			strings.NewReader(body))
		req.SetPathValue("experience_id", experienceID)
		req.Header.Set("X-API-Key", testAdminAPIKey)
		return req
	}

	t.Run("publishes the action id on the global topic", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.api.TriggerActionHandler(rr, newReq("1", `{"id": "restart"}`))
		require.Equal(t, http.StatusOK, rr.Code)

		calls := h.channel.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, testGlobalTopic, calls[0].topic)
		assert.Equal(t, "restart", calls[0].payload)
	})

	t.Run("answers not found for an unknown experience", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.api.TriggerActionHandler(rr, newReq("99", `{"id": "restart"}`))
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "resource_not_found", errorCode(t, rr))
	})

	t.Run("requires the admin key", func(t *testing.T) {
		req := newReq("1", `{"id": "restart"}`)
		req.Header.Set("X-API-Key", "wrong")
		rr := httptest.NewRecorder()
		h.api.TriggerActionHandler(rr, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}
