// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacon-notify/beacon/internal/collab"
	"github.com/beacon-notify/beacon/internal/config"
	"github.com/beacon-notify/beacon/internal/models"
	"github.com/beacon-notify/beacon/internal/pending"
	"github.com/beacon-notify/beacon/internal/registry"
	"github.com/beacon-notify/beacon/internal/streamlog"
)

type fakeAppender struct {
	nextID  uint64
	healthy bool
	err     error
	last    *models.Event
}

func (f *fakeAppender) Append(_ context.Context, ev *models.Event) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.nextID++
	ev.EventID = f.nextID
	f.last = ev
	return f.nextID, nil
}

func (f *fakeAppender) Healthy(context.Context) bool { return f.healthy }

type fakeLagger struct{ lag uint64 }

func (f *fakeLagger) Lag(context.Context) (uint64, error) { return f.lag, nil }

type fakeClusterPresence struct {
	online int
	err    error
}

func (f *fakeClusterPresence) Online(context.Context) (int, error) { return f.online, f.err }

type fakeBroadcaster struct {
	err       error
	published []*models.Event
}

func (f *fakeBroadcaster) Publish(_ context.Context, ev *models.Event) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, ev)
	return nil
}

type fakePrefetcher struct {
	batch     []collab.Task
	err       error
	refreshed []string
}

func (f *fakePrefetcher) Batch(_ context.Context, _ string) ([]collab.Task, error) {
	return f.batch, f.err
}

func (f *fakePrefetcher) Refresh(_ context.Context, userID string) error {
	if f.err != nil {
		return f.err
	}
	f.refreshed = append(f.refreshed, userID)
	return nil
}

type fixture struct {
	appender *fakeAppender
	presence *fakeClusterPresence
	bus      *fakeBroadcaster
	prefetch *fakePrefetcher
	registry *registry.Registry
	pending  *pending.Store
	server   *httptest.Server
}

func newFixture(t *testing.T, debug bool) *fixture {
	t.Helper()

	app := &fakeAppender{healthy: true}
	pres := &fakeClusterPresence{online: 3}
	bus := &fakeBroadcaster{}
	pf := &fakePrefetcher{}
	reg := registry.New(100, 5)
	store := pending.New(10, time.Minute)

	h := NewHandler(app, &fakeLagger{lag: 2}, pres, bus, pf, reg, store, "test-instance", 1024, debug)
	router := NewRouter(h, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, config.ServerConfig{CORSOrigins: []string{"*"}}, debug)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &fixture{appender: app, presence: pres, bus: bus, prefetch: pf, registry: reg, pending: store, server: srv}
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, APIResponse) {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var decoded APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, APIResponse) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var decoded APIResponse
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func TestNotifyAccepted(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.post(t, "/api/v1/notify/alice", `{"category":"system","title":"hi","body":"there"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.True(t, body.Success)

	data := body.Data.(map[string]any)
	assert.Equal(t, float64(1), data["event_id"])
	assert.Equal(t, "alice", data["user_id"])
	assert.Equal(t, "hi", f.appender.last.Title)
}

func TestNotifyInvalidUserID(t *testing.T) {
	f := newFixture(t, false)
	resp, body := f.post(t, "/api/v1/notify/bad..user", `{"title":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeBadRequest, body.Error.Code)
}

func TestNotifyMalformedPayload(t *testing.T) {
	f := newFixture(t, false)
	resp, body := f.post(t, "/api/v1/notify/alice", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeBadRequest, body.Error.Code)
}

func TestNotifyMissingTitle(t *testing.T) {
	f := newFixture(t, false)
	resp, body := f.post(t, "/api/v1/notify/alice", `{"category":"system"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeValidationFailed, body.Error.Code)
}

func TestNotifyPayloadTooLarge(t *testing.T) {
	f := newFixture(t, false)
	huge := `{"title":"x","body":"` + strings.Repeat("a", 2048) + `"}`
	resp, body := f.post(t, "/api/v1/notify/alice", huge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, ErrCodePayloadTooLarge, body.Error.Code)
}

func TestNotifyLogUnavailable(t *testing.T) {
	f := newFixture(t, false)
	f.appender.err = streamlog.ErrLogUnavailable

	resp, body := f.post(t, "/api/v1/notify/alice", `{"title":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, ErrCodeServiceUnavailable, body.Error.Code)
}

func TestNotifyDirectBroadcasts(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.post(t, "/api/v1/notify/direct/alice", `{"category":"system","title":"urgent"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.True(t, body.Success)

	data := body.Data.(map[string]any)
	assert.Equal(t, float64(1), data["event_id"])
	assert.Equal(t, "broadcast", data["delivery"])

	require.Len(t, f.bus.published, 1)
	assert.Equal(t, uint64(1), f.bus.published[0].EventID)
	assert.Equal(t, "alice", f.bus.published[0].UserID)
}

func TestNotifyDirectBusDownStillDurable(t *testing.T) {
	f := newFixture(t, false)
	f.bus.err = assert.AnError

	resp, body := f.post(t, "/api/v1/notify/direct/alice", `{"title":"urgent"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	data := body.Data.(map[string]any)
	assert.Equal(t, "log", data["delivery"])
	require.NotNil(t, f.appender.last)
}

func TestNotifyDirectPayloadTooLarge(t *testing.T) {
	f := newFixture(t, false)
	huge := `{"title":"x","body":"` + strings.Repeat("a", 2048) + `"}`
	resp, body := f.post(t, "/api/v1/notify/direct/alice", huge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, ErrCodePayloadTooLarge, body.Error.Code)
	assert.Empty(t, f.bus.published)
}

func TestRecommendations(t *testing.T) {
	f := newFixture(t, false)
	f.prefetch.batch = []collab.Task{
		{Type: collab.TaskTypeRecommendation, UserID: "alice", Payload: models.Payload{Title: "rec"}},
	}

	resp, body := f.get(t, "/api/v1/recommendations/alice")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	data := body.Data.(map[string]any)
	assert.Equal(t, float64(1), data["count"])
	assert.Equal(t, "alice", data["user_id"])
}

func TestRecommendationsUnavailable(t *testing.T) {
	f := newFixture(t, false)
	f.prefetch.err = assert.AnError

	resp, body := f.get(t, "/api/v1/recommendations/alice")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, ErrCodeServiceUnavailable, body.Error.Code)
}

func TestRefreshRecommendations(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.post(t, "/api/v1/recommendations/alice/refresh", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	data := body.Data.(map[string]any)
	assert.Equal(t, "queued", data["status"])
	assert.Equal(t, []string{"alice"}, f.prefetch.refreshed)
}

func TestHealthOK(t *testing.T) {
	f := newFixture(t, false)
	resp, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	data := body.Data.(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "test-instance", data["instance_id"])
	assert.Equal(t, float64(2), data["consumer_lag"])
}

func TestHealthDegraded(t *testing.T) {
	f := newFixture(t, false)
	f.appender.healthy = false

	resp, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	data := body.Data.(map[string]any)
	assert.Equal(t, "degraded", data["status"])
}

func TestStats(t *testing.T) {
	f := newFixture(t, false)
	f.pending.Append("bob", models.NewEvent("bob", models.Payload{Title: "parked"}))

	resp, body := f.get(t, "/api/v1/stats")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	data := body.Data.(map[string]any)
	assert.Equal(t, float64(0), data["connections"])
	assert.Equal(t, float64(1), data["pending_users"])
	assert.Equal(t, float64(1), data["pending_total"])
}

func TestClusterStats(t *testing.T) {
	f := newFixture(t, false)
	resp, body := f.get(t, "/api/v1/stats/cluster")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	data := body.Data.(map[string]any)
	assert.Equal(t, float64(3), data["online_users"])
	assert.Equal(t, "test-instance", data["reporting_instance"])
}

func TestClusterStatsPresenceDown(t *testing.T) {
	f := newFixture(t, false)
	f.presence.err = assert.AnError

	resp, _ := f.get(t, "/api/v1/stats/cluster")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDebugPendingGated(t *testing.T) {
	f := newFixture(t, false)
	resp, _ := f.get(t, "/debug/pending/alice")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDebugPendingEnabled(t *testing.T) {
	f := newFixture(t, true)
	ev := models.NewEvent("alice", models.Payload{Title: "parked"})
	ev.EventID = 4
	f.pending.Append("alice", ev)

	resp, body := f.get(t, "/debug/pending/alice")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	data := body.Data.(map[string]any)
	assert.Equal(t, float64(1), data["depth"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, false)
	resp, _ := f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
