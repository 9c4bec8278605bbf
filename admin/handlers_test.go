package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ripplesync/ripple/cache"
	"github.com/ripplesync/ripple/cfg"
	"github.com/ripplesync/ripple/client"
	"github.com/ripplesync/ripple/conn"
	"github.com/ripplesync/ripple/event"
	"github.com/ripplesync/ripple/notify"
)

// stubTransport satisfies conn.Transport without a real feed
type stubTransport struct{}

func (stubTransport) Open(context.Context, conn.OpenOptions, conn.Callbacks) error { return nil }
func (stubTransport) Subscribe(string) error                                       { return nil }
func (stubTransport) Unsubscribe(string) error                                     { return nil }
func (stubTransport) Close() error                                                 { return nil }

func newTestServer(t *testing.T, store cache.Store) (*httptest.Server, *client.Client) {
	t.Helper()

	c, err := client.NewClient(client.Config{
		Transport: stubTransport{},
		FeedURL:   "stub://feed",
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	mux := http.NewServeMux()
	RegisterRoutes(mux, NewAdminHandlers(c, store))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, c
}

func getJSON(t *testing.T, url string) (int, map[string]interface{}) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func postJSON(t *testing.T, url string) (int, map[string]interface{}) {
	t.Helper()

	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	status, body := getJSON(t, srv.URL+"/admin/status")
	require.Equal(t, http.StatusOK, status)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, "disconnected", data["state"])
	assert.Equal(t, float64(0), data["topics"])
}

func TestTopicsEndpoint(t *testing.T) {
	srv, c := newTestServer(t, nil)

	cancel, err := c.Subscribe("patients", "42", func(event.ChangeEvent) {})
	require.NoError(t, err)
	defer cancel()

	status, body := getJSON(t, srv.URL+"/admin/topics")
	require.Equal(t, http.StatusOK, status)

	list := body["data"].([]interface{})
	require.Len(t, list, 1)
	topic := list[0].(map[string]interface{})
	assert.Equal(t, "patients", topic["entity_type"])
	assert.Equal(t, "42", topic["record_id"])
	assert.Equal(t, false, topic["broad"])
}

func TestNotificationEndpoints(t *testing.T) {
	srv, c := newTestServer(t, nil)

	n := c.Notifications().Push(notify.Notification{Kind: notify.KindChange, Message: "hello"})

	status, body := getJSON(t, srv.URL+"/admin/notifications/")
	require.Equal(t, http.StatusOK, status)
	list := body["data"].([]interface{})
	require.Len(t, list, 1)

	status, body = postJSON(t, srv.URL+"/admin/notifications/"+
		strconv.FormatUint(n.ID, 10)+"/read")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["data"].(map[string]interface{})["marked"])

	// Unknown ID
	status, _ = postJSON(t, srv.URL+"/admin/notifications/99999/read")
	assert.Equal(t, http.StatusNotFound, status)

	// Read-all is idempotent
	status, body = postJSON(t, srv.URL+"/admin/notifications/read-all")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["data"].(map[string]interface{})["marked"])
}

func TestReconnectEndpointRejectedWhenDisconnected(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	status, body := postJSON(t, srv.URL+"/admin/reconnect")
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, body["error"], "disconnected")
}

func TestCacheEndpoints(t *testing.T) {
	store, err := cache.NewLRU(16)
	require.NoError(t, err)
	store.Set("patients:1", "a")
	store.Set("patients:2", "b")

	srv, _ := newTestServer(t, store)

	status, body := getJSON(t, srv.URL+"/admin/cache/stats")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["data"].(map[string]interface{})["entries"])

	status, body = postJSON(t, srv.URL+"/admin/cache/invalidate?pattern=patients:1")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["data"].(map[string]interface{})["entries"])

	status, body = postJSON(t, srv.URL+"/admin/cache/invalidate")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["data"].(map[string]interface{})["entries"])
}

func TestCacheEndpointsWithoutCache(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	status, _ := getJSON(t, srv.URL+"/admin/cache/stats")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAuthMiddleware(t *testing.T) {
	prev := cfg.Config.Admin.AuthSecret
	cfg.Config.Admin.AuthSecret = "s3cret"
	defer func() { cfg.Config.Admin.AuthSecret = prev }()

	srv, _ := newTestServer(t, nil)

	// No credentials
	status, _ := getJSON(t, srv.URL+"/admin/status")
	assert.Equal(t, http.StatusUnauthorized, status)

	// Bearer token
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/admin/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Header secret
	req.Header.Del("Authorization")
	req.Header.Set("X-Ripple-Secret", "s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Wrong secret
	req.Header.Set("X-Ripple-Secret", "nope")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
