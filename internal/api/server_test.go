package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dumbbond/ehri-rest/internal/acl"
	"github.com/dumbbond/ehri-rest/internal/api"
	"github.com/dumbbond/ehri-rest/internal/fixtures"
	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/views"
)

func newTestServer(t *testing.T, authToken string) *httptest.Server {
	t.Helper()
	s := graph.NewMemoryStore()
	_, err := fixtures.LoadYAML(context.Background(), s, bytes.NewReader(fixtures.DemoYAML), acl.DefaultAdminGroup, nil)
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := api.NewServer(s, logger, authToken, api.Options{
		DefaultLimit: 20,
		Aggregation:  views.AggregateStrict,
		Clock:        clock,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func doRequest(t *testing.T, method, url, user string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(api.UserHeader, user)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type eventJSON struct {
	ID         string `json:"id"`
	EventType  string `json:"eventType"`
	Timestamp  string `json:"timestamp"`
	LogMessage string `json:"logMessage"`
	Scope      *struct {
		ID string `json:"id"`
	} `json:"scope"`
	Actioner *struct {
		ID string `json:"id"`
	} `json:"actioner"`
	Subjects []struct {
		ID string `json:"id"`
	} `json:"subjects"`
}

type eventsJSON struct {
	Events []eventJSON   `json:"events"`
	Groups [][]eventJSON `json:"groups"`
}

func commit(t *testing.T, ts *httptest.Server, user string, body map[string]any) *http.Response {
	t.Helper()
	return doRequest(t, http.MethodPost, ts.URL+"/v1/events", user, jsonBody(t, body))
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, "")
	resp := doRequest(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, "s3cret")

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Naming a user does not stand in for the token.
	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/events", "linda", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	ok, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)

	// Health checks stay open.
	resp = doRequest(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCommitAndList(t *testing.T) {
	ts := newTestServer(t, "")

	resp := commit(t, ts, "mike", map[string]any{
		"eventType":  "modification",
		"subjects":   []string{"c1"},
		"logMessage": "fix typo",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[eventJSON](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "modification", created.EventType)
	assert.Equal(t, "2024-03-01T12:00:01.000Z", created.Timestamp)
	require.NotNil(t, created.Actioner)
	assert.Equal(t, "mike", created.Actioner.ID)
	require.NotNil(t, created.Scope)
	assert.Equal(t, "r1", created.Scope.ID)

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/events", "mike", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[eventsJSON](t, resp)
	require.Len(t, list.Events, 1)
	assert.Equal(t, created.ID, list.Events[0].ID)
	assert.Nil(t, list.Groups)
}

func TestCommitValidation(t *testing.T) {
	ts := newTestServer(t, "")

	tests := []struct {
		name   string
		user   string
		body   map[string]any
		status int
	}{
		{"unknown event type", "mike", map[string]any{"eventType": "rename", "subjects": []string{"c1"}}, http.StatusBadRequest},
		{"no subjects", "mike", map[string]any{"eventType": "modification"}, http.StatusBadRequest},
		{"anonymous", "", map[string]any{"eventType": "modification", "subjects": []string{"c1"}}, http.StatusForbidden},
		{"unknown user", "ghost", map[string]any{"eventType": "modification", "subjects": []string{"c1"}}, http.StatusUnauthorized},
		{"missing subject", "linda", map[string]any{"eventType": "modification", "subjects": []string{"zz"}}, http.StatusNotFound},
		{"out of scope", "mike", map[string]any{"eventType": "modification", "subjects": []string{"c3"}}, http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := commit(t, ts, tc.user, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}

	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/events", "mike", bytes.NewReader([]byte("{")))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAggregatedListing(t *testing.T) {
	ts := newTestServer(t, "")
	for range 3 {
		resp := commit(t, ts, "mike", map[string]any{
			"eventType":  "modification",
			"subjects":   []string{"c1"},
			"logMessage": "edit",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp := commit(t, ts, "linda", map[string]any{
		"eventType": "modification",
		"subjects":  []string{"c1"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/items/c1/events?aggregate=true", "linda", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[eventsJSON](t, resp)
	require.Len(t, got.Groups, 2)
	assert.Len(t, got.Groups[0], 1)
	assert.Len(t, got.Groups[1], 3)

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/events?aggregation=off", "linda", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[eventsJSON](t, resp).Groups, 4)

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/events?aggregation=sometimes", "linda", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/events?limit=2&offset=1", "linda", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[eventsJSON](t, resp)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "edit", page.Events[0].LogMessage)
	assert.Equal(t, "mike", page.Events[1].Actioner.ID)

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/events?limit=many", "linda", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUserActions(t *testing.T) {
	ts := newTestServer(t, "")
	require.Equal(t, http.StatusCreated, commit(t, ts, "mike", map[string]any{
		"eventType": "modification", "subjects": []string{"c1"},
	}).StatusCode)
	require.Equal(t, http.StatusCreated, commit(t, ts, "tim", map[string]any{
		"eventType": "annotation", "subjects": []string{"c3"},
	}).StatusCode)

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/users/mike/actions", "linda", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[eventsJSON](t, resp)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "mike", got.Events[0].Actioner.ID)

	// Not an accessor.
	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/users/c1/actions", "linda", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPersonalStream(t *testing.T) {
	ts := newTestServer(t, "")
	require.Equal(t, http.StatusCreated, commit(t, ts, "linda", map[string]any{
		"eventType": "modification", "subjects": []string{"c1"}, "logMessage": "watched",
	}).StatusCode)
	require.Equal(t, http.StatusCreated, commit(t, ts, "linda", map[string]any{
		"eventType": "modification", "subjects": []string{"c3"}, "logMessage": "unwatched",
	}).StatusCode)

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/users/mike/stream?show=watched", "mike", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[eventsJSON](t, resp)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "watched", got.Events[0].LogMessage)
}

func TestInvisibleItemIsNotFound(t *testing.T) {
	ts := newTestServer(t, "")

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/items/c4", "mike", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/items/c4/events", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/items/c4", "tim", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	item := decode[map[string]any](t, resp)
	assert.Equal(t, "c4", item["id"])

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/items/nope", "linda", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestItemVersions(t *testing.T) {
	ts := newTestServer(t, "")
	require.Equal(t, http.StatusCreated, commit(t, ts, "mike", map[string]any{
		"eventType": "modification", "subjects": []string{"c1"}, "version": true,
	}).StatusCode)

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/items/c1/versions", "mike", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[struct {
		Versions []struct {
			ItemID   string `json:"itemId"`
			ItemType string `json:"itemType"`
		} `json:"versions"`
	}](t, resp)
	require.Len(t, got.Versions, 1)
	assert.Equal(t, "c1", got.Versions[0].ItemID)
	assert.Equal(t, "DocumentaryUnit", got.Versions[0].ItemType)

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/items/c2/versions", "mike", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"versions":[]}`, readAll(t, resp))
}

func TestCheckPermission(t *testing.T) {
	ts := newTestServer(t, "")

	type result struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	check := func(query string) (int, result) {
		resp := doRequest(t, http.MethodGet, ts.URL+"/v1/permissions/check?"+query, "", nil)
		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, result{}
		}
		return resp.StatusCode, decode[result](t, resp)
	}

	status, r := check("accessor=mike&permission=update&entity=c1")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, r.Allowed)

	status, r = check("accessor=mike&permission=update&entity=c3")
	require.Equal(t, http.StatusOK, status)
	assert.False(t, r.Allowed)
	assert.Equal(t, "Permission denied accessing resource 'c3' as 'mike'", r.Reason)

	status, r = check("accessor=mike&permission=create&class=DocumentaryUnit&scope=r1")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, r.Allowed)

	status, r = check("accessor=mike&permission=create&class=DocumentaryUnit")
	require.Equal(t, http.StatusOK, status)
	assert.False(t, r.Allowed)
	assert.Equal(t, "Permission 'create' denied for 'mike' with scope: 'system'", r.Reason)

	status, _ = check("accessor=mike&permission=fly&entity=c1")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = check("accessor=mike&permission=update")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = check("accessor=ghost&permission=update&entity=c1")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDebugVars(t *testing.T) {
	ts := newTestServer(t, "")
	resp := doRequest(t, http.MethodGet, ts.URL+"/debug/vars", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readAll(t, resp), "ehri_events_committed_total")
}

func TestShutdown(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0", ReadHeaderTimeout: time.Second}
	assert.NoError(t, api.Shutdown(srv, time.Second))
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
