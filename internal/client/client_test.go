package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"fogsched/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/status", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"enabled":true,"state":"running","current_task":{"id":"r1","started_at":"2024-05-01T22:00:00Z","outcome":"running"},"schedule":[{"start":"22:00","end":"06:00"}],"history":[]}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "secret")
	require.NoError(t, err)
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Equal(t, core.StateRunning, st.State)
	require.NotNil(t, st.CurrentTask)
	assert.Equal(t, "r1", st.CurrentTask.ID)
	require.Len(t, st.Schedule, 1)
	assert.Equal(t, "22:00-06:00", st.Schedule[0].String())
}

func TestSetConfigSendsOnlyGivenFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body, "schedule")
		assert.NotContains(t, body, "enabled")
		assert.JSONEq(t, `[{"start":"01:00","end":"02:30"}]`, string(body["schedule"]))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"config":{"enabled":false,"schedule":[{"start":"01:00","end":"02:30"}]},"warnings":[]}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "")
	require.NoError(t, err)
	windows, err := core.ParseWindowList("01:00-02:30")
	require.NoError(t, err)
	res, err := c.SetConfig(context.Background(), ConfigUpdate{Schedule: &windows})
	require.NoError(t, err)
	require.Len(t, res.Config.Windows, 1)
	assert.Empty(t, res.Warnings)
}

func TestAPIErrorDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"validation","message":"window 1: bad time"}}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "")
	require.NoError(t, err)
	enabled := true
	_, err = c.SetConfig(context.Background(), ConfigUpdate{Enabled: &enabled})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "validation", apiErr.Code)
	assert.Equal(t, "window 1: bad time", apiErr.Message)
}

func TestHistoryAndClear(t *testing.T) {
	var cleared bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/history":
			assert.Equal(t, "3", r.URL.Query().Get("limit"))
			if r.URL.Query().Get("status") == "failed" {
				_, _ = w.Write([]byte(`[{"id":"b","started_at":"2024-05-02T00:00:00Z","outcome":"failed","error":"boom"}]`))
				return
			}
			assert.False(t, r.URL.Query().Has("status"))
			_, _ = w.Write([]byte(`[{"id":"b","started_at":"2024-05-02T00:00:00Z","outcome":"failed","error":"boom"},{"id":"a","started_at":"2024-05-01T00:00:00Z","outcome":"completed"}]`))
		case "/v1/history/clear":
			cleared = true
			_, _ = w.Write([]byte(`{"status":"success"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, "")
	require.NoError(t, err)
	records, err := c.History(context.Background(), 3, "")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, core.OutcomeFailed, records[0].Outcome)
	assert.Equal(t, "boom", records[0].Error)

	records, err = c.History(context.Background(), 3, core.OutcomeFailed)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].ID)

	require.NoError(t, c.ClearHistory(context.Background()))
	assert.True(t, cleared)
}
