package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"example.com/backstage/services/orchestrator/internal/dto"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDoWithRetrySucceedsOnFirstAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(dto.HTTPResponse{Success: true, Data: map[string]interface{}{"ok": true}})
	}))
	defer server.Close()

	client := NewBaseHTTPClient(zerolog.Nop())
	resp, err := client.DoWithRetry(context.Background(), server.URL, "boom")

	require.NoError(t, err)
	require.True(t, resp.Success)
}

func TestDoWithRetryRetriesTransientFailures(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(dto.HTTPResponse{Success: true})
	}))
	defer server.Close()

	client := NewBaseHTTPClient(zerolog.Nop())
	resp, err := client.DoWithRetry(context.Background(), server.URL, "boom")

	require.NoError(t, err)
	require.True(t, resp.Success)
	require.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestDoWithRetryDoesNotRetryClientErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewBaseHTTPClient(zerolog.Nop())
	resp, err := client.DoWithRetry(context.Background(), server.URL, "not found")

	require.Error(t, err)
	require.False(t, resp.Success)
	require.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestUserClientBuildsPreferenceURL(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(dto.HTTPResponse{Success: true, Data: dto.UserPreferenceData{EmailOptIn: true}})
	}))
	defer server.Close()

	client := NewUserClient(server.URL, zerolog.Nop())
	resp, err := client.FetchUserPreference(context.Background(), "u-42")

	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "/users/preference/u-42", gotPath)
}

func TestTemplateClientBuildsTemplateURL(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(dto.HTTPResponse{Success: true, Data: dto.TemplateData{ID: "t-1", IsActive: true}})
	}))
	defer server.Close()

	client := NewTemplateClient(server.URL, zerolog.Nop())
	resp, err := client.FetchTemplateByID(context.Background(), "t-1")

	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "/template/t-1", gotPath)
}
