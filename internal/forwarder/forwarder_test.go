package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"commune/internal/apierr"
	"commune/internal/config"
	"github.com/stretchr/testify/require"
)

func TestForwardRewritesAuthAndStripsHopByHop(t *testing.T) {
	var gotAuth, gotConnection string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotConnection = r.Header.Get("Connection")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := New()
	provider := config.Provider{BaseURL: srv.URL, AuthHeader: "Authorization", TimeoutMS: 5000}
	req := Request{
		Method: http.MethodGet,
		Path:   "/v1/models",
		Headers: http.Header{
			"Connection":    {"keep-alive"},
			"Authorization": {"Bearer old-client-token"},
		},
	}

	resp, err := f.Forward(context.Background(), provider, "selected-material", req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Bearer selected-material", gotAuth)
	require.Empty(t, gotConnection)
	require.Equal(t, map[string]any{"ok": true}, resp.JSON)
}

func TestForwardJoinsURLAndQuery(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New()
	provider := config.Provider{BaseURL: srv.URL + "/api/", TimeoutMS: 5000}
	req := Request{
		Method: http.MethodGet,
		Path:   "v1/chat",
		Query:  url.Values{"stream": {"true"}},
	}

	_, err := f.Forward(context.Background(), provider, "material", req)
	require.NoError(t, err)
	require.Equal(t, "/api/v1/chat", gotPath)
	require.Equal(t, "stream=true", gotQuery)
}

func TestForwardTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New()
	provider := config.Provider{BaseURL: srv.URL, TimeoutMS: 5}
	_, err := f.Forward(context.Background(), provider, "material", Request{Method: http.MethodGet, Path: "/"})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apierr.UpstreamTimeout, apiErr.Kind)
}

func TestForwardUnreachable(t *testing.T) {
	f := New()
	provider := config.Provider{BaseURL: "http://127.0.0.1:1", TimeoutMS: 1000}
	_, err := f.Forward(context.Background(), provider, "material", Request{Method: http.MethodGet, Path: "/"})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apierr.UpstreamUnreachable, apiErr.Kind)
}
