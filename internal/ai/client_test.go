package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

func TestInferValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/values", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req valueRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "classify the parcel", req.Prompt)
		assert.Equal(t, "Elm", req.Record["street"])
		_, _ = w.Write([]byte(`{"value": 12.50}`))
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL + "/", APIKey: "secret"}, nil)
	v, err := c.InferValue(context.Background(), " classify the parcel ", core.Record{"street": core.StringValue("Elm")})
	require.NoError(t, err)
	assert.Equal(t, core.KindDecimal, v.Kind())
	assert.Equal(t, "12.50", v.String())
}

func TestResolveConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req conflictRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "parcels", req.Table)
		_, _ = w.Write([]byte(`{"record": {"id": 7, "owner": "merged"}}`))
	}))
	defer srv.Close()

	rec, err := New(Config{Endpoint: srv.URL}, nil).ResolveConflict(context.Background(), "parcels",
		core.Record{"id": core.IntValue(7)}, core.Record{"id": core.IntValue(7)})
	require.NoError(t, err)
	assert.Equal(t, core.KindInt, rec["id"].Kind())
	assert.Equal(t, "merged", rec["owner"].String())
}

func TestClient_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		msg     string
	}{
		{"status", func(w http.ResponseWriter, _ *http.Request) { http.Error(w, "overloaded", http.StatusServiceUnavailable) }, "503"},
		{"bad json", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("not json")) }, "decode"},
		{"no record", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{}`)) }, "no record"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			_, err := New(Config{Endpoint: srv.URL}, nil).ResolveConflict(context.Background(), "t", core.Record{}, core.Record{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	_, err := New(Config{Endpoint: srv.URL, Timeout: 20 * time.Millisecond}, nil).InferValue(context.Background(), "x", core.Record{})
	require.Error(t, err)
}

func TestClient_Disabled(t *testing.T) {
	c := New(Config{}, nil)
	assert.False(t, c.Enabled())
	_, err := c.InferValue(context.Background(), "x", nil)
	assert.True(t, errors.Is(err, ErrDisabled))
}
