package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendPostsText(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s, err := New(srv.URL, srv.Client())
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), "subject", "body"))
	assert.Equal(t, "subject\nbody", got["text"])
}

func TestSendNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s, err := New(srv.URL, srv.Client())
	require.NoError(t, err)
	err = s.Send(context.Background(), "s", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
