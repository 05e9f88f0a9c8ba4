package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace-run/carapace/internal/runtime"
	"github.com/carapace-run/carapace/internal/sandbox"
	"github.com/carapace-run/carapace/internal/storage"
	"github.com/carapace-run/carapace/pkg/types"
)

const testToken = "test-bearer-token"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := storage.New(t.TempDir())
	sbox := sandbox.New(runtime.NewMock(""), nil, sandbox.Config{DataDir: t.TempDir()})
	return New(Config{Host: "127.0.0.1", Port: 0, Token: testToken}, store, nil, sbox, nil)
}

func authedRequest(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func TestCreateListGetDeleteSessionRoundTrip(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, authedRequest(http.MethodPost, "/sessions/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var created types.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.SessionID)

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, authedRequest(http.MethodGet, "/sessions/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []types.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.SessionID, list[0].SessionID)

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, authedRequest(http.MethodGet, "/sessions/"+created.SessionID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got types.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.SessionID, got.SessionID)

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, authedRequest(http.MethodDelete, "/sessions/"+created.SessionID, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, authedRequest(http.MethodGet, "/sessions/"+created.SessionID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, authedRequest(http.MethodGet, "/sessions/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list, "a deleted session must not appear in list")
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, authedRequest(http.MethodGet, "/sessions/doesnotexist", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequireBearerTokenRejectsMissingOrWrongToken(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions/", nil)
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/sessions/", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHistoryLimitReturnsLastN(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, authedRequest(http.MethodPost, "/sessions/", nil))
	var created types.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	messages := []types.HistoryMessage{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "two"},
		{Role: "user", Content: "three"},
	}
	require.NoError(t, s.store.SaveHistory(created.SessionID, messages))

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, authedRequest(http.MethodGet, "/sessions/"+created.SessionID+"/history?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got []types.HistoryMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Content)
	assert.Equal(t, "three", got[1].Content)
}
