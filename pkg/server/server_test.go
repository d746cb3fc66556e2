package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent_runtime/internal/service/session"
	"agent_runtime/pkg/allowlist"
	"agent_runtime/pkg/events"
	"agent_runtime/pkg/llm"
	"agent_runtime/pkg/logging"
	"agent_runtime/pkg/store"
	"agent_runtime/pkg/tools"
)

type echoClient struct{}

func (echoClient) Generate(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	last := req.Turns[len(req.Turns)-1]
	return llm.GenerateResponse{Blocks: []llm.ContentBlock{llm.TextResult{Text: "re: " + last.Text()}}}, nil
}

func (echoClient) Name() string { return "echo" }

func newTestServer(t *testing.T, allow string) (*httptest.Server, *session.Manager) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "agent.db"), PoolSize: 2})
	require.NoError(t, err)

	cfg := session.Config{
		WorkspaceRoot: t.TempDir(),
		Permissions:   tools.RestrictedPermissions(),
	}
	m := session.NewManager(context.Background(), cfg, echoClient{},
		session.WithStore(st), session.WithLogger(logging.Discard()))

	list, err := allowlist.Parse(allow)
	require.NoError(t, err)
	srv := httptest.NewServer(New(m, list).WithLogger(logging.Discard()).Handler())

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
		_ = st.Close()
	})
	return srv, m
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func createSession(t *testing.T, base string) SessionResponse {
	t.Helper()
	resp := post(t, base+"/sessions", CreateRequest{DeviceID: "test"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[SessionResponse](t, resp)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"status": "ok"}, decodeBody[map[string]string](t, resp))
}

func TestAllowlistGuardsSessions(t *testing.T) {
	srv, _ := newTestServer(t, "192.0.2.1")

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, srv.URL+"/sessions", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestQueryAndEvents(t *testing.T) {
	srv, m := newTestServer(t, "")
	sess := createSession(t, srv.URL)
	assert.Equal(t, "idle", sess.State)

	resp := post(t, srv.URL+"/sessions/"+sess.SessionID+"/query", QueryRequest{Text: "hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	live, err := m.Get(sess.SessionID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		list, err := m.Events(context.Background(), sess.SessionID)
		return err == nil && len(list) == 3 && !live.Busy()
	}, 5*time.Second, 5*time.Millisecond)

	got, err := http.Get(srv.URL + "/sessions/" + sess.SessionID + "/events")
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)

	body := decodeBody[EventsResponse](t, got)
	require.Len(t, body.Events, 3)
	assert.Equal(t, events.TypeUserMessage, body.Events[0].Type)
	assert.Equal(t, "re: hello", body.Events[2].String("text"))
}

func TestQueryValidation(t *testing.T) {
	srv, _ := newTestServer(t, "")
	sess := createSession(t, srv.URL)

	resp := post(t, srv.URL+"/sessions/"+sess.SessionID+"/query", QueryRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/sessions/missing/query", QueryRequest{Text: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = post(t, srv.URL+"/sessions/"+sess.SessionID+"/query", QueryRequest{Resume: true})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	r, err := http.Post(srv.URL+"/sessions/"+sess.SessionID+"/query", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestUploadEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")
	sess := createSession(t, srv.URL)

	resp := post(t, srv.URL+"/sessions/"+sess.SessionID+"/files", UploadRequest{
		FileName: "a.txt",
		Content:  base64.StdEncoding.EncodeToString([]byte("data")),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "uploads/a.txt", decodeBody[UploadResponse](t, resp).Path)

	resp = post(t, srv.URL+"/sessions/"+sess.SessionID+"/files", UploadRequest{FileName: "a.txt", Content: "%%%"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelResetAndOperator(t *testing.T) {
	srv, _ := newTestServer(t, "")
	sess := createSession(t, srv.URL)
	base := srv.URL + "/sessions/" + sess.SessionID

	assert.Equal(t, http.StatusAccepted, post(t, base+"/cancel", nil).StatusCode)
	assert.Equal(t, http.StatusOK, post(t, base+"/reset", nil).StatusCode)

	resp := post(t, base+"/operator/unknown", map[string]any{"output": "done"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = post(t, base+"/edit", QueryRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCloseSession(t *testing.T) {
	srv, _ := newTestServer(t, "")
	sess := createSession(t, srv.URL)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/"+sess.SessionID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err := http.Get(srv.URL + "/sessions/" + sess.SessionID)
	require.NoError(t, err)
	got.Body.Close()
	assert.Equal(t, http.StatusNotFound, got.StatusCode)
}
