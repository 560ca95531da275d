package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DIO0550/instructions/internal/docstore"
	"github.com/DIO0550/instructions/internal/engine"
	"github.com/DIO0550/instructions/internal/jsonrpc"
	"github.com/DIO0550/instructions/internal/session"
	"github.com/DIO0550/instructions/internal/transport"
)

type fixture struct {
	server  *httptest.Server
	router  *session.Router
	factory *engine.Factory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	factory := engine.NewFactory(docstore.NewFromDocuments())
	router := session.NewRouter(session.KindSSE, session.NewRegistry("sse"), factory)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go router.Run(ctx)

	h := New(router, 0)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", h.ServeStream)
	mux.HandleFunc("POST /messages", h.ServeMessage)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &fixture{server: server, router: router, factory: factory}
}

type frame struct {
	event string
	data  string
}

func nextFrame(t *testing.T, scanner *bufio.Scanner) frame {
	t.Helper()
	var f frame
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		case line == "" && f.event != "":
			return f
		}
	}
	t.Fatalf("stream ended: %v", scanner.Err())
	return f
}

func (f *fixture) open(t *testing.T) (*http.Response, *bufio.Scanner, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	return resp, bufio.NewScanner(resp.Body), cancel
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStreamAnnouncesEndpointAndRelaysReplies(t *testing.T) {
	f := newFixture(t)
	resp, scanner, _ := f.open(t)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get(transport.HeaderLegacySessionID)
	require.NotEmpty(t, id)

	endpoint := nextFrame(t, scanner)
	assert.Equal(t, "endpoint", endpoint.event)
	assert.Equal(t, "/messages?sessionId="+id, endpoint.data)

	post := f.post(t, endpoint.data, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	assert.Equal(t, http.StatusAccepted, post.StatusCode)

	msg := nextFrame(t, scanner)
	assert.Equal(t, "message", msg.event)
	assert.Contains(t, msg.data, `"serverInfo"`)
	assert.Contains(t, msg.data, `"id":1`)
}

func TestUnknownSessionNeverReachesEngine(t *testing.T) {
	f := newFixture(t)
	resp, scanner, _ := f.open(t)
	id := resp.Header.Get(transport.HeaderLegacySessionID)
	nextFrame(t, scanner)

	s, ok := f.router.Registry().Get(id)
	require.True(t, ok)

	for _, path := range []string{"/messages?sessionId=not-" + id, "/messages"} {
		post := f.post(t, path, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		assert.Equal(t, http.StatusBadRequest, post.StatusCode)
	}
	assert.Equal(t, int64(0), s.Engine.Calls())
	assert.Equal(t, int64(1), f.factory.Created())
}

func TestDisconnectReleasesEngineOnce(t *testing.T) {
	f := newFixture(t)
	resp, scanner, cancel := f.open(t)
	id := resp.Header.Get(transport.HeaderLegacySessionID)
	nextFrame(t, scanner)
	s, _ := f.router.Registry().Get(id)

	cancel()
	require.Eventually(t, func() bool { return f.router.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.Engine.Closed())
	assert.Equal(t, int64(0), f.factory.Live())

	// a late close attempt is a client error, not a second release
	assert.ErrorIs(t, f.router.Close(id), session.ErrInvalidSession)
	post := f.post(t, "/messages?sessionId="+id, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusBadRequest, post.StatusCode)
}

func TestServerCloseEndsStream(t *testing.T) {
	f := newFixture(t)
	resp, scanner, _ := f.open(t)
	id := resp.Header.Get(transport.HeaderLegacySessionID)
	nextFrame(t, scanner)

	require.NoError(t, f.router.Close(id))
	for scanner.Scan() {
	}
	assert.Equal(t, 0, f.router.Len())
}

func TestEachStreamGetsNewSession(t *testing.T) {
	f := newFixture(t)
	a, _, _ := f.open(t)
	b, _, _ := f.open(t)
	assert.NotEqual(t, a.Header.Get(transport.HeaderLegacySessionID), b.Header.Get(transport.HeaderLegacySessionID))
	assert.Equal(t, int64(2), f.factory.Created())
}

func TestOversizedMessageIsRejected(t *testing.T) {
	f := newFixture(t)
	resp, scanner, _ := f.open(t)
	id := resp.Header.Get(transport.HeaderLegacySessionID)
	nextFrame(t, scanner)
	s, _ := f.router.Registry().Get(id)

	body := `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"` + strings.Repeat("x", maxBodySize) + `"}}`
	req := httptest.NewRequest(http.MethodPost, "/messages?sessionId="+id, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Config.Handler.ServeHTTP(rec, req)
	post := rec.Result()
	assert.Equal(t, http.StatusRequestEntityTooLarge, post.StatusCode)

	var env struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(post.Body).Decode(&env))
	assert.Equal(t, jsonrpc.CodeInvalidRequest, env.Error.Code)
	assert.Equal(t, int64(0), s.Engine.Calls())
}
