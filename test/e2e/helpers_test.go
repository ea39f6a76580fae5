package e2e_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/replica-sync/internal/auth"
	"github.com/alexjbarnes/replica-sync/internal/channel"
	"github.com/alexjbarnes/replica-sync/internal/mcpserver"
	"github.com/alexjbarnes/replica-sync/internal/push"
	"github.com/alexjbarnes/replica-sync/internal/remote"
	"github.com/alexjbarnes/replica-sync/internal/replica"
	"github.com/alexjbarnes/replica-sync/internal/server"
	"github.com/alexjbarnes/replica-sync/internal/session"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testPassphrase = "e2e passphrase"
	testPushToken  = "e2e-push-token"
	testSyncToken  = "e2e-sync-token"
	testUser       = "testuser"
)

var testAPIKey = auth.APIKeyPrefix + strings.Repeat("0f", 32)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pushHub is a websocket push server. Every connection keeps the channel
// list of its latest subscribe frame, and notifications only reach
// connections subscribed to their channel.
type pushHub struct {
	mu   sync.Mutex
	subs map[*websocket.Conn][]string
	seen [][]string
}

func (h *pushHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testPushToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	h.mu.Lock()
	h.subs[conn] = nil
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subs, conn)
		h.mu.Unlock()
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var frame struct {
			Op       string   `json:"op"`
			Channels []string `json:"channels"`
		}
		if json.Unmarshal(data, &frame) != nil {
			continue
		}

		switch frame.Op {
		case "subscribe":
			h.mu.Lock()
			h.subs[conn] = frame.Channels
			h.seen = append(h.seen, frame.Channels)
			h.mu.Unlock()

			_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"op":"subscribed"}`))
		case "ping":
			_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"op":"pong"}`))
		}
	}
}

// notify sends a cursor bump on name to every subscribed connection.
func (h *pushHub) notify(name string) {
	frame, _ := json.Marshal(map[string]any{
		"channel":   name,
		"type":      channel.CursorBump,
		"timestamp": time.Now().UnixMilli(),
	})

	h.mu.Lock()
	defer h.mu.Unlock()

	for conn, channels := range h.subs {
		if !slices.Contains(channels, name) {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, frame)
		cancel()
	}
}

// lastSubscription returns the most recent channel list any client
// subscribed to.
func (h *pushHub) lastSubscription() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.seen) == 0 {
		return nil
	}

	return h.seen[len(h.seen)-1]
}

// syncServer is an in-memory sync server. Accepted changes get the next
// global version and are announced on the push hub.
type syncServer struct {
	hub *pushHub

	// hold, if set, blocks push requests until it is closed.
	hold chan struct{}

	mu      sync.Mutex
	version int64
	log     []remote.Change
	pulls   map[string]int
}

func (s *syncServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testSyncToken {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(remote.APIError{Error: "bad token"})

		return
	}

	switch r.URL.Path {
	case "/v1/sync/push":
		s.handlePush(w, r)
	case "/v1/sync/pull":
		s.handlePull(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *syncServer) handlePush(w http.ResponseWriter, r *http.Request) {
	if s.hold != nil {
		select {
		case <-s.hold:
		case <-r.Context().Done():
			return
		}
	}

	var req remote.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	resp := remote.PushResponse{}

	for _, ch := range req.Changes {
		s.version++
		ch.Version = s.version
		s.log = append(s.log, ch)
		resp.Accepted = append(resp.Accepted, remote.Ack{Container: ch.Container, Seq: ch.Seq, Version: s.version})
	}

	resp.Version = s.version
	s.mu.Unlock()

	_ = json.NewEncoder(w).Encode(resp)

	for _, ch := range req.Changes {
		s.hub.notify(channel.ContainerChannel(ch.Container))
	}

	s.hub.notify(channel.Broadcast)
}

func (s *syncServer) handlePull(w http.ResponseWriter, r *http.Request) {
	var req remote.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pulls[req.Device]++

	resp := remote.PullResponse{Changes: []remote.Change{}, Version: req.Since}

	for _, ch := range s.log {
		if ch.Version <= req.Since {
			continue
		}

		if len(resp.Changes) == req.Limit {
			resp.HasMore = true
			break
		}

		resp.Changes = append(resp.Changes, ch)
		resp.Version = ch.Version
	}

	_ = json.NewEncoder(w).Encode(resp)
}

func (s *syncServer) containers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, ch := range s.log {
		ids = append(ids, ch.Container)
	}

	return ids
}

func (s *syncServer) pullCount(device string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pulls[device]
}

// harness holds the full e2e stack: push hub, sync server and one device
// running a session, with the MCP status endpoint served over HTTP.
type harness struct {
	Hub     *pushHub
	Sync    *syncServer
	PushURL string
	SyncURL string
	MCPURL  string
	Client  *http.Client

	Engine  *replica.Engine
	Session *session.Session
	Push    *push.Client

	// seed is a freshly initialized replica that every device starts
	// from, so all devices share key material.
	seed string
}

type harnessOptions struct {
	triggerOnBroadcast bool
	holdPushes         bool
	watchDir           string
}

// newHarness starts the servers and one device session. The session is
// stopped on cleanup.
func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	hub := &pushHub{subs: make(map[*websocket.Conn][]string)}
	pushSrv := httptest.NewServer(hub)
	t.Cleanup(pushSrv.Close)

	syncSrv := &syncServer{hub: hub, pulls: make(map[string]int)}
	if opts.holdPushes {
		syncSrv.hold = make(chan struct{})
	}

	remoteSrv := httptest.NewServer(syncSrv)
	t.Cleanup(remoteSrv.Close)

	h := &harness{
		Hub:     hub,
		Sync:    syncSrv,
		PushURL: "ws" + strings.TrimPrefix(pushSrv.URL, "http"),
		SyncURL: remoteSrv.URL,
		Client:  &http.Client{Transport: http.DefaultTransport},
		seed:    newSeed(t),
	}

	h.Engine = h.cloneDevice(t, "device-a")

	h.Push = push.NewClient(push.Config{
		URL:    h.PushURL,
		Token:  testPushToken,
		Logger: discardLogger(),
	})

	h.Session = session.New(h.Push, h.Engine, session.Options{
		Debounce:           20 * time.Millisecond,
		RefreshInterval:    time.Hour,
		MaxContainers:      50,
		TriggerOnBroadcast: opts.triggerOnBroadcast,
		RefreshAfterSync:   true,
		WatchDir:           opts.watchDir,
		Logger:             discardLogger(),
	})

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "replica-sync-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, h.Session)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Keys:       auth.NewKeyStore(map[string]string{testUser: testAPIKey}),
		MCPHandler: mcpHandler,
		Logger:     discardLogger(),
		Connected:  h.Push.Connected,
	})

	mcpSrv := httptest.NewServer(mux)
	t.Cleanup(mcpSrv.Close)
	h.MCPURL = mcpSrv.URL

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- h.Session.Run(ctx) }()

	t.Cleanup(func() {
		// A sync blocked on the sync server would hold Engine.Close.
		if syncSrv.hold != nil {
			h.release()
		}

		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("session did not stop")
		}
	})

	return h
}

// newEngine opens a replica at path that talks to the sync server.
func (h *harness) newEngine(t *testing.T, device, path string) *replica.Engine {
	t.Helper()

	e := replica.NewEngine(remote.NewClient(h.SyncURL, testSyncToken, nil), device, discardLogger())
	require.NoError(t, e.Open(path, testPassphrase))
	t.Cleanup(func() { _ = e.Close() })

	return e
}

// newSeed initializes an empty replica and returns its path.
func newSeed(t *testing.T) string {
	t.Helper()

	seed := filepath.Join(t.TempDir(), "seed.db")

	e := replica.NewEngine(nil, "seed", discardLogger())
	require.NoError(t, e.Open(seed, testPassphrase))
	require.NoError(t, e.Close())

	return seed
}

// cloneDevice opens a replica copied from the seed, as if the replica had
// been copied to another machine before any changes were made.
func (h *harness) cloneDevice(t *testing.T, device string) *replica.Engine {
	t.Helper()

	data, err := os.ReadFile(h.seed)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), device, "replica.db")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return h.newEngine(t, device, path)
}

// release lets held push requests through.
func (h *harness) release() {
	select {
	case <-h.Sync.hold:
	default:
		close(h.Sync.hold)
	}
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.MCPURL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	cs, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	return cs
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, fullURL string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, fullURL, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
