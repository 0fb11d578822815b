package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/g960059/chanpool/internal/api"
	"github.com/g960059/chanpool/internal/config"
	"github.com/g960059/chanpool/internal/db"
	"github.com/g960059/chanpool/internal/model"
	"github.com/g960059/chanpool/internal/testutil"
)

func TestHealthEndpointOverUDS(t *testing.T) {
	tmp := t.TempDir()
	socketPath := filepath.Join(tmp, "chanpoold.sock")
	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath

	srv := NewServer(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	waitForSocket(t, socketPath, errCh)

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}}
	resp, err := client.Get("http://unix/v1/health")
	if err != nil {
		t.Fatalf("get health over uds: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if payload.SchemaVersion != "v1" || payload.Status != "ok" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			t.Fatalf("server error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server shutdown")
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Fatalf("expected socket removed after shutdown, got %v", err)
	}
}

func TestStartFailsWhenSocketPathIsRegularFile(t *testing.T) {
	tmp := t.TempDir()
	socketPath := filepath.Join(tmp, "chanpoold.sock")
	if err := os.WriteFile(socketPath, []byte("not-a-socket"), 0o600); err != nil {
		t.Fatalf("write regular file: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath
	srv := NewServer(cfg, nil)

	err := srv.Start(context.Background())
	if err == nil {
		t.Fatalf("expected start to fail for non-socket file")
	}
	if err := os.Remove(socketPath); err != nil {
		t.Fatalf("regular file should remain for caller cleanup, got remove error: %v", err)
	}
}

func TestSingleInstanceLock(t *testing.T) {
	tmp := t.TempDir()
	socketPath := filepath.Join(tmp, "chanpoold.sock")
	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath

	srv1 := NewServer(cfg, nil)
	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()

	errCh1 := make(chan error, 1)
	go func() {
		errCh1 <- srv1.Start(ctx1)
	}()
	waitForSocket(t, socketPath, errCh1)

	srv2 := NewServer(cfg, nil)
	err := srv2.Start(context.Background())
	if err == nil {
		t.Fatalf("expected second server start to fail while first lock is held")
	}
	if !strings.Contains(err.Error(), "daemon already running") {
		t.Fatalf("expected lock contention error, got: %v", err)
	}

	cancel1()
	select {
	case err := <-errCh1:
		if err != nil && err != context.Canceled {
			t.Fatalf("server1 shutdown error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server1 shutdown")
	}
}

func newAPITestServer(t *testing.T) (*Server, *db.Store) {
	t.Helper()
	store, _ := testutil.NewStore(t)
	cfg := config.DefaultConfig()
	cfg.CooldownSweepInterval = 0
	return NewServer(cfg, store), store
}

func doJSONRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v body=%q", err, rec.Body.String())
	}
	return out
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected %d, got %d body=%s", status, rec.Code, rec.Body.String())
	}
	resp := decodeJSON[api.ErrorResponse](t, rec)
	if resp.Error.Code != code || resp.SchemaVersion != "v1" {
		t.Fatalf("expected error code %s, got %+v", code, resp)
	}
}

func channelRequest(name, protocol string) api.ChannelRequest {
	return api.ChannelRequest{
		ChannelName: name,
		Protocol:    protocol,
		Endpoints:   []api.EndpointRequest{{URL: "https://" + name + ".example.com"}},
		Keys:        []api.KeyRequest{{Label: "main", Secret: "sk-live-" + name + "-abcdef123456"}},
	}
}

func TestCreateChannelAppendsAndMasksSecrets(t *testing.T) {
	srv, _ := newAPITestServer(t)
	h := srv.Handler()

	first := doJSONRequest(t, h, http.MethodPost, "/v1/channels", channelRequest("alpha", "claude"))
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", first.Code, first.Body.String())
	}
	created := decodeJSON[api.ChannelEnvelope](t, first)
	if created.Channel.ChannelID == "" || created.Channel.Priority != 0 {
		t.Fatalf("unexpected created channel: %+v", created.Channel)
	}
	if created.Channel.Keys[0].SecretMasked == "" || strings.Contains(created.Channel.Keys[0].SecretMasked, "abcdef12") {
		t.Fatalf("expected masked secret, got %q", created.Channel.Keys[0].SecretMasked)
	}
	if !created.Channel.Available {
		t.Fatalf("expected fresh channel to be available")
	}

	second := doJSONRequest(t, h, http.MethodPost, "/v1/channels", channelRequest("beta", "claude"))
	if second.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", second.Code)
	}
	if got := decodeJSON[api.ChannelEnvelope](t, second).Channel.Priority; got != 1 {
		t.Fatalf("expected appended priority 1, got %d", got)
	}

	dup := doJSONRequest(t, h, http.MethodPost, "/v1/channels", channelRequest("alpha", "claude"))
	expectError(t, dup, http.StatusConflict, model.ErrDuplicate)

	badProto := doJSONRequest(t, h, http.MethodPost, "/v1/channels", channelRequest("gamma", "bard"))
	expectError(t, badProto, http.StatusBadRequest, model.ErrProtocolInvalid)

	noKeys := channelRequest("delta", "claude")
	noKeys.Keys = nil
	expectError(t, doJSONRequest(t, h, http.MethodPost, "/v1/channels", noKeys), http.StatusBadRequest, model.ErrRefInvalid)
}

func TestReplaceChannelKeepsPriority(t *testing.T) {
	srv, store := newAPITestServer(t)
	ctx := context.Background()
	testutil.SeedChannel(t, store, ctx, "a", model.ProtocolCodex, 0)
	testutil.SeedChannel(t, store, ctx, "b", model.ProtocolCodex, 1)

	req := channelRequest("b-renamed", "codex")
	req.ChannelID = "b"
	rec := doJSONRequest(t, srv.Handler(), http.MethodPost, "/v1/channels", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on replace, got %d body=%s", rec.Code, rec.Body.String())
	}
	got := decodeJSON[api.ChannelEnvelope](t, rec).Channel
	if got.Priority != 1 || got.ChannelName != "b-renamed" {
		t.Fatalf("unexpected replaced channel: %+v", got)
	}
}

func TestReplaceChannelIntoOtherProtocolAppends(t *testing.T) {
	srv, store := newAPITestServer(t)
	ctx := context.Background()
	testutil.SeedChannel(t, store, ctx, "a", model.ProtocolCodex, 0)
	testutil.SeedChannel(t, store, ctx, "g0", model.ProtocolGemini, 0)
	testutil.SeedChannel(t, store, ctx, "g1", model.ProtocolGemini, 1)

	req := channelRequest("a-moved", "gemini")
	req.ChannelID = "a"
	rec := doJSONRequest(t, srv.Handler(), http.MethodPost, "/v1/channels", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on replace, got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decodeJSON[api.ChannelEnvelope](t, rec).Channel; got.Priority != 2 || got.Protocol != "gemini" {
		t.Fatalf("expected channel appended to gemini at priority 2, got %+v", got)
	}

	env := decodeJSON[api.ChannelsEnvelope](t, doJSONRequest(t, srv.Handler(), http.MethodGet, "/v1/channels?protocol=gemini", nil))
	got := []string{}
	for _, ch := range env.Channels {
		got = append(got, ch.ChannelID)
	}
	if !reflect.DeepEqual(got, []string{"g0", "g1", "a"}) {
		t.Fatalf("expected [g0 g1 a], got %v", got)
	}
}

func TestListChannelsFiltersByProtocol(t *testing.T) {
	srv, store := newAPITestServer(t)
	ctx := context.Background()
	testutil.SeedChannel(t, store, ctx, "c1", model.ProtocolClaude, 1)
	testutil.SeedChannel(t, store, ctx, "c0", model.ProtocolClaude, 0)
	testutil.SeedChannel(t, store, ctx, "g0", model.ProtocolGemini, 0)

	rec := doJSONRequest(t, srv.Handler(), http.MethodGet, "/v1/channels?protocol=claude", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	env := decodeJSON[api.ChannelsEnvelope](t, rec)
	got := []string{}
	for _, ch := range env.Channels {
		got = append(got, ch.ChannelID)
	}
	if !reflect.DeepEqual(got, []string{"c0", "c1"}) {
		t.Fatalf("expected [c0 c1], got %v", got)
	}

	all := decodeJSON[api.ChannelsEnvelope](t, doJSONRequest(t, srv.Handler(), http.MethodGet, "/v1/channels", nil))
	if len(all.Channels) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(all.Channels))
	}
	expectError(t, doJSONRequest(t, srv.Handler(), http.MethodGet, "/v1/channels?protocol=nope", nil), http.StatusBadRequest, model.ErrProtocolInvalid)
}

func TestPutOrderContract(t *testing.T) {
	srv, store := newAPITestServer(t)
	ctx := context.Background()
	for i, id := range []string{"x", "y", "z"} {
		testutil.SeedChannel(t, store, ctx, id, model.ProtocolOpenAI, i)
	}
	h := srv.Handler()

	rec := doJSONRequest(t, h, http.MethodPut, "/v1/protocols/openai/order", api.OrderRequest{ChannelIDs: []string{"y", "z", "x"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	// Retrying the same order is harmless.
	if rec := doJSONRequest(t, h, http.MethodPut, "/v1/protocols/openai/order", api.OrderRequest{ChannelIDs: []string{"y", "z", "x"}}); rec.Code != http.StatusOK {
		t.Fatalf("expected idempotent 200, got %d", rec.Code)
	}
	env := decodeJSON[api.ChannelsEnvelope](t, doJSONRequest(t, h, http.MethodGet, "/v1/channels?protocol=openai", nil))
	got := []string{}
	for _, ch := range env.Channels {
		got = append(got, ch.ChannelID)
	}
	if !reflect.DeepEqual(got, []string{"y", "z", "x"}) {
		t.Fatalf("expected [y z x], got %v", got)
	}

	expectError(t, doJSONRequest(t, h, http.MethodPut, "/v1/protocols/openai/order", api.OrderRequest{ChannelIDs: []string{"y", "x"}}), http.StatusConflict, model.ErrOrderMismatch)
	expectError(t, doJSONRequest(t, h, http.MethodPut, "/v1/protocols/other/order", api.OrderRequest{ChannelIDs: []string{"y"}}), http.StatusBadRequest, model.ErrProtocolInvalid)
}

func TestEnableDisableAndPatchRoutes(t *testing.T) {
	srv, store := newAPITestServer(t)
	ctx := context.Background()
	testutil.SeedChannel(t, store, ctx, "c1", model.ProtocolGemini, 0)
	h := srv.Handler()

	rec := doJSONRequest(t, h, http.MethodPost, "/v1/channels/c1/disable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ch := decodeJSON[api.ChannelEnvelope](t, rec).Channel; ch.Enabled || ch.Available {
		t.Fatalf("expected disabled unavailable channel, got %+v", ch)
	}
	if ch := decodeJSON[api.ChannelEnvelope](t, doJSONRequest(t, h, http.MethodPost, "/v1/channels/c1/enable", nil)).Channel; !ch.Enabled {
		t.Fatalf("expected enabled channel")
	}

	until := time.Now().Add(3 * time.Minute).UTC().Format(time.RFC3339Nano)
	rec = doJSONRequest(t, h, http.MethodPatch, "/v1/channels/c1/keys/c1-key", api.EntityPatchRequest{CooldownUntil: &until})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	ch := decodeJSON[api.ChannelEnvelope](t, rec).Channel
	if ch.Available || !ch.HasCooldownWarning || ch.MinCooldownMinutes != 3 {
		t.Fatalf("expected key cooldown to block channel for 3 minutes, got %+v", ch)
	}

	rec = doJSONRequest(t, h, http.MethodPatch, "/v1/channels/c1/keys/c1-key", api.EntityPatchRequest{ClearCooldown: true})
	if ch := decodeJSON[api.ChannelEnvelope](t, rec).Channel; !ch.Available || ch.HasCooldownWarning {
		t.Fatalf("expected cleared cooldown, got %+v", ch)
	}

	expectError(t, doJSONRequest(t, h, http.MethodPatch, "/v1/channels/c1/endpoints/c1-ep", api.EntityPatchRequest{}), http.StatusBadRequest, model.ErrRefInvalid)
	off := false
	expectError(t, doJSONRequest(t, h, http.MethodPatch, "/v1/channels/c1/endpoints/nope", api.EntityPatchRequest{Enabled: &off}), http.StatusNotFound, model.ErrRefNotFound)
	expectError(t, doJSONRequest(t, h, http.MethodPost, "/v1/channels/missing/enable", nil), http.StatusNotFound, model.ErrRefNotFound)
}

func TestDeleteChannelAndUnknownRoutes(t *testing.T) {
	srv, store := newAPITestServer(t)
	testutil.SeedChannel(t, store, context.Background(), "c1", model.ProtocolClaude, 0)
	h := srv.Handler()

	if rec := doJSONRequest(t, h, http.MethodDelete, "/v1/channels/c1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	expectError(t, doJSONRequest(t, h, http.MethodGet, "/v1/channels/c1", nil), http.StatusNotFound, model.ErrRefNotFound)
	expectError(t, doJSONRequest(t, h, http.MethodDelete, "/v1/channels/c1", nil), http.StatusNotFound, model.ErrRefNotFound)
	expectError(t, doJSONRequest(t, h, http.MethodGet, "/v1/nothing", nil), http.StatusNotFound, model.ErrRefNotFound)
	expectError(t, doJSONRequest(t, h, http.MethodPatch, "/v1/channels", nil), http.StatusMethodNotAllowed, model.ErrRefInvalid)
}

func waitForSocket(t *testing.T, path string, errCh <-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			if err == nil || err == context.Canceled {
				t.Fatalf("server exited before socket creation: %v", err)
			}
			if isUDSUnsupported(err) {
				t.Skipf("unix domain sockets unavailable in this environment: %v", err)
			}
			t.Fatalf("server start failed before socket creation: %v", err)
		default:
		}
		if st, err := os.Stat(path); err == nil {
			if st.Mode()&os.ModeSocket != 0 {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("socket was not created: %s", path)
}

func isUDSUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not supported") ||
		strings.Contains(msg, "address family not supported")
}
