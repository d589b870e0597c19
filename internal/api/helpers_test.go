package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"awg-admin/internal/audit"
	"awg-admin/internal/auth"
	"awg-admin/internal/pincode"
	"awg-admin/internal/provision"
	"awg-admin/internal/registry"
	"awg-admin/internal/wireguard"
)

// Pincode at fixedNow: day 01, month 06, hour 14 -> "010614" -> "121725".
const validPincode = "121725"

const adminPassword = "correct horse"

func fixedNow() time.Time {
	return time.Date(2024, time.June, 1, 14, 30, 0, 0, time.UTC)
}

// fakeBackend keeps peers in memory and renders configs locally, like the
// file backend.
type fakeBackend struct {
	mu       sync.Mutex
	peers    map[string]*registry.Peer
	next     int
	failWith error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{peers: map[string]*registry.Peer{
		"cGVlci1vbmU=": {ID: "cGVlci1vbmU=", Name: "Bob_20240101_101010", IP: "10.8.1.1", PublicKey: "cGVlci1vbmU=", Enabled: true},
	}}
}

func (b *fakeBackend) Name() string { return "file" }

func (b *fakeBackend) ListPeers(ctx context.Context) ([]registry.Peer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return nil, b.failWith
	}
	var peers []registry.Peer
	for _, p := range b.peers {
		peers = append(peers, *p)
	}
	return peers, nil
}

func (b *fakeBackend) NextAvailableIdentity(ctx context.Context) (string, error) {
	return fmt.Sprintf("10.8.1.%d", b.next+2), nil
}

func (b *fakeBackend) Register(ctx context.Context, label string) (*registry.Registration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return nil, b.failWith
	}

	kp, err := wireguard.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	b.next++
	peer := &registry.Peer{
		ID:        kp.PublicKey,
		Name:      label,
		IP:        fmt.Sprintf("10.8.1.%d", b.next+1),
		PublicKey: kp.PublicKey,
		Enabled:   true,
	}
	b.peers[peer.ID] = peer
	return &registry.Registration{
		Peer:       *peer,
		PrivateKey: kp.PrivateKey,
		Params: &wireguard.ServerParams{
			ListenPort: 47123,
			PublicKey:  "c2VydmVyLXB1YmxpYy1rZXktYmFzZTY0LWVuY29kZWQ9",
		},
	}, nil
}

func (b *fakeBackend) setEnabled(id string, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrPeerNotFound, id)
	}
	p.Enabled = enabled
	return nil
}

func (b *fakeBackend) EnablePeer(ctx context.Context, id string) error  { return b.setEnabled(id, true) }
func (b *fakeBackend) DisablePeer(ctx context.Context, id string) error { return b.setEnabled(id, false) }

func (b *fakeBackend) DeletePeer(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.peers[id]; !ok {
		return fmt.Errorf("%w: %s", registry.ErrPeerNotFound, id)
	}
	delete(b.peers, id)
	return nil
}

func (b *fakeBackend) PeerStatus(ctx context.Context) (string, error) {
	if b.failWith != nil {
		return "", b.failWith
	}
	return "interface: wg0\n  listening port: 47123\n", nil
}

// exportingBackend adds the management API's per-peer exports.
type exportingBackend struct {
	*fakeBackend
}

func (b exportingBackend) Name() string { return "api" }

func (b exportingBackend) ConfigText(ctx context.Context, id string) (string, error) {
	if _, ok := b.peers[id]; !ok {
		return "", &registry.CommunicationError{Op: "GET configuration", Status: http.StatusNotFound, Message: "Client Not Found"}
	}
	return "[Interface]\nAddress = 10.8.1.1/24\n", nil
}

func (b exportingBackend) QRArtifact(ctx context.Context, id string) ([]byte, error) {
	return []byte(`<svg xmlns="http://www.w3.org/2000/svg"></svg>`), nil
}

type testEnv struct {
	router  *gin.Engine
	backend *fakeBackend
	journal *audit.Journal
	manager *auth.AuthManager
}

func setupTestAPI(t *testing.T, backend registry.Backend, revealHint bool) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	journal, err := audit.NewJournal(db)
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	logger, _ := test.NewNullLogger()
	service := provision.NewService(backend, provision.Options{
		ServerHost: "203.0.113.10",
		Location:   time.UTC,
		Now:        fixedNow,
		Recorder:   journal,
		Logger:     logger,
	})
	deriver := pincode.NewDeriverWithConfig(fixedNow, time.UTC)

	hash, err := auth.HashPassword(adminPassword)
	require.NoError(t, err)
	manager := auth.NewAuthManager("test-secret", hash)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewVPNAPI(service, deriver, revealHint, logger).RegisterRoutes(router)
	NewAuthAPI(manager, logger).RegisterRoutes(router)
	NewClientAPI(service, logger).RegisterRoutes(router, auth.NewAuthMiddleware(manager))

	env := &testEnv{router: router, journal: journal, manager: manager}
	switch b := backend.(type) {
	case *fakeBackend:
		env.backend = b
	case exportingBackend:
		env.backend = b.fakeBackend
	}
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	return resp
}

func (env *testEnv) token(t *testing.T) string {
	t.Helper()

	token, _, err := env.manager.GenerateToken()
	require.NoError(t, err)
	return token
}

func decode(t *testing.T, resp *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), v), resp.Body.String())
}
