package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	apiAdminUser     = "admin"
	clientNamePrefix = "client_"
	maxClientNumber  = 9999
	maxResponseBytes = 4 << 20
	clientsEndpoint  = "/api/wireguard/client"
)

// APIOptions configures an APIBackend.
type APIOptions struct {
	URL        string
	Password   string
	Timeout    time.Duration
	HTTPClient *http.Client // Overrides Timeout when set
	Logger     logrus.FieldLogger
}

// APIBackend manages peers through the management REST API using basic
// auth with the fixed admin user. The server allocates addresses and keys.
type APIBackend struct {
	baseURL  string
	password string
	client   *http.Client
	log      logrus.FieldLogger

	mu sync.Mutex // Serializes create requests
}

// apiClient is a client record as returned by the management API.
type apiClient struct {
	ID        clientID   `json:"id"`
	Name      string     `json:"name"`
	Address   string     `json:"address"`
	PublicKey string     `json:"publicKey"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	Enabled   *bool      `json:"enabled,omitempty"`
}

// clientID accepts both string and numeric ids.
type clientID string

func (id *clientID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = clientID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("client id must be a string or number: %w", err)
	}
	*id = clientID(n.String())
	return nil
}

func (c apiClient) peer() Peer {
	enabled := true
	if c.Enabled != nil {
		enabled = *c.Enabled
	}
	ip, _, _ := strings.Cut(c.Address, "/")
	return Peer{
		ID:        string(c.ID),
		Name:      c.Name,
		IP:        ip,
		PublicKey: c.PublicKey,
		Enabled:   enabled,
		CreatedAt: c.CreatedAt,
	}
}

// NewAPIBackend creates a backend for the management API at opts.URL.
func NewAPIBackend(opts APIOptions) (*APIBackend, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.URL), "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("invalid API URL %q", opts.URL)
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &APIBackend{
		baseURL:  base,
		password: opts.Password,
		client:   client,
		log:      logger.WithField("backend", "api"),
	}, nil
}

// Name implements Backend.
func (b *APIBackend) Name() string { return "api" }

func (b *APIBackend) do(ctx context.Context, method, endpoint string, payload interface{}) ([]byte, error) {
	op := method + " " + endpoint

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+endpoint, body)
	if err != nil {
		return nil, &CommunicationError{Op: op, Err: err}
	}
	req.SetBasicAuth(apiAdminUser, b.password)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &CommunicationError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &CommunicationError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &CommunicationError{Op: op, Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func (b *APIBackend) clients(ctx context.Context) ([]apiClient, error) {
	data, err := b.do(ctx, http.MethodGet, clientsEndpoint, nil)
	if err != nil {
		return nil, err
	}
	var clients []apiClient
	if len(bytes.TrimSpace(data)) == 0 {
		return clients, nil
	}
	if err := json.Unmarshal(data, &clients); err != nil {
		return nil, fmt.Errorf("decode client list: %w", err)
	}
	return clients, nil
}

// ListPeers implements Backend.
func (b *APIBackend) ListPeers(ctx context.Context) ([]Peer, error) {
	clients, err := b.clients(ctx)
	if err != nil {
		return nil, err
	}
	peers := make([]Peer, 0, len(clients))
	for _, c := range clients {
		peers = append(peers, c.peer())
	}
	return peers, nil
}

// NextClientNumber returns the lowest N in 1..9999 not used by a client
// named "client_<N>".
func (b *APIBackend) NextClientNumber(ctx context.Context) (int, error) {
	clients, err := b.clients(ctx)
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool, len(clients))
	for _, c := range clients {
		if n, ok := clientNumber(c.Name); ok {
			used[n] = true
		}
	}
	for n := 1; n <= maxClientNumber; n++ {
		if !used[n] {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: all %d client names are taken", ErrExhausted, maxClientNumber)
}

// clientNumber extracts N from "client_<N>". Trailing suffixes after a
// second underscore are ignored.
func clientNumber(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, clientNamePrefix)
	if !ok {
		return 0, false
	}
	digits, _, _ := strings.Cut(rest, "_")
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// NextAvailableIdentity implements Backend and returns "client_<N>".
func (b *APIBackend) NextAvailableIdentity(ctx context.Context) (string, error) {
	n, err := b.NextClientNumber(ctx)
	if err != nil {
		return "", err
	}
	return clientNamePrefix + strconv.Itoa(n), nil
}

// CreatePeer asks the API to create a client named name.
func (b *APIBackend) CreatePeer(ctx context.Context, name string) (*Peer, error) {
	data, err := b.do(ctx, http.MethodPost, clientsEndpoint, map[string]string{"name": name})
	if err != nil {
		return nil, err
	}

	var created apiClient
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &created); err != nil {
			return nil, fmt.Errorf("decode created client: %w", err)
		}
	}
	if created.ID == "" {
		return nil, fmt.Errorf("%w: no ID returned for %s", ErrRegistration, name)
	}
	if created.Name == "" {
		created.Name = name
	}

	peer := created.peer()
	return &peer, nil
}

// Register implements Backend: it creates the client and fetches the
// configuration the API renders for it.
func (b *APIBackend) Register(ctx context.Context, label string) (*Registration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	peer, err := b.CreatePeer(ctx, label)
	if err != nil {
		return nil, err
	}
	b.log.WithFields(logrus.Fields{"label": label, "peer_id": peer.ID, "ip": peer.IP}).Info("Client created")

	config, err := b.ConfigText(ctx, peer.ID)
	if err != nil {
		return nil, err
	}
	return &Registration{Peer: *peer, ConfigText: config}, nil
}

func clientPath(id string, suffix string) string {
	return clientsEndpoint + "/" + url.PathEscape(id) + suffix
}

// ConfigText implements Exporter.
func (b *APIBackend) ConfigText(ctx context.Context, id string) (string, error) {
	data, err := b.do(ctx, http.MethodGet, clientPath(id, "/configuration"), nil)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// QRArtifact implements Exporter and returns the API's SVG rendering.
func (b *APIBackend) QRArtifact(ctx context.Context, id string) ([]byte, error) {
	return b.do(ctx, http.MethodGet, clientPath(id, "/qrcode.svg"), nil)
}

// EnablePeer implements Backend.
func (b *APIBackend) EnablePeer(ctx context.Context, id string) error {
	_, err := b.do(ctx, http.MethodPost, clientPath(id, "/enable"), nil)
	return err
}

// DisablePeer implements Backend.
func (b *APIBackend) DisablePeer(ctx context.Context, id string) error {
	_, err := b.do(ctx, http.MethodPost, clientPath(id, "/disable"), nil)
	return err
}

// DeletePeer implements Backend.
func (b *APIBackend) DeletePeer(ctx context.Context, id string) error {
	_, err := b.do(ctx, http.MethodDelete, clientPath(id, ""), nil)
	return err
}

// PeerStatus implements Backend. The API has no raw interface dump, so the
// client list is rendered as one line per client, ordered by name.
func (b *APIBackend) PeerStatus(ctx context.Context) (string, error) {
	clients, err := b.clients(ctx)
	if err != nil {
		return "", err
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].Name < clients[j].Name })

	var out strings.Builder
	for _, c := range clients {
		p := c.peer()
		state := "enabled"
		if !p.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&out, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.ID, p.IP, p.PublicKey, state)
	}
	return out.String(), nil
}
