// Package registry reads and mutates the authoritative set of VPN peers on
// the remote host. Two interchangeable backends implement Backend: one
// talks to the management REST API, the other edits the server
// configuration file over a remote shell. Callers depend only on Backend.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"awg-admin/internal/wireguard"
)

var (
	// ErrExhausted is returned when no identity or IP slot is free.
	ErrExhausted = errors.New("no free identity available")
	// ErrRegistration is returned when the backend accepted a request but
	// returned nothing usable (no client id, no key).
	ErrRegistration = errors.New("peer registration failed")
	// ErrPeerNotFound is returned for ids unknown to the backend.
	ErrPeerNotFound = errors.New("peer not found")
	// ErrUnsupported is returned by operations a backend cannot perform.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// CommunicationError reports a failed remote call: a non-2xx HTTP
// response, a non-zero remote exit status, or a transport failure.
type CommunicationError struct {
	Op      string // What was attempted, e.g. "GET /api/wireguard/client"
	Status  int    // HTTP status or remote exit code, 0 for transport failures
	Message string // Raw response body or stderr
	Err     error  // Underlying transport error, if any
}

func (e *CommunicationError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s failed (%d): %s", e.Op, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s failed (%d)", e.Op, e.Status)
	}
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// InconsistentStateError is returned when a multi-step registration failed
// after the server configuration was modified and the compensating step
// failed as well. The named peer may exist in the file but not live.
type InconsistentStateError struct {
	Label     string
	PublicKey string
	Step      string
	Err       error
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("peer %s (%s) left inconsistent after %s: %v", e.Label, e.PublicKey, e.Step, e.Err)
}

func (e *InconsistentStateError) Unwrap() error { return e.Err }

// Peer is one VPN client as reported by a backend.
type Peer struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	IP           string     `json:"ip"`
	PublicKey    string     `json:"public_key"`
	PresharedKey string     `json:"-"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
}

// Registration is the outcome of Backend.Register. ConfigText is set when
// the backend renders client configurations itself; otherwise PrivateKey
// and Params carry what a local renderer needs.
type Registration struct {
	Peer       Peer
	ConfigText string
	PrivateKey string
	Params     *wireguard.ServerParams
}

// Backend is the peer registry accessor. Register allocates an identity
// and registers a new peer named label as one serialized operation.
type Backend interface {
	Name() string
	ListPeers(ctx context.Context) ([]Peer, error)
	NextAvailableIdentity(ctx context.Context) (string, error)
	Register(ctx context.Context, label string) (*Registration, error)
	EnablePeer(ctx context.Context, id string) error
	DisablePeer(ctx context.Context, id string) error
	DeletePeer(ctx context.Context, id string) error
	PeerStatus(ctx context.Context) (string, error)
}

// Exporter is implemented by backends that render per-peer exports.
type Exporter interface {
	ConfigText(ctx context.Context, id string) (string, error)
	QRArtifact(ctx context.Context, id string) ([]byte, error)
}

// Reconciler is implemented by backends whose live state can drift from
// their stored state.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}
