// Package provision turns an authorized request into a working VPN client:
// it labels the request, registers a peer through the registry backend,
// renders the client configuration and its QR code, and journals the
// attempt. Pincode validation is the caller's job.
package provision

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"awg-admin/internal/audit"
	"awg-admin/internal/registry"
	"awg-admin/internal/utils"
	"awg-admin/internal/wireguard"
)

const (
	labelTimeLayout  = "20060102_150405"
	defaultRequester = "User"
)

// Result is everything a front-end needs to deliver a working client.
type Result struct {
	Label          string `json:"username"`
	PeerID         string `json:"peer_id"`
	IP             string `json:"ip"`
	PublicKey      string `json:"public_key"`
	Enabled        bool   `json:"enabled"`
	Config         string `json:"config"`
	ConfigFilename string `json:"config_filename"`
	QRCode         []byte `json:"-"` // PNG
	ServerIP       string `json:"server_ip"`
	ServerPort     int    `json:"server_port"`
	Backend        string `json:"backend"`
}

// Options configures a Service.
type Options struct {
	ServerHost string         // Address clients dial, used for locally rendered configs
	DNS        []string       // Resolvers for locally rendered configs
	Location   *time.Location // Zone of the label timestamp, defaults to time.Local
	Now        func() time.Time
	QR         *utils.QRCodeGenerator
	Recorder   audit.Recorder
	Logger     logrus.FieldLogger
}

// Service runs the provisioning workflow against one backend.
type Service struct {
	backend    registry.Backend
	serverHost string
	dns        []string
	location   *time.Location
	now        func() time.Time
	qr         *utils.QRCodeGenerator
	recorder   audit.Recorder
	log        logrus.FieldLogger
}

// NewService creates a Service. Unset options get working defaults.
func NewService(backend registry.Backend, opts Options) *Service {
	s := &Service{
		backend:    backend,
		serverHost: opts.ServerHost,
		dns:        opts.DNS,
		location:   opts.Location,
		now:        opts.Now,
		qr:         opts.QR,
		recorder:   opts.Recorder,
		log:        opts.Logger,
	}
	if s.location == nil {
		s.location = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.qr == nil {
		s.qr = utils.NewQRCodeGenerator()
	}
	if s.recorder == nil {
		s.recorder = audit.Nop{}
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	return s
}

// BackendName reports the active registry backend.
func (s *Service) BackendName() string { return s.backend.Name() }

// Label returns "<requester>_<YYYYMMDD_HHMMSS>" for the instant now.
// Characters that are unsafe in a file name or a config comment are
// replaced with underscores.
func Label(requester string, now time.Time) string {
	return SanitizeName(requester) + "_" + now.Format(labelTimeLayout)
}

// SanitizeName keeps letters, digits, '-', '.' and '_', replaces everything
// else with '_' and falls back to "User" for empty names.
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultRequester
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '.' || r == '_' {
			return r
		}
		return '_'
	}, name)
}

// Provision registers a new peer for requester and returns its client
// configuration. Any failure aborts the workflow and is returned as-is;
// a peer that was registered before a later step failed is not removed.
func (s *Service) Provision(ctx context.Context, requester, channel string) (*Result, error) {
	now := s.now().In(s.location)
	label := Label(requester, now)
	logger := s.log.WithFields(logrus.Fields{"label": label, "backend": s.backend.Name(), "channel": channel})

	event := &audit.ProvisionEvent{
		Label:     label,
		Requester: SanitizeName(requester),
		Channel:   channel,
		Backend:   s.backend.Name(),
	}

	result, err := s.provision(ctx, label)
	if result != nil {
		event.IP = result.IP
		event.PublicKey = result.PublicKey
	}
	if err != nil {
		event.Outcome = audit.OutcomeFailed
		event.Error = err.Error()
		logger.WithError(err).Error("Provisioning failed")
	} else {
		event.Outcome = audit.OutcomeCreated
		logger.WithField("ip", result.IP).Info("Client provisioned")
	}

	if recErr := s.recorder.Record(ctx, event); recErr != nil {
		logger.WithError(recErr).Warn("Failed to record provisioning event")
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) provision(ctx context.Context, label string) (*Result, error) {
	reg, err := s.backend.Register(ctx, label)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Label:          label,
		PeerID:         reg.Peer.ID,
		IP:             reg.Peer.IP,
		PublicKey:      reg.Peer.PublicKey,
		Enabled:        reg.Peer.Enabled,
		ConfigFilename: label + ".conf",
		Backend:        s.backend.Name(),
	}

	switch {
	case reg.ConfigText != "":
		result.Config = reg.ConfigText
		s.fillFromExport(result)
	case reg.Params != nil:
		cc := wireguard.NewClientConfig(reg.PrivateKey, reg.Peer.IP, s.serverHost, reg.Params, s.dns)
		result.Config = cc.GenerateConfigFile()
		result.ServerIP = s.serverHost
		result.ServerPort = reg.Params.ListenPort
	default:
		return result, fmt.Errorf("%w: backend returned neither configuration nor server parameters", registry.ErrRegistration)
	}

	qr, err := s.qr.GeneratePNG(result.Config)
	if err != nil {
		return result, err
	}
	result.QRCode = qr
	return result, nil
}

// fillFromExport takes the endpoint, and the address if the backend did
// not report one, from a backend-rendered configuration.
func (s *Service) fillFromExport(result *Result) {
	result.ServerIP = s.serverHost

	cc, err := wireguard.ParseClientConfig(result.Config)
	if err != nil {
		s.log.WithError(err).WithField("label", result.Label).Warn("Could not parse exported configuration")
		return
	}
	if result.IP == "" {
		result.IP = cc.IP()
	}
	host, port, err := cc.EndpointHostPort()
	if err != nil {
		s.log.WithError(err).WithField("label", result.Label).Warn("Exported configuration has no usable endpoint")
		return
	}
	result.ServerIP = host
	result.ServerPort = port
}

// ListPeers returns the backend's peers.
func (s *Service) ListPeers(ctx context.Context) ([]registry.Peer, error) {
	return s.backend.ListPeers(ctx)
}

// PeerStatus returns the backend's raw status text.
func (s *Service) PeerStatus(ctx context.Context) (string, error) {
	return s.backend.PeerStatus(ctx)
}

// EnablePeer enables the peer with id.
func (s *Service) EnablePeer(ctx context.Context, id string) error {
	if err := s.backend.EnablePeer(ctx, id); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"peer_id": id, "backend": s.backend.Name()}).Info("Peer enabled")
	return nil
}

// DisablePeer disables the peer with id.
func (s *Service) DisablePeer(ctx context.Context, id string) error {
	if err := s.backend.DisablePeer(ctx, id); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"peer_id": id, "backend": s.backend.Name()}).Info("Peer disabled")
	return nil
}

// DeletePeer removes the peer with id.
func (s *Service) DeletePeer(ctx context.Context, id string) error {
	if err := s.backend.DeletePeer(ctx, id); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"peer_id": id, "backend": s.backend.Name()}).Info("Peer deleted")
	return nil
}

// ConfigText returns the backend's configuration export for id.
func (s *Service) ConfigText(ctx context.Context, id string) (string, error) {
	exporter, ok := s.backend.(registry.Exporter)
	if !ok {
		return "", fmt.Errorf("%w: configuration export on %s backend", registry.ErrUnsupported, s.backend.Name())
	}
	return exporter.ConfigText(ctx, id)
}

// QRArtifact returns the backend's QR export for id.
func (s *Service) QRArtifact(ctx context.Context, id string) ([]byte, error) {
	exporter, ok := s.backend.(registry.Exporter)
	if !ok {
		return nil, fmt.Errorf("%w: QR export on %s backend", registry.ErrUnsupported, s.backend.Name())
	}
	return exporter.QRArtifact(ctx, id)
}

// Reconcile re-drives live state on backends that support it. Other
// backends report zero peers applied.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	reconciler, ok := s.backend.(registry.Reconciler)
	if !ok {
		return 0, nil
	}
	applied, err := reconciler.Reconcile(ctx)
	if err != nil {
		return applied, err
	}
	if applied > 0 {
		s.log.WithField("applied", applied).Warn("Re-applied peers missing from the live interface")
	}
	return applied, nil
}

// RecentEvents returns the latest journal entries.
func (s *Service) RecentEvents(ctx context.Context, limit int) ([]audit.ProvisionEvent, error) {
	return s.recorder.Recent(ctx, limit)
}
