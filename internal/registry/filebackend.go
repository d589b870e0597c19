package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"
	"github.com/sirupsen/logrus"

	"awg-admin/internal/network"
	"awg-admin/internal/wireguard"
)

// Defaults matching the stock AmneziaWG container layout.
const (
	DefaultContainer           = "amnezia-awg"
	DefaultInterface           = "wg0"
	DefaultConfigPath          = "/opt/amnezia/awg/wg0.conf"
	DefaultServerPublicKeyPath = "/opt/amnezia/awg/wireguard_server_public_key.key"
	DefaultPSKPath             = "/opt/amnezia/awg/wireguard_psk.key"
	DefaultSubnet              = "10.8.1.0/24"
)

// FileOptions configures a FileBackend.
type FileOptions struct {
	Container           string
	Interface           string
	ConfigPath          string
	ServerPublicKeyPath string
	PSKPath             string
	Subnet              string
	LocalKeygen         bool // Generate keys in-process instead of with the remote wg tool
	Logger              logrus.FieldLogger
}

// FileBackend manages peers by editing the server configuration file
// inside the VPN container and applying each change to the live
// interface. Peer ids are public keys.
type FileBackend struct {
	exec Executor
	opts FileOptions
	log  logrus.FieldLogger

	mu sync.Mutex // Serializes every read-modify-write of the config file
}

// NewFileBackend creates a backend that runs its commands through exec.
func NewFileBackend(exec Executor, opts FileOptions) (*FileBackend, error) {
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.Container == "" {
		opts.Container = DefaultContainer
	}
	if opts.Interface == "" {
		opts.Interface = DefaultInterface
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = DefaultConfigPath
	}
	if opts.ServerPublicKeyPath == "" {
		opts.ServerPublicKeyPath = DefaultServerPublicKeyPath
	}
	if opts.PSKPath == "" {
		opts.PSKPath = DefaultPSKPath
	}
	if opts.Subnet == "" {
		opts.Subnet = DefaultSubnet
	}
	if _, err := network.NewIPPool(opts.Subnet); err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %w", opts.Subnet, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &FileBackend{
		exec: exec,
		opts: opts,
		log:  logger.WithField("backend", "file"),
	}, nil
}

// Name implements Backend.
func (b *FileBackend) Name() string { return "file" }

// remote builds a command executed inside the VPN container.
func (b *FileBackend) remote(args ...string) string {
	return shellquote.Join(append([]string{"docker", "exec", "-i", b.opts.Container}, args...)...)
}

func (b *FileBackend) run(ctx context.Context, stdin string, args ...string) (string, error) {
	var in io.Reader
	if stdin != "" {
		in = strings.NewReader(stdin)
	}
	return b.exec.Run(ctx, b.remote(args...), in)
}

func (b *FileBackend) readConfig(ctx context.Context) (string, *wireguard.ServerConfig, error) {
	text, err := b.run(ctx, "", "cat", b.opts.ConfigPath)
	if err != nil {
		return "", nil, err
	}
	config, err := wireguard.ParseServerConfig(text)
	if err != nil {
		return "", nil, fmt.Errorf("parse %s: %w", b.opts.ConfigPath, err)
	}
	return text, config, nil
}

func (b *FileBackend) writeConfig(ctx context.Context, text string) error {
	_, err := b.run(ctx, text, "tee", b.opts.ConfigPath)
	return err
}

func (b *FileBackend) readKeyFile(ctx context.Context, path string) (string, error) {
	out, err := b.run(ctx, "", "cat", path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func toPeer(p wireguard.Peer) Peer {
	var ip string
	if len(p.AllowedIPs) > 0 {
		ip, _, _ = strings.Cut(p.AllowedIPs[0], "/")
	}
	return Peer{
		ID:           p.PublicKey,
		Name:         p.Name,
		IP:           ip,
		PublicKey:    p.PublicKey,
		PresharedKey: p.PresharedKey,
		Enabled:      !p.Disabled,
	}
}

// canonicalKey accepts public keys in URL-safe base64 as well.
func canonicalKey(id string) string {
	return strings.NewReplacer("-", "+", "_", "/").Replace(strings.TrimSpace(id))
}

// ListPeers implements Backend, including disabled peers.
func (b *FileBackend) ListPeers(ctx context.Context) ([]Peer, error) {
	_, config, err := b.readConfig(ctx)
	if err != nil {
		return nil, err
	}
	peers := make([]Peer, 0, len(config.Peers))
	for _, p := range config.Peers {
		peers = append(peers, toPeer(p))
	}
	return peers, nil
}

// allocateIP returns the lowest host address of the subnet not claimed by
// any peer stanza (disabled ones included) or by the interface itself.
func (b *FileBackend) allocateIP(config *wireguard.ServerConfig) (string, error) {
	pool, err := network.NewIPPool(b.opts.Subnet)
	if err != nil {
		return "", err
	}

	if host, _, ok := strings.Cut(config.Address, "/"); ok {
		pool.Reserve(host)
	}
	for _, p := range config.Peers {
		for _, allowed := range p.AllowedIPs {
			host, _, _ := strings.Cut(allowed, "/")
			pool.Reserve(host)
		}
	}

	ip, err := pool.AllocateIP()
	if errors.Is(err, network.ErrPoolExhausted) {
		return "", fmt.Errorf("%w: no free address in %s", ErrExhausted, b.opts.Subnet)
	}
	return ip, err
}

// NextAvailableIdentity implements Backend and returns the next free IP.
func (b *FileBackend) NextAvailableIdentity(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, config, err := b.readConfig(ctx)
	if err != nil {
		return "", err
	}
	return b.allocateIP(config)
}

func (b *FileBackend) generateKeys(ctx context.Context) (*wireguard.KeyPair, error) {
	if b.opts.LocalKeygen {
		return wireguard.GenerateKeyPair()
	}

	priv, err := b.run(ctx, "", "wg", "genkey")
	if err != nil {
		return nil, err
	}
	priv = strings.TrimSpace(priv)
	pub, err := b.run(ctx, priv+"\n", "wg", "pubkey")
	if err != nil {
		return nil, err
	}

	kp := &wireguard.KeyPair{PrivateKey: priv, PublicKey: strings.TrimSpace(pub)}
	if err := kp.Verify(); err != nil {
		return nil, fmt.Errorf("%w: remote key pair unusable: %v", ErrRegistration, err)
	}
	return kp, nil
}

func (b *FileBackend) serverParams(ctx context.Context, config *wireguard.ServerConfig) (*wireguard.ServerParams, error) {
	pub, err := b.readKeyFile(ctx, b.opts.ServerPublicKeyPath)
	if err != nil {
		return nil, err
	}
	if _, err := wireguard.ParseKey(pub); err != nil {
		return nil, fmt.Errorf("%w: server public key: %v", ErrRegistration, err)
	}
	psk, err := b.readKeyFile(ctx, b.opts.PSKPath)
	if err != nil {
		return nil, err
	}

	if config.ListenPort == 0 {
		return nil, fmt.Errorf("%w: server configuration has no ListenPort", ErrRegistration)
	}

	return &wireguard.ServerParams{
		ListenPort:   config.ListenPort,
		Obfuscation:  config.Obfuscation,
		PublicKey:    pub,
		PresharedKey: psk,
	}, nil
}

// applyLive adds or updates the peer on the running interface. The
// preshared key travels on stdin so it never appears in a command line.
func (b *FileBackend) applyLive(ctx context.Context, p wireguard.Peer) error {
	args := []string{"wg", "set", b.opts.Interface, "peer", p.PublicKey}
	stdin := ""
	if p.PresharedKey != "" {
		args = append(args, "preshared-key", "/dev/stdin")
		stdin = p.PresharedKey + "\n"
	}
	args = append(args, "allowed-ips", strings.Join(p.AllowedIPs, ","))

	_, err := b.run(ctx, stdin, args...)
	return err
}

func (b *FileBackend) removeLive(ctx context.Context, publicKey string) error {
	_, err := b.run(ctx, "", "wg", "set", b.opts.Interface, "peer", publicKey, "remove")
	return err
}

// removeStanza re-reads the file and drops the stanza for publicKey.
func (b *FileBackend) removeStanza(ctx context.Context, publicKey string) error {
	text, _, err := b.readConfig(ctx)
	if err != nil {
		return err
	}
	updated, ok := wireguard.RemovePeer(text, publicKey)
	if !ok {
		return nil
	}
	return b.writeConfig(ctx, updated)
}

// Register implements Backend. The steps run under the backend mutex:
// allocate an address, generate keys, read server parameters, append the
// stanza, apply it live. When the live apply fails the stanza is removed
// again; if that fails too an *InconsistentStateError is returned.
func (b *FileBackend) Register(ctx context.Context, label string) (*Registration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	logger := b.log.WithField("label", label)

	_, config, err := b.readConfig(ctx)
	if err != nil {
		return nil, err
	}
	ip, err := b.allocateIP(config)
	if err != nil {
		return nil, err
	}
	logger = logger.WithField("ip", ip)
	logger.Debug("Address allocated")

	kp, err := b.generateKeys(ctx)
	if err != nil {
		return nil, err
	}
	params, err := b.serverParams(ctx, config)
	if err != nil {
		return nil, err
	}

	stanza := wireguard.Peer{
		Name:         label,
		PublicKey:    kp.PublicKey,
		PresharedKey: params.PresharedKey,
		AllowedIPs:   []string{ip + "/32"},
	}
	if _, err := b.run(ctx, wireguard.PeerStanza(stanza), "tee", "-a", b.opts.ConfigPath); err != nil {
		return nil, err
	}

	if err := b.applyLive(ctx, stanza); err != nil {
		logger.WithError(err).Warn("Live apply failed, removing stanza")
		if rbErr := b.removeStanza(ctx, kp.PublicKey); rbErr != nil {
			return nil, &InconsistentStateError{
				Label:     label,
				PublicKey: kp.PublicKey,
				Step:      "live apply",
				Err:       errors.Join(err, rbErr),
			}
		}
		return nil, err
	}

	logger.WithField("public_key", kp.PublicKey).Info("Peer registered")
	return &Registration{
		Peer:       toPeer(stanza),
		PrivateKey: kp.PrivateKey,
		Params:     params,
	}, nil
}

func (b *FileBackend) findPeer(ctx context.Context, id string) (string, *wireguard.Peer, error) {
	text, config, err := b.readConfig(ctx)
	if err != nil {
		return "", nil, err
	}
	peer, ok := config.FindPeer(canonicalKey(id))
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	return text, peer, nil
}

// EnablePeer implements Backend. Enabling an enabled peer re-applies it
// to the live interface.
func (b *FileBackend) EnablePeer(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	text, peer, err := b.findPeer(ctx, id)
	if err != nil {
		return err
	}
	if peer.Disabled {
		updated, _ := wireguard.SetPeerDisabled(text, peer.PublicKey, false)
		if err := b.writeConfig(ctx, updated); err != nil {
			return err
		}
	}
	return b.applyLive(ctx, *peer)
}

// DisablePeer implements Backend. The stanza stays in the file, commented
// out, and the peer is removed from the live interface.
func (b *FileBackend) DisablePeer(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	text, peer, err := b.findPeer(ctx, id)
	if err != nil {
		return err
	}
	if !peer.Disabled {
		updated, _ := wireguard.SetPeerDisabled(text, peer.PublicKey, true)
		if err := b.writeConfig(ctx, updated); err != nil {
			return err
		}
	}
	return b.removeLive(ctx, peer.PublicKey)
}

// DeletePeer implements Backend.
func (b *FileBackend) DeletePeer(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	text, peer, err := b.findPeer(ctx, id)
	if err != nil {
		return err
	}
	updated, _ := wireguard.RemovePeer(text, peer.PublicKey)
	if err := b.writeConfig(ctx, updated); err != nil {
		return err
	}
	return b.removeLive(ctx, peer.PublicKey)
}

// PeerStatus implements Backend with the raw "wg show" output.
func (b *FileBackend) PeerStatus(ctx context.Context) (string, error) {
	return b.run(ctx, "", "wg", "show")
}

// Reconcile re-applies every enabled peer of the config file that is
// missing from the live interface and returns how many were applied.
func (b *FileBackend) Reconcile(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, config, err := b.readConfig(ctx)
	if err != nil {
		return 0, err
	}
	out, err := b.run(ctx, "", "wg", "show", b.opts.Interface, "peers")
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		if key := strings.TrimSpace(line); key != "" {
			live[key] = true
		}
	}

	applied := 0
	for _, p := range config.Peers {
		if p.Disabled || live[p.PublicKey] {
			continue
		}
		if err := b.applyLive(ctx, p); err != nil {
			return applied, err
		}
		b.log.WithFields(logrus.Fields{"label": p.Name, "public_key": p.PublicKey}).Info("Peer re-applied")
		applied++
	}
	return applied, nil
}
