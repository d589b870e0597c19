package wireguard

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Obfuscation knob names, in the order they appear in an [Interface] block.
var Knobs = []string{"Jc", "Jmin", "Jmax", "S1", "S2", "H1", "H2", "H3", "H4"}

// DefaultObfuscation holds the value used for a knob the server does not report.
var DefaultObfuscation = map[string]int64{
	"Jc":   2,
	"Jmin": 10,
	"Jmax": 50,
	"S1":   25,
	"S2":   87,
	"H1":   0,
	"H2":   0,
	"H3":   0,
	"H4":   0,
}

const (
	// DefaultDNS is handed to clients when no resolver is configured.
	DefaultDNS = "8.8.8.8"
	// KeepaliveSeconds is the fixed PersistentKeepalive of every client.
	KeepaliveSeconds = 25
)

// ServerParams carries the live server values a client configuration is
// built from. They are read from the server at provisioning time and are
// never cached between requests.
type ServerParams struct {
	ListenPort   int              // UDP port of the server interface
	Obfuscation  map[string]int64 // Knobs reported by the server; missing knobs use defaults
	PublicKey    string           // Base64 server public key
	PresharedKey string           // Base64 preshared key shared by all peers (optional)
}

// Knob returns the server-reported value of an obfuscation knob, falling
// back to DefaultObfuscation.
func (p *ServerParams) Knob(name string) int64 {
	if v, ok := p.Obfuscation[name]; ok {
		return v
	}
	return DefaultObfuscation[name]
}

// ClientConfig represents the client side of one provisioned peer.
type ClientConfig struct {
	PrivateKey      string           // Base64 client private key; empty when the backend keeps it
	Address         string           // Client address with prefix, e.g. "10.8.1.2/32"
	DNS             []string         // Resolvers pushed to the client
	Obfuscation     map[string]int64 // Resolved knob values
	ServerPublicKey string           // Base64 server public key
	PresharedKey    string           // Base64 preshared key (optional)
	AllowedIPs      []string         // Routed through the tunnel
	Endpoint        string           // Server "host:port"
	Keepalive       int              // PersistentKeepalive in seconds
}

// NewClientConfig assembles a client configuration for ip from the live
// server parameters. serverHost is the address clients dial; dns may be
// empty, in which case DefaultDNS is used.
func NewClientConfig(privateKey, ip, serverHost string, params *ServerParams, dns []string) *ClientConfig {
	if len(dns) == 0 {
		dns = []string{DefaultDNS}
	}

	knobs := make(map[string]int64, len(Knobs))
	for _, name := range Knobs {
		knobs[name] = params.Knob(name)
	}

	return &ClientConfig{
		PrivateKey:      privateKey,
		Address:         fmt.Sprintf("%s/32", ip),
		DNS:             dns,
		Obfuscation:     knobs,
		ServerPublicKey: params.PublicKey,
		PresharedKey:    params.PresharedKey,
		AllowedIPs:      []string{"0.0.0.0/0"},
		Endpoint:        net.JoinHostPort(serverHost, strconv.Itoa(params.ListenPort)),
		Keepalive:       KeepaliveSeconds,
	}
}

// GenerateConfigFile renders the client configuration in awg-quick format:
// an [Interface] block with the obfuscation knobs followed by a single
// [Peer] block for the server.
func (cc *ClientConfig) GenerateConfigFile() string {
	var config strings.Builder

	config.WriteString("[Interface]\n")
	if cc.PrivateKey != "" {
		fmt.Fprintf(&config, "PrivateKey = %s\n", cc.PrivateKey)
	}
	fmt.Fprintf(&config, "Address = %s\n", cc.Address)
	if len(cc.DNS) > 0 {
		fmt.Fprintf(&config, "DNS = %s\n", strings.Join(cc.DNS, ", "))
	}
	for _, name := range Knobs {
		if v, ok := cc.Obfuscation[name]; ok {
			fmt.Fprintf(&config, "%s = %d\n", name, v)
		}
	}

	config.WriteString("\n[Peer]\n")
	fmt.Fprintf(&config, "PublicKey = %s\n", cc.ServerPublicKey)
	if cc.PresharedKey != "" {
		fmt.Fprintf(&config, "PresharedKey = %s\n", cc.PresharedKey)
	}
	fmt.Fprintf(&config, "AllowedIPs = %s\n", strings.Join(cc.AllowedIPs, ", "))
	fmt.Fprintf(&config, "Endpoint = %s\n", cc.Endpoint)
	if cc.Keepalive > 0 {
		fmt.Fprintf(&config, "PersistentKeepalive = %d\n", cc.Keepalive)
	}

	return config.String()
}

// IP returns the client address without its prefix length.
func (cc *ClientConfig) IP() string {
	ip, _, found := strings.Cut(cc.Address, "/")
	if !found {
		return cc.Address
	}
	return ip
}

// EndpointHostPort splits Endpoint into host and numeric port.
func (cc *ClientConfig) EndpointHostPort() (string, int, error) {
	host, portStr, err := net.SplitHostPort(cc.Endpoint)
	if err != nil {
		return "", 0, fmt.Errorf("invalid endpoint %q: %w", cc.Endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid endpoint port %q: %w", portStr, err)
	}
	return host, port, nil
}

// ParseClientConfig reads a client configuration produced by
// GenerateConfigFile or exported by a management API.
func ParseClientConfig(text string) (*ClientConfig, error) {
	sections := parseSections(splitLines(text))

	var iface, peer *section
	for i := range sections {
		switch sections[i].name {
		case "Interface":
			if iface == nil {
				iface = &sections[i]
			}
		case "Peer":
			if peer == nil {
				peer = &sections[i]
			}
		}
	}
	if iface == nil || peer == nil {
		return nil, fmt.Errorf("configuration must contain [Interface] and [Peer] sections")
	}

	cc := &ClientConfig{
		PrivateKey:      iface.get("PrivateKey"),
		Address:         iface.get("Address"),
		DNS:             splitList(iface.get("DNS")),
		Obfuscation:     make(map[string]int64),
		ServerPublicKey: peer.get("PublicKey"),
		PresharedKey:    peer.get("PresharedKey"),
		AllowedIPs:      splitList(peer.get("AllowedIPs")),
		Endpoint:        peer.get("Endpoint"),
	}

	for _, name := range Knobs {
		raw := iface.get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q: %w", name, raw, err)
		}
		cc.Obfuscation[name] = v
	}

	if raw := peer.get("PersistentKeepalive"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid PersistentKeepalive %q: %w", raw, err)
		}
		cc.Keepalive = v
	}

	if cc.Address == "" {
		return nil, fmt.Errorf("configuration has no Address")
	}
	return cc, nil
}
