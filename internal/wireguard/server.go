package wireguard

import (
	"fmt"
	"strconv"
	"strings"
)

// ServerConfig is the parsed server-side configuration file: the
// interface settings the client needs plus every peer stanza.
type ServerConfig struct {
	Address     string           // Interface Address, e.g. "10.8.1.0/24"
	ListenPort  int              // Interface ListenPort
	Obfuscation map[string]int64 // Knobs present in the [Interface] block
	Peers       []Peer           // Peer stanzas in file order, including disabled ones
}

// Peer is one [Peer] stanza of the server configuration.
type Peer struct {
	Name         string   `json:"name,omitempty"`                 // From the "# Name = ..." comment, if any
	PublicKey    string   `json:"public_key"`                     // Base64 peer public key
	PresharedKey string   `json:"-"`                              // Never exposed
	AllowedIPs   []string `json:"allowed_ips"`                    // Usually a single "<ip>/32"
	Disabled     bool     `json:"disabled"`                       // Stanza commented out with the disabled marker
	Keepalive    int      `json:"persistent_keepalive,omitempty"` // PersistentKeepalive, 0 when unset
}

// ParseServerConfig parses the server configuration text. Unknown keys are
// ignored; malformed numeric values are reported.
func ParseServerConfig(text string) (*ServerConfig, error) {
	config := &ServerConfig{Obfuscation: make(map[string]int64)}

	for _, s := range parseSections(splitLines(text)) {
		switch s.name {
		case "Interface":
			if s.disabled {
				continue
			}
			config.Address = s.get("Address")
			if raw := s.get("ListenPort"); raw != "" {
				port, err := strconv.Atoi(raw)
				if err != nil {
					return nil, fmt.Errorf("invalid ListenPort %q: %w", raw, err)
				}
				config.ListenPort = port
			}
			for _, name := range Knobs {
				raw := s.get(name)
				if raw == "" {
					continue
				}
				v, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid %s value %q: %w", name, raw, err)
				}
				config.Obfuscation[name] = v
			}
		case "Peer":
			peer := Peer{
				Name:         s.get(nameKey),
				PublicKey:    s.get("PublicKey"),
				PresharedKey: s.get("PresharedKey"),
				AllowedIPs:   splitList(s.get("AllowedIPs")),
				Disabled:     s.disabled,
			}
			if raw := s.get("PersistentKeepalive"); raw != "" {
				if v, err := strconv.Atoi(raw); err == nil {
					peer.Keepalive = v
				}
			}
			if peer.PublicKey != "" {
				config.Peers = append(config.Peers, peer)
			}
		}
	}

	return config, nil
}

// FindPeer returns the stanza with the given public key.
func (sc *ServerConfig) FindPeer(publicKey string) (*Peer, bool) {
	for i := range sc.Peers {
		if sc.Peers[i].PublicKey == publicKey {
			return &sc.Peers[i], true
		}
	}
	return nil, false
}

// PeerStanza renders the [Peer] block appended to the server configuration
// for a newly provisioned client. The leading blank line keeps stanzas
// visually separated when appended to an existing file.
func PeerStanza(peer Peer) string {
	var b strings.Builder

	b.WriteString("\n[Peer]\n")
	if peer.Name != "" {
		fmt.Fprintf(&b, "# Name = %s\n", peer.Name)
	}
	fmt.Fprintf(&b, "PublicKey = %s\n", peer.PublicKey)
	if peer.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", peer.PresharedKey)
	}
	fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(peer.AllowedIPs, ", "))
	if peer.Keepalive > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", peer.Keepalive)
	}

	return b.String()
}

// RemovePeer returns text without the stanza whose PublicKey matches.
// The boolean is false when no such stanza exists.
func RemovePeer(text, publicKey string) (string, bool) {
	lines := splitLines(text)
	s, ok := findPeerSection(lines, publicKey)
	if !ok {
		return text, false
	}

	out := make([]string, 0, len(lines))
	out = append(out, lines[:s.start]...)
	out = append(out, lines[s.end:]...)
	return joinLines(out), true
}

// SetPeerDisabled comments out (disabled=true) or restores the stanza
// whose PublicKey matches. Blank lines inside the block are left as-is.
func SetPeerDisabled(text, publicKey string, disabled bool) (string, bool) {
	lines := splitLines(text)
	s, ok := findPeerSection(lines, publicKey)
	if !ok {
		return text, false
	}

	for i := s.start; i < s.end; i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			continue
		}
		stripped, isDisabled := stripDisabled(line)
		switch {
		case disabled && !isDisabled:
			lines[i] = disabledPrefix + stripped
		case !disabled && isDisabled:
			lines[i] = stripped
		}
	}
	return joinLines(lines), true
}

func findPeerSection(lines []string, publicKey string) (section, bool) {
	for _, s := range parseSections(lines) {
		if s.name == "Peer" && s.get("PublicKey") == publicKey {
			return s, true
		}
	}
	return section{}, false
}
