package registry

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// fakeHost emulates the VPN host behind "docker exec -i <container>": a
// few files, the wg tool and the live interface peer table.
type fakeHost struct {
	mu        sync.Mutex
	container string
	files     map[string]string
	live      map[string]livePeer
	fail      map[string]error // keyed by command prefix inside the container
	badPubkey bool
	commands  []string
	stdins    []string
}

type livePeer struct {
	allowedIPs   string
	presharedKey string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		container: DefaultContainer,
		files:     make(map[string]string),
		live:      make(map[string]livePeer),
		fail:      make(map[string]error),
	}
}

func exitError(command string, status int, msg string) error {
	return &CommunicationError{Op: command, Status: status, Message: msg}
}

func (h *fakeHost) Run(ctx context.Context, command string, stdin io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &CommunicationError{Op: command, Err: err}
	}

	var in string
	if stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", err
		}
		in = string(data)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.commands = append(h.commands, command)
	h.stdins = append(h.stdins, in)

	fields, err := shellquote.Split(command)
	if err != nil {
		return "", exitError(command, 2, "syntax error: "+err.Error())
	}
	if len(fields) < 5 || fields[0] != "docker" || fields[1] != "exec" || fields[2] != "-i" {
		return "", exitError(command, 127, "unexpected command")
	}
	if fields[3] != h.container {
		return "", exitError(command, 1, "Error: No such container: "+fields[3])
	}
	args := fields[4:]

	joined := strings.Join(args, " ")
	for prefix, err := range h.fail {
		if strings.HasPrefix(joined, prefix) {
			return "", err
		}
	}

	switch {
	case args[0] == "cat" && len(args) == 2:
		content, ok := h.files[args[1]]
		if !ok {
			return "", exitError(command, 1, "cat: "+args[1]+": No such file or directory")
		}
		return content, nil

	case args[0] == "tee" && len(args) == 3 && args[1] == "-a":
		h.files[args[2]] += in
		return in, nil

	case args[0] == "tee" && len(args) == 2:
		h.files[args[1]] = in
		return in, nil

	case joined == "wg genkey":
		key, err := wgtypes.GeneratePrivateKey()
		if err != nil {
			return "", err
		}
		return key.String() + "\n", nil

	case joined == "wg pubkey":
		key, err := wgtypes.ParseKey(strings.TrimSpace(in))
		if err != nil {
			return "", exitError(command, 1, "Key is not the correct length or format")
		}
		if h.badPubkey {
			other, _ := wgtypes.GeneratePrivateKey()
			return other.PublicKey().String() + "\n", nil
		}
		return key.PublicKey().String() + "\n", nil

	case joined == "wg show":
		var out strings.Builder
		out.WriteString("interface: wg0\n")
		for _, key := range h.liveKeys() {
			out.WriteString("\npeer: " + key + "\n  allowed ips: " + h.live[key].allowedIPs + "\n")
		}
		return out.String(), nil

	case len(args) == 4 && args[0] == "wg" && args[1] == "show" && args[3] == "peers":
		return strings.Join(h.liveKeys(), "\n") + "\n", nil

	case len(args) >= 5 && args[0] == "wg" && args[1] == "set" && args[3] == "peer":
		key := args[4]
		rest := args[5:]
		if len(rest) == 1 && rest[0] == "remove" {
			delete(h.live, key)
			return "", nil
		}
		peer := h.live[key]
		for i := 0; i+1 < len(rest); i += 2 {
			switch rest[i] {
			case "allowed-ips":
				peer.allowedIPs = rest[i+1]
			case "preshared-key":
				peer.presharedKey = strings.TrimSpace(in)
			}
		}
		h.live[key] = peer
		return "", nil
	}

	return "", exitError(command, 127, "unsupported command: "+joined)
}

func (h *fakeHost) liveKeys() []string {
	keys := make([]string, 0, len(h.live))
	for k := range h.live {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (h *fakeHost) file(path string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.files[path]
}

func (h *fakeHost) livePeer(key string) (livePeer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.live[key]
	return p, ok
}

func (h *fakeHost) setFailure(prefix string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail[prefix] = err
}

func (h *fakeHost) ranCommand(prefix string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.commands {
		if strings.Contains(c, prefix) {
			return true
		}
	}
	return false
}
