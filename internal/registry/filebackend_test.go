package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/kballard/go-shellquote"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"awg-admin/internal/wireguard"
)

const (
	testPSK     = "cHJlc2hhcmVkLWtleS1iYXNlNjQtZW5jb2RlZC12YWw9"
	slashedPeer = "c2xhc2hl+ZC9wZWVy/a2V5="
)

const testServerConfig = `[Interface]
PrivateKey = c2VydmVyLXByaXZhdGU=
Address = 10.8.1.0/24
ListenPort = 47123
Jc = 3
Jmin = 10
Jmax = 50
S1 = 101
S2 = 33
H1 = 1500000001
H2 = 1500000002
H3 = 1500000003
H4 = 1500000004

[Peer]
PublicKey = cGVlci1vbmU=
PresharedKey = ` + testPSK + `
AllowedIPs = 10.8.1.1/32

[Peer]
# Name = Bob_20240101_101010
PublicKey = ` + slashedPeer + `
PresharedKey = ` + testPSK + `
AllowedIPs = 10.8.1.3/32
`

func newTestFileBackend(t *testing.T, config string, opts FileOptions) (*FileBackend, *fakeHost, string) {
	t.Helper()

	serverKey, err := wireguard.GenerateKeyPair()
	require.NoError(t, err)

	host := newFakeHost()
	host.files[DefaultConfigPath] = config
	host.files[DefaultServerPublicKeyPath] = serverKey.PublicKey + "\n"
	host.files[DefaultPSKPath] = testPSK + "\n"
	host.live["cGVlci1vbmU="] = livePeer{allowedIPs: "10.8.1.1/32", presharedKey: testPSK}
	host.live[slashedPeer] = livePeer{allowedIPs: "10.8.1.3/32", presharedKey: testPSK}

	logger, _ := test.NewNullLogger()
	opts.Logger = logger
	backend, err := NewFileBackend(host, opts)
	require.NoError(t, err)

	return backend, host, serverKey.PublicKey
}

func fullServerConfig() string {
	var b strings.Builder
	b.WriteString("[Interface]\nAddress = 10.8.1.0/24\nListenPort = 51820\n")
	for i := 1; i <= 254; i++ {
		fmt.Fprintf(&b, "\n[Peer]\nPublicKey = peer%d=\nAllowedIPs = 10.8.1.%d/32\n", i, i)
	}
	return b.String()
}

func TestNewFileBackend(t *testing.T) {
	t.Run("should require an executor", func(t *testing.T) {
		_, err := NewFileBackend(nil, FileOptions{})
		assert.Error(t, err)
	})

	t.Run("should reject an invalid subnet", func(t *testing.T) {
		_, err := NewFileBackend(newFakeHost(), FileOptions{Subnet: "10.8.1.0/31"})
		assert.Error(t, err)
	})

	t.Run("should apply container defaults", func(t *testing.T) {
		backend, err := NewFileBackend(newFakeHost(), FileOptions{})
		require.NoError(t, err)
		assert.Equal(t, "file", backend.Name())
		assert.Equal(t, "docker exec -i amnezia-awg cat /opt/amnezia/awg/wg0.conf", backend.remote("cat", DefaultConfigPath))
	})
}

func TestFileBackend_ListPeers(t *testing.T) {
	backend, _, _ := newTestFileBackend(t, testServerConfig, FileOptions{})

	peers, err := backend.ListPeers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 2)

	assert.Equal(t, "cGVlci1vbmU=", peers[0].ID)
	assert.Equal(t, "10.8.1.1", peers[0].IP)
	assert.True(t, peers[0].Enabled)

	assert.Equal(t, "Bob_20240101_101010", peers[1].Name)
	assert.Equal(t, "10.8.1.3", peers[1].IP)
	assert.Equal(t, testPSK, peers[1].PresharedKey)
}

func TestFileBackend_NextAvailableIdentity(t *testing.T) {
	t.Run("should return the lowest free address", func(t *testing.T) {
		backend, _, _ := newTestFileBackend(t, testServerConfig, FileOptions{})

		ip, err := backend.NextAvailableIdentity(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "10.8.1.2", ip)
	})

	t.Run("should start at the first host of an empty subnet", func(t *testing.T) {
		backend, _, _ := newTestFileBackend(t, "[Interface]\nAddress = 10.8.1.0/24\nListenPort = 51820\n", FileOptions{})

		ip, err := backend.NextAvailableIdentity(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "10.8.1.1", ip)
	})

	t.Run("should skip the interface address", func(t *testing.T) {
		backend, _, _ := newTestFileBackend(t, "[Interface]\nAddress = 10.8.1.1/24\nListenPort = 51820\n", FileOptions{})

		ip, err := backend.NextAvailableIdentity(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "10.8.1.2", ip)
	})

	t.Run("should ignore addresses outside the subnet", func(t *testing.T) {
		config := "[Interface]\nAddress = 10.8.1.0/24\n\n[Peer]\nPublicKey = x=\nAllowedIPs = 10.9.1.1/32\n"
		backend, _, _ := newTestFileBackend(t, config, FileOptions{})

		ip, err := backend.NextAvailableIdentity(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "10.8.1.1", ip)
	})

	t.Run("should fail when all 254 addresses are used", func(t *testing.T) {
		backend, _, _ := newTestFileBackend(t, fullServerConfig(), FileOptions{})

		_, err := backend.NextAvailableIdentity(context.Background())
		assert.ErrorIs(t, err, ErrExhausted)
	})

	t.Run("should surface a missing container", func(t *testing.T) {
		backend, _, _ := newTestFileBackend(t, testServerConfig, FileOptions{Container: "other"})

		_, err := backend.NextAvailableIdentity(context.Background())
		var commErr *CommunicationError
		require.ErrorAs(t, err, &commErr)
		assert.Contains(t, commErr.Message, "No such container")
	})
}

func TestFileBackend_Register(t *testing.T) {
	t.Run("should append the stanza and apply it live", func(t *testing.T) {
		backend, host, serverPub := newTestFileBackend(t, testServerConfig, FileOptions{})

		reg, err := backend.Register(context.Background(), "Alice_20240601_143000")
		require.NoError(t, err)

		assert.Equal(t, "10.8.1.2", reg.Peer.IP)
		assert.Equal(t, "Alice_20240601_143000", reg.Peer.Name)
		assert.True(t, reg.Peer.Enabled)
		assert.Equal(t, reg.Peer.PublicKey, reg.Peer.ID)
		assert.Empty(t, reg.ConfigText)

		kp := wireguard.KeyPair{PrivateKey: reg.PrivateKey, PublicKey: reg.Peer.PublicKey}
		assert.NoError(t, kp.Verify())

		require.NotNil(t, reg.Params)
		assert.Equal(t, 47123, reg.Params.ListenPort)
		assert.Equal(t, serverPub, reg.Params.PublicKey)
		assert.Equal(t, testPSK, reg.Params.PresharedKey)
		assert.Equal(t, int64(101), reg.Params.Knob("S1"))

		config := host.file(DefaultConfigPath)
		assert.True(t, strings.HasPrefix(config, testServerConfig))
		assert.Contains(t, config, "\n[Peer]\n# Name = Alice_20240601_143000\nPublicKey = "+reg.Peer.PublicKey+"\n")
		assert.Contains(t, config, "AllowedIPs = 10.8.1.2/32\n")

		live, ok := host.livePeer(reg.Peer.PublicKey)
		require.True(t, ok)
		assert.Equal(t, "10.8.1.2/32", live.allowedIPs)
		assert.Equal(t, testPSK, live.presharedKey)
	})

	t.Run("should keep secrets out of command lines", func(t *testing.T) {
		backend, host, _ := newTestFileBackend(t, testServerConfig, FileOptions{})

		reg, err := backend.Register(context.Background(), "Alice_20240601_143000")
		require.NoError(t, err)

		for _, c := range host.commands {
			assert.NotContains(t, c, testPSK)
			assert.NotContains(t, c, reg.PrivateKey)
		}
	})

	t.Run("should generate keys locally when configured", func(t *testing.T) {
		backend, host, _ := newTestFileBackend(t, testServerConfig, FileOptions{LocalKeygen: true})

		reg, err := backend.Register(context.Background(), "Alice_20240601_143000")
		require.NoError(t, err)
		assert.False(t, host.ranCommand("wg genkey"))

		kp := wireguard.KeyPair{PrivateKey: reg.PrivateKey, PublicKey: reg.Peer.PublicKey}
		assert.NoError(t, kp.Verify())
	})

	t.Run("should reject a mismatched remote key pair", func(t *testing.T) {
		backend, host, _ := newTestFileBackend(t, testServerConfig, FileOptions{})
		host.badPubkey = true

		_, err := backend.Register(context.Background(), "Alice_20240601_143000")
		assert.ErrorIs(t, err, ErrRegistration)
		assert.Equal(t, testServerConfig, host.file(DefaultConfigPath))
	})

	t.Run("should refuse a server configuration without a listen port", func(t *testing.T) {
		config := strings.Replace(testServerConfig, "ListenPort = 47123\n", "", 1)
		backend, host, _ := newTestFileBackend(t, config, FileOptions{})

		_, err := backend.Register(context.Background(), "Alice_20240601_143000")
		assert.ErrorIs(t, err, ErrRegistration)
		assert.Contains(t, err.Error(), "ListenPort")
		assert.False(t, host.ranCommand("tee"))
	})

	t.Run("should fail when the pool is exhausted", func(t *testing.T) {
		backend, host, _ := newTestFileBackend(t, fullServerConfig(), FileOptions{})

		_, err := backend.Register(context.Background(), "Alice_20240601_143000")
		assert.ErrorIs(t, err, ErrExhausted)
		assert.False(t, host.ranCommand("tee"))
	})

	t.Run("should remove the stanza when the live apply fails", func(t *testing.T) {
		backend, host, _ := newTestFileBackend(t, testServerConfig, FileOptions{})
		host.setFailure("wg set", exitError("wg set", 1, "Unable to modify interface"))

		_, err := backend.Register(context.Background(), "Alice_20240601_143000")
		var commErr *CommunicationError
		require.ErrorAs(t, err, &commErr)
		assert.Equal(t, "Unable to modify interface", commErr.Message)

		assert.Equal(t, testServerConfig, host.file(DefaultConfigPath))
	})

	t.Run("should report inconsistent state when compensation fails", func(t *testing.T) {
		backend, host, _ := newTestFileBackend(t, testServerConfig, FileOptions{})
		host.setFailure("wg set", exitError("wg set", 1, "Unable to modify interface"))
		host.setFailure("tee "+DefaultConfigPath, exitError("tee", 1, "Read-only file system"))

		_, err := backend.Register(context.Background(), "Alice_20240601_143000")
		var stateErr *InconsistentStateError
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, "Alice_20240601_143000", stateErr.Label)
		assert.Equal(t, "live apply", stateErr.Step)
		assert.Contains(t, host.file(DefaultConfigPath), stateErr.PublicKey)

		var commErr *CommunicationError
		assert.ErrorAs(t, err, &commErr)
	})

	t.Run("should hand out distinct addresses to concurrent registrations", func(t *testing.T) {
		backend, host, _ := newTestFileBackend(t, testServerConfig, FileOptions{})

		const workers = 8
		var wg sync.WaitGroup
		ips := make([]string, workers)
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				reg, err := backend.Register(context.Background(), fmt.Sprintf("User%d_20240601_143000", i))
				errs[i] = err
				if err == nil {
					ips[i] = reg.Peer.IP
				}
			}(i)
		}
		wg.Wait()

		seen := make(map[string]bool)
		for i := 0; i < workers; i++ {
			require.NoError(t, errs[i])
			assert.False(t, seen[ips[i]], "duplicate address %s", ips[i])
			seen[ips[i]] = true
		}
		assert.False(t, seen["10.8.1.1"])
		assert.False(t, seen["10.8.1.3"])

		config, err := wireguard.ParseServerConfig(host.file(DefaultConfigPath))
		require.NoError(t, err)
		assert.Len(t, config.Peers, workers+2)
	})
}

func TestFileBackend_DisableEnable(t *testing.T) {
	ctx := context.Background()

	t.Run("should comment out the stanza and drop the live peer", func(t *testing.T) {
		backend, host, _ := newTestFileBackend(t, testServerConfig, FileOptions{})

		require.NoError(t, backend.DisablePeer(ctx, slashedPeer))

		assert.Contains(t, host.file(DefaultConfigPath), "#~ PublicKey = "+slashedPeer)
		_, live := host.livePeer(slashedPeer)
		assert.False(t, live)

		peers, err := backend.ListPeers(ctx)
		require.NoError(t, err)
		assert.False(t, peers[1].Enabled)

		ip, err := backend.NextAvailableIdentity(ctx)
		require.NoError(t, err)
		assert.Equal(t, "10.8.1.2", ip)
	})

	t.Run("should restore the stanza and the live peer", func(t *testing.T) {
		backend, host, _ := newTestFileBackend(t, testServerConfig, FileOptions{})
		require.NoError(t, backend.DisablePeer(ctx, slashedPeer))

		require.NoError(t, backend.EnablePeer(ctx, slashedPeer))

		assert.Equal(t, testServerConfig, host.file(DefaultConfigPath))
		live, ok := host.livePeer(slashedPeer)
		require.True(t, ok)
		assert.Equal(t, "10.8.1.3/32", live.allowedIPs)
		assert.Equal(t, testPSK, live.presharedKey)
	})

	t.Run("should accept url-safe ids", func(t *testing.T) {
		backend, _, _ := newTestFileBackend(t, testServerConfig, FileOptions{})

		urlSafe := strings.NewReplacer("+", "-", "/", "_").Replace(slashedPeer)
		assert.NoError(t, backend.DisablePeer(ctx, urlSafe))
		assert.NoError(t, backend.DisablePeer(ctx, urlSafe))
	})

	t.Run("should report unknown peers", func(t *testing.T) {
		backend, _, _ := newTestFileBackend(t, testServerConfig, FileOptions{})

		assert.ErrorIs(t, backend.EnablePeer(ctx, "missing="), ErrPeerNotFound)
		assert.ErrorIs(t, backend.DisablePeer(ctx, "missing="), ErrPeerNotFound)
	})
}

func TestFileBackend_DeletePeer(t *testing.T) {
	ctx := context.Background()
	backend, host, _ := newTestFileBackend(t, testServerConfig, FileOptions{})

	t.Run("should remove the stanza and the live peer", func(t *testing.T) {
		require.NoError(t, backend.DeletePeer(ctx, "cGVlci1vbmU="))

		assert.NotContains(t, host.file(DefaultConfigPath), "cGVlci1vbmU=")
		_, live := host.livePeer("cGVlci1vbmU=")
		assert.False(t, live)

		ip, err := backend.NextAvailableIdentity(ctx)
		require.NoError(t, err)
		assert.Equal(t, "10.8.1.1", ip)
	})

	t.Run("should report an already deleted peer", func(t *testing.T) {
		assert.ErrorIs(t, backend.DeletePeer(ctx, "cGVlci1vbmU="), ErrPeerNotFound)
	})
}

func TestFileBackend_PeerStatus(t *testing.T) {
	backend, _, _ := newTestFileBackend(t, testServerConfig, FileOptions{})

	status, err := backend.PeerStatus(context.Background())
	require.NoError(t, err)
	assert.Contains(t, status, "interface: wg0")
	assert.Contains(t, status, "peer: cGVlci1vbmU=")
}

func TestFileBackend_Reconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("should re-apply enabled peers missing from the interface", func(t *testing.T) {
		backend, host, _ := newTestFileBackend(t, testServerConfig, FileOptions{})
		delete(host.live, slashedPeer)

		applied, err := backend.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, applied)

		live, ok := host.livePeer(slashedPeer)
		require.True(t, ok)
		assert.Equal(t, "10.8.1.3/32", live.allowedIPs)
	})

	t.Run("should leave disabled peers down", func(t *testing.T) {
		backend, host, _ := newTestFileBackend(t, testServerConfig, FileOptions{})
		require.NoError(t, backend.DisablePeer(ctx, slashedPeer))

		applied, err := backend.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, applied)
		_, live := host.livePeer(slashedPeer)
		assert.False(t, live)
	})
}

func TestFileBackend_Remote(t *testing.T) {
	t.Run("should keep every argument intact through the shell", func(t *testing.T) {
		backend, _, _ := newTestFileBackend(t, testServerConfig, FileOptions{Container: "awg $(id) 'x'"})

		args := []string{"wg", "set", "wg0", "peer", slashedPeer, "allowed-ips", "10.8.1.2/32", "a;b|c", "tab\there"}
		words, err := shellquote.Split(backend.remote(args...))
		require.NoError(t, err)
		assert.Equal(t, append([]string{"docker", "exec", "-i", "awg $(id) 'x'"}, args...), words)
	})

	t.Run("should leave plain words unquoted", func(t *testing.T) {
		backend, _, _ := newTestFileBackend(t, testServerConfig, FileOptions{})
		assert.Equal(t, "docker exec -i amnezia-awg cat /opt/amnezia/awg/wg0.conf", backend.remote("cat", DefaultConfigPath))
	})
}

func TestCommunicationError(t *testing.T) {
	t.Run("should unwrap the transport error", func(t *testing.T) {
		err := &CommunicationError{Op: "ssh host:22", Err: context.DeadlineExceeded}
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, "ssh host:22: context deadline exceeded", err.Error())
	})

	t.Run("should carry the remote message", func(t *testing.T) {
		err := &CommunicationError{Op: "GET /api/wireguard/client", Status: 401, Message: "Unauthorized"}
		assert.Equal(t, "GET /api/wireguard/client failed (401): Unauthorized", err.Error())
		assert.False(t, errors.Is(err, context.Canceled))
	})
}
