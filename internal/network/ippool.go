// Package network provides IP address pool management for VPN peers.
// A pool is rebuilt from the live server configuration on every allocation,
// so it tracks which host addresses of the subnet are taken and hands out
// the lowest free one.
package network

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// ErrPoolExhausted is returned by AllocateIP when every host address is taken.
var ErrPoolExhausted = errors.New("no available IP addresses in pool")

// IPPool manages the host addresses of one IPv4 subnet.
// Network and broadcast addresses are never handed out.
type IPPool struct {
	mu     sync.Mutex
	prefix netip.Prefix            // Masked subnet, e.g. 10.8.1.0/24
	first  netip.Addr              // Lowest host address
	last   netip.Addr              // Highest host address
	used   map[netip.Addr]struct{} // Host addresses currently taken
}

// NewIPPool creates an empty pool for the given IPv4 CIDR. The network must
// leave at least two host bits (/30 or larger).
func NewIPPool(cidr string) (*IPPool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR: %w", err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("IPv6 not supported")
	}
	prefix = prefix.Masked()

	hostBits := 32 - prefix.Bits()
	if hostBits < 2 {
		return nil, fmt.Errorf("network too small, need at least /30")
	}

	base := prefix.Addr().As4()
	broadcast := (uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])) | (1<<hostBits - 1)
	last := netip.AddrFrom4([4]byte{byte(broadcast >> 24), byte(broadcast >> 16), byte(broadcast >> 8), byte(broadcast)}).Prev()

	return &IPPool{
		prefix: prefix,
		first:  prefix.Addr().Next(),
		last:   last,
		used:   make(map[netip.Addr]struct{}),
	}, nil
}

// parseHost returns ip as an address of the pool's host range.
func (p *IPPool) parseHost(ip string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.Addr{}, false
	}
	addr = addr.Unmap()
	if !p.prefix.Contains(addr) || addr.Compare(p.first) < 0 || addr.Compare(p.last) > 0 {
		return netip.Addr{}, false
	}
	return addr, true
}

// Reserve marks an address as used. Addresses outside the pool, and the
// network and broadcast addresses, are ignored and reported as false.
func (p *IPPool) Reserve(ip string) bool {
	addr, ok := p.parseHost(ip)
	if !ok {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.used[addr] = struct{}{}
	return true
}

// AllocateIP allocates the lowest free host address and marks it used.
// It returns ErrPoolExhausted when every host address is taken.
func (p *IPPool) AllocateIP() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for addr := p.first; addr.Compare(p.last) <= 0; addr = addr.Next() {
		if _, taken := p.used[addr]; !taken {
			p.used[addr] = struct{}{}
			return addr.String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrPoolExhausted, p.prefix)
}
