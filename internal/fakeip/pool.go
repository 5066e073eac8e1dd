package fakeip

import (
	"fmt"
	"net"
)

// poolSkip is the number of leading addresses excluded from allocation
// (network and gateway).
const poolSkip = 2

// Pool is a contiguous range of synthetic addresses carved out of a
// CIDR prefix. Offsets are stable: offset N always maps to the same
// address.
type Pool struct {
	base     net.IP
	network  *net.IPNet
	capacity uint32
}

// NewPool builds a pool from a CIDR prefix. The first two addresses of
// the prefix are never handed out.
func NewPool(cidr string) (*Pool, error) {
	base, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid fake-IP range %q: %v", cidr, err)
	}

	ones, bits := network.Mask.Size()
	hostBits := bits - ones
	if hostBits < 2 {
		return nil, fmt.Errorf("fake-IP range %q is too small (need at least 4 addresses)", cidr)
	}

	var capacity uint32
	if hostBits >= 32 {
		capacity = ^uint32(0) - poolSkip
	} else {
		capacity = (uint32(1) << hostBits) - poolSkip
	}

	return &Pool{
		base:     base.Mask(network.Mask),
		network:  network,
		capacity: capacity,
	}, nil
}

// Capacity returns the number of allocatable addresses.
func (p *Pool) Capacity() uint32 {
	return p.capacity
}

// Contains reports whether ip belongs to this pool's prefix, including
// the skipped leading addresses.
func (p *Pool) Contains(ip net.IP) bool {
	if p == nil || ip == nil {
		return false
	}
	return p.network.Contains(ip)
}

// IPAtOffset returns the address at the given allocation offset.
func (p *Pool) IPAtOffset(offset uint32) net.IP {
	ip := make(net.IP, len(p.base))
	copy(ip, p.base)

	carry := uint64(offset) + poolSkip
	for i := len(ip) - 1; i >= 0 && carry > 0; i-- {
		sum := uint64(ip[i]) + (carry & 0xff)
		ip[i] = byte(sum)
		carry = (carry >> 8) + (sum >> 8)
	}

	return ip
}

// OffsetOf returns the allocation offset of an address from this pool.
// The second return value is false when the address is outside the
// allocatable range.
func (p *Pool) OffsetOf(ip net.IP) (uint32, bool) {
	if !p.Contains(ip) {
		return 0, false
	}

	ip = normalizeIP(ip, len(p.base))
	if ip == nil {
		return 0, false
	}

	var diff uint64
	for i := 0; i < len(p.base); i++ {
		// base is masked, so byte-wise subtraction never borrows
		diff = diff<<8 + uint64(ip[i]) - uint64(p.base[i])
		if diff > uint64(p.capacity)+poolSkip {
			return 0, false
		}
	}

	if diff < poolSkip {
		return 0, false
	}
	offset := diff - poolSkip
	if offset >= uint64(p.capacity) {
		return 0, false
	}
	return uint32(offset), true
}

func normalizeIP(ip net.IP, size int) net.IP {
	if size == net.IPv4len {
		return ip.To4()
	}
	return ip.To16()
}
