// Package ippool implements address selection for scene networks: picking a
// random non-overlapping CIDR from a configured segment pool and sampling
// free fixed IPs from a subnet without replacement.
package ippool

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
)

// Errors returned by selection functions.
var (
	ErrNoFreeCIDR   = errors.New("no free cidr in segment pool")
	ErrPoolTooSmall = errors.New("not enough free addresses")
)

// Segment is a block of address space carved into subnets of PrefixLen bits.
type Segment struct {
	CIDR      string `json:"cidr" yaml:"cidr"`
	PrefixLen int    `json:"prefixLen" yaml:"prefixLen"`
}

// enumeration cap per segment, keeps huge segments from exploding
const maxCandidates = 4096

func ipToU32(ip net.IP) uint32 {
	ip = ip.To4()
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func u32ToIP(a uint32) net.IP {
	return net.IPv4(byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}

// Overlap reports whether two IPv4 networks share any addresses.
func Overlap(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}

func candidates(seg Segment) ([]*net.IPNet, error) {
	_, block, err := net.ParseCIDR(seg.CIDR)
	if err != nil {
		return nil, err
	}
	ones, bits := block.Mask.Size()
	if bits != 32 {
		return nil, fmt.Errorf("segment %s: only IPv4 segments are supported", seg.CIDR)
	}
	if seg.PrefixLen < ones || seg.PrefixLen > 30 {
		return nil, fmt.Errorf("segment %s: invalid prefix length %d", seg.CIDR, seg.PrefixLen)
	}

	size := uint32(1) << uint(32-seg.PrefixLen)
	count := uint32(1) << uint(seg.PrefixLen-ones)
	if count > maxCandidates {
		count = maxCandidates
	}

	mask := net.CIDRMask(seg.PrefixLen, 32)
	base := ipToU32(block.IP)
	subnets := make([]*net.IPNet, 0, count)
	for i := uint32(0); i < count; i++ {
		subnets = append(subnets, &net.IPNet{IP: u32ToIP(base + i*size), Mask: mask})
	}
	return subnets, nil
}

// PickCIDR returns a random subnet from the segment pool that does not
// overlap any network in taken.
func PickCIDR(segments []Segment, taken []*net.IPNet) (*net.IPNet, error) {
	var pool []*net.IPNet
	for _, seg := range segments {
		subnets, err := candidates(seg)
		if err != nil {
			return nil, err
		}
		pool = append(pool, subnets...)
	}

	rand.Shuffle(len(pool), func(i, j int) {
		pool[i], pool[j] = pool[j], pool[i]
	})

	for _, subnet := range pool {
		free := true
		for _, t := range taken {
			if Overlap(subnet, t) {
				free = false
				break
			}
		}
		if free {
			return subnet, nil
		}
	}
	return nil, ErrNoFreeCIDR
}

// FreeAddresses returns the usable host addresses of cidr minus used. The
// network, broadcast, and first host (conventionally the gateway) addresses
// are excluded.
func FreeAddresses(cidr *net.IPNet, used []net.IP) []net.IP {
	ones, bits := cidr.Mask.Size()
	if bits != 32 || ones > 30 {
		return nil
	}

	taken := make(map[uint32]struct{}, len(used))
	for _, ip := range used {
		if ip4 := ip.To4(); ip4 != nil {
			taken[ipToU32(ip4)] = struct{}{}
		}
	}

	network := ipToU32(cidr.IP.Mask(cidr.Mask))
	broadcast := network | (uint32(1)<<uint(32-ones) - 1)

	addresses := make([]net.IP, 0, broadcast-network)
	for i := network + 2; i < broadcast; i++ {
		if _, ok := taken[i]; !ok {
			addresses = append(addresses, u32ToIP(i))
		}
	}
	return addresses
}

// SampleIPs picks n distinct random free addresses from cidr. It errors if
// the free pool is smaller than n; nothing is reserved by sampling.
func SampleIPs(cidr *net.IPNet, used []net.IP, n int) ([]net.IP, error) {
	free := FreeAddresses(cidr, used)
	if len(free) < n {
		return nil, ErrPoolTooSmall
	}

	rand.Shuffle(len(free), func(i, j int) {
		free[i], free[j] = free[j], free[i]
	})
	return free[:n], nil
}
