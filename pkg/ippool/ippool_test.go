package ippool_test

import (
	"net"
	"testing"

	"github.com/kelpieio/kelpie/pkg/ippool"
	"github.com/stretchr/testify/suite"
)

type IPPoolTestSuite struct {
	suite.Suite
}

func TestIPPoolTestSuite(t *testing.T) {
	suite.Run(t, new(IPPoolTestSuite))
}

func mustCIDR(s *IPPoolTestSuite, cidr string) *net.IPNet {
	_, ipnet, err := net.ParseCIDR(cidr)
	s.Require().NoError(err)
	return ipnet
}

func (s *IPPoolTestSuite) TestPickCIDR() {
	segments := []ippool.Segment{{CIDR: "10.0.0.0/22", PrefixLen: 24}}

	subnet, err := ippool.PickCIDR(segments, nil)
	s.Require().NoError(err)
	ones, _ := subnet.Mask.Size()
	s.Equal(24, ones)
	s.True(mustCIDR(s, "10.0.0.0/22").Contains(subnet.IP), "subnet should come from the segment")
}

func (s *IPPoolTestSuite) TestPickCIDRAvoidsTaken() {
	segments := []ippool.Segment{{CIDR: "10.0.0.0/23", PrefixLen: 24}}
	taken := []*net.IPNet{mustCIDR(s, "10.0.0.0/24")}

	for i := 0; i < 10; i++ {
		subnet, err := ippool.PickCIDR(segments, taken)
		s.Require().NoError(err)
		s.Equal("10.0.1.0/24", subnet.String(), "only one candidate is free")
	}
}

func (s *IPPoolTestSuite) TestPickCIDRExhausted() {
	segments := []ippool.Segment{{CIDR: "10.0.0.0/24", PrefixLen: 24}}
	taken := []*net.IPNet{mustCIDR(s, "10.0.0.0/16")}

	_, err := ippool.PickCIDR(segments, taken)
	s.Equal(ippool.ErrNoFreeCIDR, err)
}

func (s *IPPoolTestSuite) TestPickCIDRBadSegment() {
	tests := []struct {
		description string
		segment     ippool.Segment
	}{
		{"unparseable cidr", ippool.Segment{CIDR: "nope", PrefixLen: 24}},
		{"prefix wider than segment", ippool.Segment{CIDR: "10.0.0.0/24", PrefixLen: 16}},
		{"prefix too narrow", ippool.Segment{CIDR: "10.0.0.0/24", PrefixLen: 31}},
	}
	for _, test := range tests {
		_, err := ippool.PickCIDR([]ippool.Segment{test.segment}, nil)
		s.Error(err, test.description)
	}
}

func (s *IPPoolTestSuite) TestFreeAddresses() {
	cidr := mustCIDR(s, "192.168.1.0/29")
	free := ippool.FreeAddresses(cidr, nil)

	// /29 has 8 addresses; network, broadcast, and first host are excluded
	s.Len(free, 5)
	for _, ip := range free {
		s.True(cidr.Contains(ip))
		s.NotEqual("192.168.1.0", ip.String())
		s.NotEqual("192.168.1.1", ip.String())
		s.NotEqual("192.168.1.7", ip.String())
	}

	used := []net.IP{net.ParseIP("192.168.1.2"), net.ParseIP("192.168.1.3")}
	s.Len(ippool.FreeAddresses(cidr, used), 3)
}

func (s *IPPoolTestSuite) TestSampleIPs() {
	cidr := mustCIDR(s, "192.168.1.0/29")

	ips, err := ippool.SampleIPs(cidr, nil, 3)
	s.Require().NoError(err)
	s.Len(ips, 3)

	seen := map[string]bool{}
	for _, ip := range ips {
		s.False(seen[ip.String()], "samples must be distinct")
		seen[ip.String()] = true
	}

	_, err = ippool.SampleIPs(cidr, nil, 6)
	s.Equal(ippool.ErrPoolTooSmall, err, "oversized request should fail")
}

func (s *IPPoolTestSuite) TestOverlap() {
	a := mustCIDR(s, "10.0.0.0/24")
	b := mustCIDR(s, "10.0.0.128/25")
	c := mustCIDR(s, "10.0.1.0/24")

	s.True(ippool.Overlap(a, b))
	s.True(ippool.Overlap(b, a))
	s.False(ippool.Overlap(a, c))
}
