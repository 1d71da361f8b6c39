package kelpie_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kelpieio/kelpie"
	"github.com/kelpieio/kelpie/pkg/lock"
	"github.com/stretchr/testify/suite"
)

type PreallocateTestSuite struct {
	CommonTestSuite
}

func TestPreallocateTestSuite(t *testing.T) {
	suite.Run(t, new(PreallocateTestSuite))
}

func (s *PreallocateTestSuite) TestFloatingIPClaims() {
	scene := s.createScene(s.basicTopology())

	t, err := s.Context.SceneTerminal(scene.ID, "srv1")
	s.Require().NoError(err)
	s.Require().NotEmpty(t.FloatIP)

	_, err = s.KV.Get(filepath.Join(kelpie.FIPPath, t.FloatIP))
	s.NoError(err, "claimed floating ip should be recorded in the store")
}

func (s *PreallocateTestSuite) TestStaleClaimIsSkipped() {
	// a leftover claim makes one pool entry unavailable; the other serves
	s.Require().NoError(s.KV.Set(filepath.Join(kelpie.FIPPath, "203.0.113.1"), "stale"))

	scene := s.createScene(s.basicTopology())
	s.Require().NoError(scene.Refresh())
	s.Equal(kelpie.SceneRunning, scene.Status)

	t, err := s.Context.SceneTerminal(scene.ID, "srv1")
	s.Require().NoError(err)
	s.Equal("203.0.113.2", t.FloatIP, "claimed address should skip the stale claim")
}

func (s *PreallocateTestSuite) TestAllOrNothing() {
	// demand of two floats against a pool of one
	s.Provider.Pool = s.Provider.Pool[:1]
	topo := s.basicTopology()
	topo.Servers[1].External = true

	scene := s.createScene(topo)
	s.Require().NoError(scene.Refresh())
	s.Equal(kelpie.SceneError, scene.Status)
	s.Contains(scene.Error, "insufficient floating ips")

	claims, err := s.KV.GetAll(kelpie.FIPPath)
	s.NoError(err)
	s.Empty(claims, "a shortfall must leave nothing reserved")
}

func (s *PreallocateTestSuite) TestPoolLockBlocksPreallocation() {
	held, err := lock.Acquire(s.KV, kelpie.AddressPoolLockKey, time.Minute)
	s.Require().NoError(err)

	scene := s.createScene(s.basicTopology())
	s.Require().NoError(scene.Refresh())
	s.Equal(kelpie.SceneError, scene.Status, "lock timeout should fail the scene")
	s.Contains(scene.Error, "lock acquisition timed out")

	s.Require().NoError(held.Release())

	// with the lock free the same topology provisions fine
	retry := s.createScene(s.basicTopology())
	s.Require().NoError(retry.Refresh())
	s.Equal(kelpie.SceneRunning, retry.Status)
}

func (s *PreallocateTestSuite) TestFixedIPsAvoidDeclaredAddresses() {
	topo := s.basicTopology()
	topo.Networks[0].CIDR = "10.128.5.0/29" // 4 usable after gateway exclusions
	topo.Networks[0].Gateway = "10.128.5.1"
	topo.Servers[1].Nets[0].IP = "10.128.5.3"
	topo.Servers = append(topo.Servers, kelpie.ServerDef{
		ID: "srv3", Name: "extra", ImageType: kelpie.ImageVM, Image: "ubuntu",
		Nets: []kelpie.ServerNet{{Net: "net1"}},
	})

	scene := s.createScene(topo)
	s.Require().NoError(scene.Refresh())
	s.Equal(kelpie.SceneRunning, scene.Status)

	seen := map[string]bool{"10.128.5.1": true, "10.128.5.3": true}
	terminals, err := scene.Terminals()
	s.Require().NoError(err)
	for _, t := range terminals {
		ip := t.IPOn("net1")
		s.Require().NotEmpty(ip, t.SubID)
		if t.SubID == "srv2" {
			s.Equal("10.128.5.3", ip, "declared address should be kept")
			continue
		}
		s.False(seen[ip], "sampled address %s must not collide", ip)
		seen[ip] = true
	}
}
