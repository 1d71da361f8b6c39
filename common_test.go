package kelpie_test

import (
	"fmt"
	"sync"
	"time"

	"github.com/kelpieio/kelpie"
	"github.com/kelpieio/kelpie/pkg/ippool"
	"github.com/kelpieio/kelpie/pkg/kv"
	_ "github.com/kelpieio/kelpie/pkg/kv/mem"
	"github.com/stretchr/testify/suite"
)

type CommonTestSuite struct {
	suite.Suite
	KV           kv.KV
	Config       *kelpie.Config
	Sink         *recordingSink
	Context      *kelpie.Context
	Provider     *kelpie.StubProvider
	Proxy        *kelpie.StubProxy
	Orchestrator *kelpie.Orchestrator
}

func (s *CommonTestSuite) SetupTest() {
	store, err := kv.New("mem://")
	s.Require().NoError(err)
	s.KV = store

	s.Config = kelpie.DefaultConfig()
	s.Config.ExternalNetID = "ext-net"
	s.Config.ExternalCIDR = "172.16.0.0/24"
	s.Config.SubnetSegments = []ippool.Segment{{CIDR: "10.128.0.0/20", PrefixLen: 24}}
	s.Config.PlatformIP = "192.0.2.10"
	s.Config.LockTTL = 500 * time.Millisecond
	s.Config.LockAttempts = 3
	s.Config.LockDelay = 10 * time.Millisecond
	s.Config.ProbeTimeout = 100 * time.Millisecond
	s.Config.ProbeInterval = time.Millisecond
	s.Config.Workers = 4

	s.Sink = &recordingSink{}
	s.Context = kelpie.NewContext(store, s.Sink)
	s.Provider = kelpie.NewStubProvider(0)
	s.Provider.Pool = []kelpie.FloatingIP{
		{IP: "203.0.113.1", ID: "fip-a"},
		{IP: "203.0.113.2", ID: "fip-b"},
	}
	s.Proxy = kelpie.NewStubProxy()

	s.Orchestrator, err = kelpie.NewOrchestrator(s.Context, s.Config, s.Provider.Provider(), s.Proxy)
	s.Require().NoError(err)
	s.Orchestrator.Probe = func(addr string, timeout time.Duration) error { return nil }
}

func (s *CommonTestSuite) TearDownTest() {
	s.Orchestrator.Stop()
}

// basicTopology is one private network with a router to the internet, a
// float-eligible server, and an inner server.
func (s *CommonTestSuite) basicTopology() *kelpie.Topology {
	return &kelpie.Topology{
		Name: "demo",
		Networks: []kelpie.NetworkDef{
			{ID: "net1", Name: "lan"},
		},
		Gateways: []kelpie.GatewayDef{
			{ID: "gw1", Name: "edge", Type: kelpie.GatewayRouter, Nets: []string{"net1", "internet"}},
		},
		Servers: []kelpie.ServerDef{
			{
				ID: "srv1", Name: "bastion", ImageType: kelpie.ImageVM, Image: "ubuntu",
				Role: kelpie.RoleOperator, External: true,
				Nets:        []kelpie.ServerNet{{Net: "net1"}},
				AccessPorts: []int{22},
			},
			{
				ID: "srv2", Name: "victim", ImageType: kelpie.ImageVM, Image: "centos",
				Role: kelpie.RoleTarget,
				Nets: []kelpie.ServerNet{{Net: "net1"}},
			},
		},
	}
}

// createScene kicks off a scene and waits for the provisioning fan-out to
// finish. With the stubbed probe every terminal reaches RUNNING and a
// successful scene is promoted before this returns.
func (s *CommonTestSuite) createScene(topo *kelpie.Topology) *kelpie.Scene {
	scene, err := s.Orchestrator.CreateScene(topo)
	s.Require().NoError(err)
	s.Orchestrator.Wait()
	return scene
}

type recordingSink struct {
	mu     sync.Mutex
	events []kelpie.Event
}

func (r *recordingSink) Notify(e kelpie.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// statuses returns the recorded status sequence for one entity.
func (r *recordingSink) statuses(entityType, entityID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e.Status)
		}
	}
	return out
}

func (r *recordingSink) count(entityType, entityID, status string) int {
	n := 0
	for _, s := range r.statuses(entityType, entityID) {
		if s == status {
			n++
		}
	}
	return n
}

func testMsgFunc(prefix string) func(...interface{}) string {
	return func(val ...interface{}) string {
		if len(val) == 0 {
			return prefix
		}
		msgPrefix := prefix + " : "
		if len(val) == 1 {
			return msgPrefix + val[0].(string)
		}
		return msgPrefix + fmt.Sprintf(val[0].(string), val[1:]...)
	}
}
