package kelpie_test

import (
	"sync"
	"testing"
	"time"

	"github.com/kelpieio/kelpie"
	"github.com/stretchr/testify/suite"
)

type TeardownTestSuite struct {
	CommonTestSuite
}

func TestTeardownTestSuite(t *testing.T) {
	suite.Run(t, new(TeardownTestSuite))
}

func (s *TeardownTestSuite) TestDeleteScene() {
	scene := s.createScene(s.basicTopology())
	s.NotZero(s.Provider.LiveResources())

	s.Require().NoError(s.Orchestrator.DeleteScene(scene.ID))

	s.Require().NoError(scene.Refresh())
	s.Equal(kelpie.SceneDeleted, scene.Status)

	terminals, err := scene.Terminals()
	s.Require().NoError(err)
	for _, t := range terminals {
		s.Equal(kelpie.TerminalDeleted, t.Status, t.SubID)
	}

	s.Zero(s.Provider.LiveResources(), "every cloud resource should be deleted")

	claims, err := s.KV.GetAll(kelpie.FIPPath)
	s.NoError(err)
	s.Empty(claims, "floating ip claims should be released")

	nets, err := scene.Nets()
	s.NoError(err)
	s.Len(nets, 1, "rows should be retained for audit")
	s.Empty(nets[0].NetID, "cloud handles should be cleared")
}

func (s *TeardownTestSuite) TestDeleteSceneIsIdempotent() {
	scene := s.createScene(s.basicTopology())

	s.Require().NoError(s.Orchestrator.DeleteScene(scene.ID))
	s.Require().NoError(s.Orchestrator.DeleteScene(scene.ID), "repeated delete should succeed")
	s.Zero(s.Provider.LiveResources())

	s.Equal(1, s.Sink.count(kelpie.EntityScene, scene.ID, string(kelpie.SceneDeleted)),
		"deletion should be announced once")
}

// gatedNetworkProvider parks the first CreateNetwork call until released so
// a test can act at a known point mid-provision.
type gatedNetworkProvider struct {
	kelpie.NetworkProvider
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedNetworkProvider) CreateNetwork(name, cidr, gateway string, dns []string, dhcp bool) (*kelpie.NetworkResult, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.NetworkProvider.CreateNetwork(name, cidr, gateway, dns, dhcp)
}

// gatedComputeProvider does the same for instance creation.
type gatedComputeProvider struct {
	kelpie.ComputeProvider
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedComputeProvider) Create(params kelpie.CreateParams) (string, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.ComputeProvider.Create(params)
}

func (s *TeardownTestSuite) gatedOrchestrator(provider *kelpie.Provider) *kelpie.Orchestrator {
	orch, err := kelpie.NewOrchestrator(s.Context, s.Config, provider, s.Proxy)
	s.Require().NoError(err)
	orch.Probe = func(addr string, timeout time.Duration) error { return nil }
	return orch
}

func (s *TeardownTestSuite) TestDeleteSceneMidProvision() {
	gate := &gatedNetworkProvider{
		NetworkProvider: s.Provider,
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	provider := s.Provider.Provider()
	provider.Network = gate
	orch := s.gatedOrchestrator(provider)
	defer orch.Stop()

	scene, err := orch.CreateScene(s.basicTopology())
	s.Require().NoError(err)

	// delete lands while the pipeline is parked inside CreateNetwork, so
	// the network handle surfaces only after the rows were swept
	<-gate.entered
	s.Require().NoError(orch.DeleteScene(scene.ID))
	close(gate.release)
	orch.Wait()

	s.Require().NoError(scene.Refresh())
	s.Equal(kelpie.SceneDeleted, scene.Status, "deletion should not be overwritten by the aborted pipeline")
	s.Zero(s.Provider.LiveResources(), "the network created after the delete should be reclaimed")
}

func (s *TeardownTestSuite) TestDeleteSceneDuringInstanceCreate() {
	gate := &gatedComputeProvider{
		ComputeProvider: s.Provider,
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	provider := s.Provider.Provider()
	provider.VM = gate
	orch := s.gatedOrchestrator(provider)
	defer orch.Stop()

	scene, err := orch.CreateScene(s.basicTopology())
	s.Require().NoError(err)

	<-gate.entered
	s.Require().NoError(orch.DeleteScene(scene.ID))
	close(gate.release)
	orch.Wait()

	s.Require().NoError(scene.Refresh())
	s.Equal(kelpie.SceneDeleted, scene.Status)
	s.Zero(s.Provider.LiveResources(), "instances surfacing after the delete should be reclaimed")

	terminals, err := scene.Terminals()
	s.Require().NoError(err)
	for _, t := range terminals {
		s.Equal(kelpie.TerminalDeleted, t.Status, t.SubID)
		s.Empty(t.ServerID, "handle should be cleared on "+t.SubID)
	}
}

func (s *TeardownTestSuite) TestDeleteSceneBatchesProxyRestart() {
	topo := s.basicTopology()
	topo.Gateways = nil
	topo.Servers[0].External = false
	topo.Servers[0].AccessPorts = []int{22}
	topo.Servers[1].AccessPorts = []int{80}

	scene := s.createScene(topo)
	restarts := s.Proxy.Restarts

	s.Require().NoError(s.Orchestrator.DeleteScene(scene.ID))
	s.Empty(s.Proxy.Entries, "proxy entries should be removed")
	s.Equal(restarts+1, s.Proxy.Restarts, "teardown should restart the proxy once, not per terminal")
}

func (s *TeardownTestSuite) TestPauseAndRecover() {
	staging := s.Context.NewScene("staging")
	s.Require().NoError(staging.Save())
	s.Error(s.Orchestrator.PauseScene(staging.ID), "only running scenes pause")

	scene := s.createScene(s.basicTopology())
	s.Require().NoError(s.Orchestrator.PauseScene(scene.ID))

	s.Require().NoError(scene.Refresh())
	s.Equal(kelpie.ScenePause, scene.Status)

	terminals, err := scene.Terminals()
	s.Require().NoError(err)
	for _, t := range terminals {
		s.Equal(kelpie.TerminalPause, t.Status, t.SubID)
		inst, err := s.Provider.Get(t.ServerID)
		s.Require().NoError(err)
		s.Equal(kelpie.InstancePaused, inst.State)
	}

	s.Error(s.Orchestrator.RecoverScene(scene.ID+"x"), "unknown scene should fail")
	s.Require().NoError(s.Orchestrator.RecoverScene(scene.ID))

	s.Require().NoError(scene.Refresh())
	s.Equal(kelpie.SceneRunning, scene.Status)

	terminals, err = scene.Terminals()
	s.Require().NoError(err)
	for _, t := range terminals {
		s.Equal(kelpie.TerminalRunning, t.Status, t.SubID)
	}
}
