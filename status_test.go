package kelpie_test

import (
	"sync"
	"testing"

	"github.com/kelpieio/kelpie"
	"github.com/stretchr/testify/suite"
)

type StatusTestSuite struct {
	CommonTestSuite
}

func TestStatusTestSuite(t *testing.T) {
	suite.Run(t, new(StatusTestSuite))
}

func (s *StatusTestSuite) terminalStatus(sceneID, subID string) kelpie.TerminalStatus {
	t, err := s.Context.SceneTerminal(sceneID, subID)
	s.Require().NoError(err)
	return t.Status
}

func (s *StatusTestSuite) TestStaleReportsAreDropped() {
	scene := s.createScene(s.basicTopology())

	tests := []struct {
		description string
		report      kelpie.TerminalStatus
		expected    kelpie.TerminalStatus
	}{
		{"stale deploying report", kelpie.TerminalDeploying, kelpie.TerminalRunning},
		{"stale hatching report", kelpie.TerminalHatching, kelpie.TerminalRunning},
		{"repeat of current state", kelpie.TerminalRunning, kelpie.TerminalRunning},
		{"pause is never stale", kelpie.TerminalPause, kelpie.TerminalPause},
		{"stale starting while paused", kelpie.TerminalStarting, kelpie.TerminalPause},
		{"resume is never stale", kelpie.TerminalRunning, kelpie.TerminalRunning},
	}

	for _, test := range tests {
		msg := testMsgFunc(test.description)
		s.NoError(s.Orchestrator.ReportTerminalStatus(scene.ID, "srv2", test.report), msg("report should not error"))
		s.Equal(test.expected, s.terminalStatus(scene.ID, "srv2"), msg())
	}
}

func (s *StatusTestSuite) TestErrorAbsorbs() {
	scene := s.createScene(s.basicTopology())

	s.NoError(s.Orchestrator.ReportTerminalStatus(scene.ID, "srv2", kelpie.TerminalError))
	s.Equal(kelpie.TerminalError, s.terminalStatus(scene.ID, "srv2"))

	s.NoError(s.Orchestrator.ReportTerminalStatus(scene.ID, "srv2", kelpie.TerminalRunning))
	s.Equal(kelpie.TerminalError, s.terminalStatus(scene.ID, "srv2"), "error should absorb later reports")

	s.Require().NoError(scene.Refresh())
	s.Equal(kelpie.SceneError, scene.Status, "terminal error should abort the scene")
}

func (s *StatusTestSuite) TestLateReportAfterDeletion() {
	scene := s.createScene(s.basicTopology())
	s.Require().NoError(s.Orchestrator.DeleteScene(scene.ID))
	s.Zero(s.Provider.LiveResources())

	// simulate an instance surfacing after teardown
	serverID, err := s.Provider.Create(kelpie.CreateParams{Name: "zombie", Kind: kelpie.ImageVM})
	s.Require().NoError(err)
	t, err := s.Context.SceneTerminal(scene.ID, "srv2")
	s.Require().NoError(err)
	t.ServerID = serverID
	s.Require().NoError(t.Save())

	s.NoError(s.Orchestrator.ReportTerminalStatus(scene.ID, "srv2", kelpie.TerminalRunning))

	s.Equal(kelpie.TerminalDeleted, s.terminalStatus(scene.ID, "srv2"), "deleted terminal should stay deleted")
	s.Zero(s.Provider.LiveResources(), "late resources should be torn down again")
}

func (s *StatusTestSuite) TestDeletedReportReleasesRunningTerminal() {
	scene := s.createScene(s.basicTopology())

	t, err := s.Context.SceneTerminal(scene.ID, "srv2")
	s.Require().NoError(err)
	serverID := t.ServerID
	s.Require().NotEmpty(serverID)
	before := s.Provider.LiveResources()

	s.NoError(s.Orchestrator.ReportTerminalStatus(scene.ID, "srv2", kelpie.TerminalDeleted))

	s.Require().NoError(t.Refresh())
	s.Equal(kelpie.TerminalDeleted, t.Status)
	s.Empty(t.ServerID, "instance handle should be cleared")
	s.Empty(t.PortIDs(), "port handles should be cleared")
	_, err = s.Provider.Get(serverID)
	s.Error(err, "instance should be deleted")
	s.Less(s.Provider.LiveResources(), before, "resources should be released, not just marked")
}

func (s *StatusTestSuite) TestFirstUseBookkeeping() {
	topo := s.basicTopology()
	topo.Servers[1].Volumes = []string{"vol-data"}

	scene := s.createScene(topo)
	t, err := s.Context.SceneTerminal(scene.ID, "srv2")
	s.Require().NoError(err)
	s.False(t.CreatedTime.IsZero(), "first use should stamp the created time")
	s.Empty(t.PendingVolumes, "pending volumes should be attached")
	s.Equal([]string{"vol-data"}, t.Volumes)
	s.Equal([]string{"vol-data"}, s.Provider.AttachedVolumes(t.ServerID))

	created := t.CreatedTime
	s.Require().NoError(s.Orchestrator.ReportTerminalStatus(scene.ID, "srv2", kelpie.TerminalPause))
	s.Require().NoError(t.Refresh())
	s.Equal(created, t.CreatedTime, "later transitions should not restamp")
}

func (s *StatusTestSuite) TestAggregationPromotesOnce() {
	// rows saved by hand so the terminals sit in DEPLOYING awaiting reports
	scene := s.Context.NewScene("aggregate")
	s.Require().NoError(scene.Save())
	for _, subID := range []string{"srv1", "srv2"} {
		def := &kelpie.ServerDef{ID: subID, Name: subID, ImageType: kelpie.ImageVM, Image: "ubuntu", Role: kelpie.RoleTarget}
		t := s.Context.NewSceneTerminal(scene.ID, def, kelpie.InnerFixed)
		t.Status = kelpie.TerminalDeploying
		s.Require().NoError(t.Save())
	}

	s.Require().NoError(s.Orchestrator.ReportTerminalStatus(scene.ID, "srv1", kelpie.TerminalRunning))
	s.Require().NoError(scene.Refresh())
	s.Equal(kelpie.SceneCreating, scene.Status, "one of two terminals is not enough")

	// racing duplicate reports for the last terminal
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Orchestrator.ReportTerminalStatus(scene.ID, "srv2", kelpie.TerminalRunning)
		}()
	}
	wg.Wait()

	s.Require().NoError(scene.Refresh())
	s.Equal(kelpie.SceneRunning, scene.Status)
	s.Equal(1, s.Sink.count(kelpie.EntityScene, scene.ID, string(kelpie.SceneRunning)),
		"racing reporters must promote exactly once")
}

func (s *StatusTestSuite) TestQoSAppliedOnCompletion() {
	topo := s.basicTopology()
	topo.Servers[1].Bandwidth = 2048

	scene := s.createScene(topo)

	t, err := s.Context.SceneTerminal(scene.ID, "srv2")
	s.Require().NoError(err)
	s.Len(t.PolicyIDs, 1, "bandwidth limit should bind a policy once the scene is up")
}
