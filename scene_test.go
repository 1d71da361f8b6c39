package kelpie_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/kelpieio/kelpie"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type SceneTestSuite struct {
	CommonTestSuite
}

func TestSceneTestSuite(t *testing.T) {
	suite.Run(t, new(SceneTestSuite))
}

func (s *SceneTestSuite) newScene() *kelpie.Scene {
	scene := s.Context.NewScene("demo")
	s.Require().NoError(scene.Save())
	return scene
}

func (s *SceneTestSuite) TestNewScene() {
	scene := s.Context.NewScene("demo")
	s.NotNil(uuid.Parse(scene.ID))
	s.Equal(kelpie.SceneCreating, scene.Status)
	s.False(scene.CreateTime.IsZero())
}

func (s *SceneTestSuite) TestScene() {
	scene := s.newScene()

	tests := []struct {
		description string
		id          string
		expectedErr bool
	}{
		{"missing id", "", true},
		{"nonexistent id", uuid.New(), true},
		{"real id", scene.ID, false},
	}

	for _, test := range tests {
		msg := testMsgFunc(test.description)
		sc, err := s.Context.Scene(test.id)
		if test.expectedErr {
			s.Error(err, msg("lookup should fail"))
			s.Nil(sc, msg("failure shouldn't return a scene"))
		} else {
			s.NoError(err, msg("lookup should succeed"))
			s.True(assert.ObjectsAreEqual(scene.ID, sc.ID), msg("success should return correct data"))
		}
	}
}

func (s *SceneTestSuite) TestRefresh() {
	scene := s.newScene()
	sceneCopy, err := s.Context.Scene(scene.ID)
	s.Require().NoError(err)

	scene.Status = kelpie.SceneRunning
	s.Require().NoError(scene.Save())

	s.NoError(sceneCopy.Refresh(), "refresh existing should succeed")
	s.Equal(kelpie.SceneRunning, sceneCopy.Status, "refresh should pull new data")

	newScene := s.Context.NewScene("ghost")
	s.Error(newScene.Refresh(), "unsaved scene refresh should fail")
}

func (s *SceneTestSuite) TestValidate() {
	tests := []struct {
		description string
		id          string
		name        string
		expectedErr bool
	}{
		{"missing id", "", "demo", true},
		{"non uuid id", "asdf", "demo", true},
		{"missing name", uuid.New(), "", true},
		{"all present", uuid.New(), "demo", false},
	}

	for _, test := range tests {
		msg := testMsgFunc(test.description)
		scene := &kelpie.Scene{ID: test.id, Name: test.name}
		err := scene.Validate()
		if test.expectedErr {
			s.Error(err, msg("should be invalid"))
		} else {
			s.NoError(err, msg("should be valid"))
		}
	}
}

func (s *SceneTestSuite) TestSave() {
	scene := s.newScene()
	sceneCopy, err := s.Context.Scene(scene.ID)
	s.Require().NoError(err)

	s.NoError(scene.Save(), "update with current index should succeed")
	s.Error(sceneCopy.Save(), "stale index should not clobber")

	s.NoError(sceneCopy.Refresh())
	s.NoError(sceneCopy.Save(), "save after refresh should succeed")
}

func (s *SceneTestSuite) TestSetStatus() {
	scene := s.newScene()
	s.NoError(scene.SetStatus(kelpie.SceneRunning))

	fresh, err := s.Context.Scene(scene.ID)
	s.Require().NoError(err)
	s.Equal(kelpie.SceneRunning, fresh.Status)

	s.Equal(1, s.Sink.count(kelpie.EntityScene, scene.ID, string(kelpie.SceneRunning)),
		"transition should notify the sink")
}

func (s *SceneTestSuite) TestChildren() {
	scene := s.createScene(s.basicTopology())

	nets, err := scene.Nets()
	s.NoError(err)
	s.Len(nets, 1)
	s.Equal("net1", nets[0].SubID)

	gateways, err := scene.Gateways()
	s.NoError(err)
	s.Len(gateways, 1)
	s.Equal("gw1", gateways[0].SubID)

	terminals, err := scene.Terminals()
	s.NoError(err)
	s.Len(terminals, 2)
	s.Equal("srv1", terminals[0].SubID)
	s.Equal("srv2", terminals[1].SubID)
}

func (s *SceneTestSuite) TestForEachScene() {
	scene := s.newScene()
	scene2 := s.newScene()
	expectedFound := map[string]bool{
		scene.ID:  true,
		scene2.ID: true,
	}

	// a prefix holding child rows but no metadata is a scene mid-creation
	// and must not disturb iteration
	s.Require().NoError(s.KV.Set(filepath.Join(kelpie.ScenePath, uuid.New(), "nets/n1"), "{}"))

	resultFound := make(map[string]bool)

	err := s.Context.ForEachScene(func(sc *kelpie.Scene) error {
		resultFound[sc.ID] = true
		return nil
	})
	s.NoError(err)
	s.True(assert.ObjectsAreEqual(expectedFound, resultFound))

	returnErr := errors.New("an error")
	err = s.Context.ForEachScene(func(sc *kelpie.Scene) error {
		return returnErr
	})
	s.Error(err)
	s.Equal(returnErr, err)
}
