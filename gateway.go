package kelpie

import (
	"encoding/json"
	"errors"
	"path/filepath"

	"github.com/kelpieio/kelpie/pkg/kv"
)

type (
	// SceneGateway is one router or firewall of a scene, connecting its
	// member networks (referenced by net sub id, never by pointer).
	SceneGateway struct {
		context       *Context
		modifiedIndex uint64
		SceneID       string      `json:"scene"`
		SubID         string      `json:"subId"`
		Name          string      `json:"name"`
		Type          GatewayType `json:"type"`
		NetSubIDs     []string    `json:"nets"`
		StaticRouting []Route     `json:"staticRouting,omitempty"`
		FirewallRules []FWRule    `json:"firewallRules,omitempty"`

		// CanUserConfigure gates runtime route/rule mutation
		CanUserConfigure bool `json:"canUserConfigure"`

		RouterID string          `json:"routerId,omitempty"`
		Firewall *FirewallResult `json:"firewall,omitempty"`
	}

	// SceneGateways is an alias to a slice of *SceneGateway
	SceneGateways []*SceneGateway
)

// NewSceneGateway creates a SceneGateway row from a gateway declaration.
func (c *Context) NewSceneGateway(sceneID string, def *GatewayDef) *SceneGateway {
	return &SceneGateway{
		context:          c,
		SceneID:          sceneID,
		SubID:            def.ID,
		Name:             def.Name,
		Type:             def.Type,
		NetSubIDs:        def.Nets,
		StaticRouting:    def.StaticRouting,
		FirewallRules:    def.FirewallRules,
		CanUserConfigure: def.CanUserConfigure,
	}
}

// SceneGateway fetches one SceneGateway row
func (c *Context) SceneGateway(sceneID, subID string) (*SceneGateway, error) {
	g := &SceneGateway{
		context: c,
		SceneID: sceneID,
		SubID:   subID,
	}
	if err := g.Refresh(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *SceneGateway) key() string {
	return filepath.Join(ScenePath, g.SceneID, "gateways", g.SubID)
}

// Refresh reloads from the data store
func (g *SceneGateway) Refresh() error {
	v, err := g.context.kv.Get(g.key())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(v.Data, g); err != nil {
		return err
	}
	g.modifiedIndex = v.Index
	return nil
}

// Validate ensures a SceneGateway has reasonable data
func (g *SceneGateway) Validate() error {
	if g.SceneID == "" {
		return errors.New("scene ID required")
	}
	if g.SubID == "" {
		return errors.New("sub ID required")
	}
	if g.Type != GatewayRouter && g.Type != GatewayFirewall {
		return errors.New("invalid gateway type")
	}
	return nil
}

// Save persists the SceneGateway to the data store
func (g *SceneGateway) Save() error {
	if err := g.Validate(); err != nil {
		return err
	}

	v, err := json.Marshal(g)
	if err != nil {
		return err
	}

	index, err := g.context.kv.Update(g.key(), kv.Value{Data: v, Index: g.modifiedIndex})
	if err != nil {
		return err
	}
	g.modifiedIndex = index
	return nil
}
