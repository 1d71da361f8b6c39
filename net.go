package kelpie

import (
	"encoding/json"
	"errors"
	"net"
	"path/filepath"

	"github.com/kelpieio/kelpie/pkg/kv"
)

type (
	// SceneNet is one network of a scene. The cloud handles (NetID,
	// SubnetID, VLANID, ProxyRouterID) are empty until provisioned. Rows
	// are retained for audit after cloud-side deletion.
	SceneNet struct {
		context       *Context
		modifiedIndex uint64
		SceneID       string   `json:"scene"`
		SubID         string   `json:"subId"`
		Name          string   `json:"name"`
		CIDR          string   `json:"cidr,omitempty"`
		GatewayIP     string   `json:"gateway,omitempty"`
		DNS           []string `json:"dns,omitempty"`
		DHCP          bool     `json:"dhcp"`
		IsReal        bool     `json:"isReal"`
		Interfaces    []string `json:"interfaces,omitempty"`

		NetID         string `json:"netId,omitempty"`
		SubnetID      string `json:"subnetId,omitempty"`
		VLANID        string `json:"vlanId,omitempty"`
		ProxyRouterID string `json:"proxyRouterId,omitempty"`
	}

	// SceneNets is an alias to a slice of *SceneNet
	SceneNets []*SceneNet
)

// NewSceneNet creates a SceneNet row from a network declaration.
func (c *Context) NewSceneNet(sceneID string, def *NetworkDef) *SceneNet {
	return &SceneNet{
		context:    c,
		SceneID:    sceneID,
		SubID:      def.ID,
		Name:       def.Name,
		CIDR:       def.CIDR,
		GatewayIP:  def.Gateway,
		DNS:        def.DNS,
		DHCP:       def.DHCP,
		IsReal:     def.IsReal,
		Interfaces: def.Interfaces,
	}
}

// SceneNet fetches one SceneNet row
func (c *Context) SceneNet(sceneID, subID string) (*SceneNet, error) {
	n := &SceneNet{
		context: c,
		SceneID: sceneID,
		SubID:   subID,
	}
	if err := n.Refresh(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *SceneNet) key() string {
	return filepath.Join(ScenePath, n.SceneID, "nets", n.SubID)
}

// Refresh reloads from the data store
func (n *SceneNet) Refresh() error {
	v, err := n.context.kv.Get(n.key())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(v.Data, n); err != nil {
		return err
	}
	n.modifiedIndex = v.Index
	return nil
}

// Validate ensures a SceneNet has reasonable data
func (n *SceneNet) Validate() error {
	if n.SceneID == "" {
		return errors.New("scene ID required")
	}
	if n.SubID == "" {
		return errors.New("sub ID required")
	}
	return nil
}

// Save persists the SceneNet to the data store
func (n *SceneNet) Save() error {
	if err := n.Validate(); err != nil {
		return err
	}

	v, err := json.Marshal(n)
	if err != nil {
		return err
	}

	index, err := n.context.kv.Update(n.key(), kv.Value{Data: v, Index: n.modifiedIndex})
	if err != nil {
		return err
	}
	n.modifiedIndex = index
	return nil
}

// IPNet parses the assigned CIDR
func (n *SceneNet) IPNet() (*net.IPNet, error) {
	if n.CIDR == "" {
		return nil, errors.New("no cidr assigned")
	}
	_, ipnet, err := net.ParseCIDR(n.CIDR)
	return ipnet, err
}
