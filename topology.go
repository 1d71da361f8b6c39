package kelpie

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type (
	// Topology is the declarative description of a scene: its networks,
	// gateways, and servers. It is immutable input; validation never
	// mutates it.
	Topology struct {
		Name     string       `json:"name" yaml:"name"`
		Networks []NetworkDef `json:"networks" yaml:"networks"`
		Gateways []GatewayDef `json:"gateways" yaml:"gateways"`
		Servers  []ServerDef  `json:"servers" yaml:"servers"`
	}

	// NetworkDef declares a network. A missing CIDR is assigned from the
	// configured segment pool at provisioning time. IsReal networks map
	// onto physical (vlan-backed) segments.
	NetworkDef struct {
		ID         string   `json:"id" yaml:"id"`
		Name       string   `json:"name" yaml:"name"`
		CIDR       string   `json:"cidr,omitempty" yaml:"cidr,omitempty"`
		Gateway    string   `json:"gateway,omitempty" yaml:"gateway,omitempty"`
		DNS        []string `json:"dns,omitempty" yaml:"dns,omitempty"`
		DHCP       bool     `json:"dhcp" yaml:"dhcp"`
		IsReal     bool     `json:"isReal" yaml:"isReal"`
		Interfaces []string `json:"interfaces,omitempty" yaml:"interfaces,omitempty"`
	}

	// GatewayDef declares a router or firewall connecting networks.
	GatewayDef struct {
		ID               string      `json:"id" yaml:"id"`
		Name             string      `json:"name" yaml:"name"`
		Type             GatewayType `json:"type" yaml:"type"`
		Nets             []string    `json:"net" yaml:"net"`
		StaticRouting    []Route     `json:"staticRouting,omitempty" yaml:"staticRouting,omitempty"`
		FirewallRules    []FWRule    `json:"firewallRules,omitempty" yaml:"firewallRules,omitempty"`
		CanUserConfigure bool        `json:"canUserConfigure" yaml:"canUserConfigure"`
	}

	// ServerNet attaches a server to a network, optionally with a fixed
	// IP and interface list.
	ServerNet struct {
		Net        string   `json:"net" yaml:"net"`
		IP         string   `json:"ip,omitempty" yaml:"ip,omitempty"`
		Interfaces []string `json:"interfaces,omitempty" yaml:"interfaces,omitempty"`
	}

	// Scripts holds the provisioning script text for a server. Tokens of
	// the form {server.network} are substituted with assigned IPs before
	// instance creation.
	Scripts struct {
		Init    string `json:"init,omitempty" yaml:"init,omitempty"`
		Install string `json:"install,omitempty" yaml:"install,omitempty"`
		Deploy  string `json:"deploy,omitempty" yaml:"deploy,omitempty"`
	}

	// ServerDef declares a terminal.
	ServerDef struct {
		ID         string      `json:"id" yaml:"id"`
		Name       string      `json:"name" yaml:"name"`
		ImageType  ImageType   `json:"imageType" yaml:"imageType"`
		SystemType string      `json:"systemType,omitempty" yaml:"systemType,omitempty"`
		Image      string      `json:"image" yaml:"image"`
		Flavor     string      `json:"flavor,omitempty" yaml:"flavor,omitempty"`
		Role       Role        `json:"role" yaml:"role"`
		Nets       []ServerNet `json:"net" yaml:"net"`

		// External requests a path to the external network; Hang
		// declares float-eligibility by hanging the server off an
		// external namespace network.
		External bool   `json:"external" yaml:"external"`
		Hang     string `json:"hang,omitempty" yaml:"hang,omitempty"`

		Checker  string `json:"checker,omitempty" yaml:"checker,omitempty"`
		Attacker string `json:"attacker,omitempty" yaml:"attacker,omitempty"`

		Scripts     Scripts  `json:"scripts,omitempty" yaml:"scripts,omitempty"`
		AccessPorts []int    `json:"accessPorts,omitempty" yaml:"accessPorts,omitempty"`
		Bandwidth   int      `json:"bandwidth,omitempty" yaml:"bandwidth,omitempty"`
		Volumes     []string `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	}

	// Role classifies a terminal's purpose within the scene
	Role string
)

// Terminal roles
const (
	RoleOperator Role = "operator"
	RoleTarget   Role = "target"
	RoleWingman  Role = "wingman"
	RoleGateway  Role = "gateway"
	RoleExecuter Role = "executer"
)

// ParseTopology decodes a YAML (or JSON) topology document.
func ParseTopology(data []byte) (*Topology, error) {
	topo := &Topology{}
	if err := yaml.Unmarshal(data, topo); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	if topo.Name == "" {
		return nil, fmt.Errorf("parse topology: name is required")
	}
	return topo, nil
}
