package kelpie

import (
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
)

// IPKind classifies how a terminal gets its address.
type IPKind int

// Address classifications. A server directly on an external network gets a
// fixed port there; a float-eligible server gets a floating IP; everything
// else gets a fixed IP on its scene-private network.
const (
	InnerFixed IPKind = iota
	OuterFixed
	Float
)

// ValidatedTopology is the result of a successful Validate call: the
// topology plus lookup tables resolved against it. Entities reference each
// other by id only; all lookups go through these maps.
type ValidatedTopology struct {
	Topology *Topology

	NetByID     map[string]*NetworkDef
	GatewayByID map[string]*GatewayDef
	ServerByID  map[string]*ServerDef

	external    map[string]bool
	netGateways map[string][]*GatewayDef
}

// Validate checks a topology for referential integrity, uniqueness, and
// reachability. It is a pure function over the config: every violation found
// is reported, not just the first, and nothing is persisted.
func Validate(cfg *Config, topo *Topology) (*ValidatedTopology, error) {
	v := &ValidatedTopology{
		Topology:    topo,
		NetByID:     map[string]*NetworkDef{},
		GatewayByID: map[string]*GatewayDef{},
		ServerByID:  map[string]*ServerDef{},
		external:    map[string]bool{},
		netGateways: map[string][]*GatewayDef{},
	}
	for _, id := range cfg.ExternalNetworks {
		v.external[id] = true
	}

	var errs *multierror.Error

	for i := range topo.Networks {
		n := &topo.Networks[i]
		if _, dup := v.NetByID[n.ID]; dup {
			errs = multierror.Append(errs, fmt.Errorf("duplicate network id %q", n.ID))
			continue
		}
		v.NetByID[n.ID] = n
	}

	for i := range topo.Gateways {
		g := &topo.Gateways[i]
		if _, dup := v.GatewayByID[g.ID]; dup {
			errs = multierror.Append(errs, fmt.Errorf("duplicate gateway id %q", g.ID))
			continue
		}
		v.GatewayByID[g.ID] = g

		if g.Type != GatewayRouter && g.Type != GatewayFirewall {
			errs = multierror.Append(errs, fmt.Errorf("gateway %q: unknown type %q", g.ID, g.Type))
		}
		for _, netID := range g.Nets {
			if !v.resolvesNet(netID) {
				errs = multierror.Append(errs, fmt.Errorf("gateway %q: unknown network %q", g.ID, netID))
				continue
			}
			v.netGateways[netID] = append(v.netGateways[netID], g)
		}
	}

	for i := range topo.Servers {
		s := &topo.Servers[i]
		if _, dup := v.ServerByID[s.ID]; dup {
			errs = multierror.Append(errs, fmt.Errorf("duplicate server id %q", s.ID))
			continue
		}
		v.ServerByID[s.ID] = s
	}

	// server-level references need the full server table, second pass
	for i := range topo.Servers {
		s := &topo.Servers[i]
		if v.ServerByID[s.ID] != s {
			continue // duplicate, already reported
		}

		for _, sn := range s.Nets {
			if !v.resolvesNet(sn.Net) {
				errs = multierror.Append(errs, fmt.Errorf("server %q: unknown network %q", s.ID, sn.Net))
			}
		}
		if s.Hang != "" && !v.external[s.Hang] {
			errs = multierror.Append(errs, fmt.Errorf("server %q: hang reference %q is not an external network", s.ID, s.Hang))
		}
		for ref, id := range map[string]string{"checker": s.Checker, "attacker": s.Attacker} {
			if id == "" {
				continue
			}
			if id == s.ID {
				errs = multierror.Append(errs, fmt.Errorf("server %q: %s references itself", s.ID, ref))
			} else if _, ok := v.ServerByID[id]; !ok {
				errs = multierror.Append(errs, fmt.Errorf("server %q: unknown %s server %q", s.ID, ref, id))
			}
		}
		if s.External && !v.reachesExternal(s) {
			errs = multierror.Append(errs, fmt.Errorf("server %q: external requested but no path to an external network", s.ID))
		}
	}

	if errs.ErrorOrNil() != nil {
		return nil, &ValidationError{Errors: errs.Errors}
	}
	return v, nil
}

// resolvesNet reports whether a net reference names a declared network or an
// external namespace id (external networks exist outside the topology and
// resolve implicitly).
func (v *ValidatedTopology) resolvesNet(id string) bool {
	if v.external[id] {
		return true
	}
	_, ok := v.NetByID[id]
	return ok
}

// IsExternalNet reports whether id denotes the external namespace.
func (v *ValidatedTopology) IsExternalNet(id string) bool {
	return v.external[id]
}

// GatewaysOn returns the gateways attached to a network.
func (v *ValidatedTopology) GatewaysOn(netID string) []*GatewayDef {
	return v.netGateways[netID]
}

// reachesExternal walks the network graph from the server's member networks
// across gateways, looking for an external network.
func (v *ValidatedTopology) reachesExternal(s *ServerDef) bool {
	seen := map[string]bool{}
	queue := make([]string, 0, len(s.Nets))
	for _, sn := range s.Nets {
		queue = append(queue, sn.Net)
	}
	if s.Hang != "" {
		queue = append(queue, s.Hang)
	}

	for len(queue) > 0 {
		netID := queue[0]
		queue = queue[1:]
		if seen[netID] {
			continue
		}
		seen[netID] = true

		if v.external[netID] {
			return true
		}
		for _, g := range v.netGateways[netID] {
			for _, next := range g.Nets {
				if !seen[next] {
					queue = append(queue, next)
				}
			}
		}
	}
	return false
}

// NetRoutedToExternal reports whether a network has a gateway path to an
// external network.
func (v *ValidatedTopology) NetRoutedToExternal(netID string) bool {
	seen := map[string]bool{}
	queue := []string{netID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		if v.external[id] {
			return true
		}
		for _, g := range v.netGateways[id] {
			for _, next := range g.Nets {
				if !seen[next] {
					queue = append(queue, next)
				}
			}
		}
	}
	return false
}

// IPKindOf classifies a server's addressing. Direct external membership wins
// over float eligibility.
func (v *ValidatedTopology) IPKindOf(s *ServerDef) IPKind {
	for _, sn := range s.Nets {
		if v.external[sn.Net] {
			return OuterFixed
		}
	}
	if s.Hang != "" {
		return Float
	}
	if s.External && v.reachesExternal(s) {
		return Float
	}
	return InnerFixed
}
