package kelpie

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

type (
	// StubProvider is a Provider with stubbed, in-memory methods for
	// testing. Every creation mints an opaque id and records the resource;
	// deletions mark it gone and return a not-found error when it never
	// existed. Failures are injected either randomly via failPercent or
	// deterministically via FailOn, keyed by operation name.
	StubProvider struct {
		mu          sync.Mutex
		rand        *rand.Rand
		failPercent int
		nextID      int

		// FailOn injects an error for a named operation (e.g.
		// "CreateRouter"). The entry is consumed on first use.
		FailOn map[string]error

		// Pool is the floating IP pool ListFloatingIPs serves from
		Pool []FloatingIP

		networks   map[string]bool
		routers    map[string]bool
		firewalls  map[string]bool
		ports      map[string]bool
		policies   map[string]bool
		instances  map[string]*Instance
		associated map[string]string // fip id -> port id
		volumes    map[string][]string
	}
)

// NewStubProvider creates a new StubProvider instance and initializes the
// random number generator for failures.
func NewStubProvider(failPercent int) *StubProvider {
	return &StubProvider{
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
		failPercent: failPercent,
		FailOn:      map[string]error{},
		networks:    map[string]bool{},
		routers:     map[string]bool{},
		firewalls:   map[string]bool{},
		ports:       map[string]bool{},
		policies:    map[string]bool{},
		instances:   map[string]*Instance{},
		associated:  map[string]string{},
		volumes:     map[string][]string{},
	}
}

// Provider bundles the stub into every provider slot.
func (s *StubProvider) Provider() *Provider {
	return &Provider{
		Network:  s,
		Router:   s,
		Firewall: s,
		VM:       s,
		Docker:   s,
		Volume:   s,
		QoS:      s,
	}
}

// fail returns the injected error for op, or a random error per failPercent.
// Callers must hold the mutex.
func (s *StubProvider) fail(op string) error {
	if err, ok := s.FailOn[op]; ok {
		delete(s.FailOn, op)
		return err
	}
	if s.failPercent > 0 && s.rand.Intn(100) < s.failPercent {
		return errors.New("random error")
	}
	return nil
}

func (s *StubProvider) mint(kind string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", kind, s.nextID)
}

// LiveResources counts resources created but not yet deleted. Zero after a
// full rollback or teardown.
func (s *StubProvider) LiveResources() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, live := range []map[string]bool{s.networks, s.routers, s.firewalls, s.ports, s.policies} {
		for _, alive := range live {
			if alive {
				n++
			}
		}
	}
	for _, inst := range s.instances {
		if inst != nil {
			n++
		}
	}
	return n
}

// CreateNetwork is a stub for creating a network.
func (s *StubProvider) CreateNetwork(name, cidr, gateway string, dns []string, dhcp bool) (*NetworkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateNetwork"); err != nil {
		return nil, err
	}
	id := s.mint("net")
	s.networks[id] = true
	return &NetworkResult{NetID: id, SubnetID: s.mint("subnet"), CIDR: cidr}, nil
}

// CreateVLANNetwork is a stub for creating a vlan-backed network.
func (s *StubProvider) CreateVLANNetwork(name, cidr, gateway string, interfaces []string) (*NetworkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateVLANNetwork"); err != nil {
		return nil, err
	}
	id := s.mint("net")
	s.networks[id] = true
	return &NetworkResult{NetID: id, SubnetID: s.mint("subnet"), CIDR: cidr, VLANID: s.mint("vlan")}, nil
}

// DeleteNetwork is a stub for deleting a network.
func (s *StubProvider) DeleteNetwork(netID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteNetwork"); err != nil {
		return err
	}
	return s.remove(s.networks, netID)
}

func (s *StubProvider) remove(m map[string]bool, id string) error {
	if alive, ok := m[id]; !ok || !alive {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	m[id] = false
	return nil
}

// SetGateway is a stub for updating a subnet's gateway.
func (s *StubProvider) SetGateway(subnetID, gateway string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail("SetGateway")
}

// ListFloatingIPs serves the configured pool minus bound addresses.
func (s *StubProvider) ListFloatingIPs() ([]FloatingIP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ListFloatingIPs"); err != nil {
		return nil, err
	}
	free := make([]FloatingIP, 0, len(s.Pool))
	for _, fip := range s.Pool {
		if _, bound := s.associated[fip.ID]; !bound {
			free = append(free, fip)
		}
	}
	return free, nil
}

// DeleteFloatingIP returns a bound floating IP to the pool.
func (s *StubProvider) DeleteFloatingIP(fipID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteFloatingIP"); err != nil {
		return err
	}
	if _, bound := s.associated[fipID]; !bound {
		return fmt.Errorf("%s: %w", fipID, ErrNotFound)
	}
	delete(s.associated, fipID)
	return nil
}

// AssociateFloatingIP binds a floating IP to a port.
func (s *StubProvider) AssociateFloatingIP(fipID, portID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AssociateFloatingIP"); err != nil {
		return err
	}
	if alive, ok := s.ports[portID]; !ok || !alive {
		return fmt.Errorf("%s: %w", portID, ErrNotFound)
	}
	s.associated[fipID] = portID
	return nil
}

// CreatePort is a stub for creating a fixed port.
func (s *StubProvider) CreatePort(netID, ip string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreatePort"); err != nil {
		return "", err
	}
	id := s.mint("port")
	s.ports[id] = true
	return id, nil
}

// DeletePort is a stub for deleting a port.
func (s *StubProvider) DeletePort(portID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeletePort"); err != nil {
		return err
	}
	return s.remove(s.ports, portID)
}

// CreateRouter is a stub for creating a router.
func (s *StubProvider) CreateRouter(name string, subnetIDs []string, externalNetID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateRouter"); err != nil {
		return "", err
	}
	id := s.mint("router")
	s.routers[id] = true
	return id, nil
}

// SetRoutes is a stub for setting static routes.
func (s *StubProvider) SetRoutes(routerID string, routes []Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SetRoutes"); err != nil {
		return err
	}
	if alive, ok := s.routers[routerID]; !ok || !alive {
		return fmt.Errorf("%s: %w", routerID, ErrNotFound)
	}
	return nil
}

// DeleteRouter is a stub for deleting a router.
func (s *StubProvider) DeleteRouter(routerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteRouter"); err != nil {
		return err
	}
	return s.remove(s.routers, routerID)
}

// CreateFirewall is a stub for creating a firewall.
func (s *StubProvider) CreateFirewall(name string, rules []FWRule, netIDs []string) (*FirewallResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateFirewall"); err != nil {
		return nil, err
	}
	id := s.mint("fw")
	s.firewalls[id] = true
	ruleIDs := make([]string, 0, len(rules))
	for range rules {
		ruleIDs = append(ruleIDs, s.mint("fwrule"))
	}
	return &FirewallResult{FirewallID: id, PolicyID: s.mint("fwpolicy"), RuleIDs: ruleIDs}, nil
}

// AttachFirewall is a stub for attaching a firewall to networks.
func (s *StubProvider) AttachFirewall(firewallID string, netIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AttachFirewall"); err != nil {
		return err
	}
	if alive, ok := s.firewalls[firewallID]; !ok || !alive {
		return fmt.Errorf("%s: %w", firewallID, ErrNotFound)
	}
	return nil
}

// DeleteFirewall is a stub for deleting a firewall.
func (s *StubProvider) DeleteFirewall(fw FirewallResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteFirewall"); err != nil {
		return err
	}
	return s.remove(s.firewalls, fw.FirewallID)
}

// Create is a stub for creating an instance. Instances are active
// immediately.
func (s *StubProvider) Create(params CreateParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Create"); err != nil {
		return "", err
	}
	id := s.mint("server")
	s.instances[id] = &Instance{ID: id, State: InstanceActive, HostIP: "10.250.0.1"}
	return id, nil
}

// Get is a stub for fetching an instance.
func (s *StubProvider) Get(id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Get"); err != nil {
		return nil, err
	}
	inst, ok := s.instances[id]
	if !ok || inst == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	out := *inst
	return &out, nil
}

func (s *StubProvider) setState(op, id string, state InstanceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(op); err != nil {
		return err
	}
	inst, ok := s.instances[id]
	if !ok || inst == nil {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	inst.State = state
	return nil
}

// Start is a stub for starting an instance.
func (s *StubProvider) Start(id string) error {
	return s.setState("Start", id, InstanceActive)
}

// Stop is a stub for stopping an instance.
func (s *StubProvider) Stop(id string) error {
	return s.setState("Stop", id, InstanceStopped)
}

// Pause is a stub for pausing an instance.
func (s *StubProvider) Pause(id string) error {
	return s.setState("Pause", id, InstancePaused)
}

// Unpause is a stub for resuming an instance.
func (s *StubProvider) Unpause(id string) error {
	return s.setState("Unpause", id, InstanceActive)
}

// Delete is a stub for deleting an instance.
func (s *StubProvider) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Delete"); err != nil {
		return err
	}
	inst, ok := s.instances[id]
	if !ok || inst == nil {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	s.instances[id] = nil
	return nil
}

// Attach is a stub for attaching a volume.
func (s *StubProvider) Attach(serverID, volumeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Attach"); err != nil {
		return err
	}
	s.volumes[serverID] = append(s.volumes[serverID], volumeID)
	return nil
}

// Detach is a stub for detaching a volume.
func (s *StubProvider) Detach(serverID, volumeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Detach"); err != nil {
		return err
	}
	vols := s.volumes[serverID]
	for i, v := range vols {
		if v == volumeID {
			s.volumes[serverID] = append(vols[:i], vols[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%s: %w", volumeID, ErrNotFound)
}

// AttachedVolumes returns the volumes attached to an instance.
func (s *StubProvider) AttachedVolumes(serverID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.volumes[serverID]...)
}

// CreatePolicy is a stub for creating a bandwidth policy.
func (s *StubProvider) CreatePolicy(name string, limitKbps int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreatePolicy"); err != nil {
		return "", err
	}
	id := s.mint("policy")
	s.policies[id] = true
	return id, nil
}

// BindPort is a stub for binding a bandwidth policy to a port.
func (s *StubProvider) BindPort(policyID, portID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("BindPort"); err != nil {
		return err
	}
	if alive, ok := s.policies[policyID]; !ok || !alive {
		return fmt.Errorf("%s: %w", policyID, ErrNotFound)
	}
	return nil
}

// DeletePolicy is a stub for deleting a bandwidth policy.
func (s *StubProvider) DeletePolicy(policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeletePolicy"); err != nil {
		return err
	}
	return s.remove(s.policies, policyID)
}

// StubProxy is a ProxyRegistrar with stubbed, in-memory methods for testing.
// Proxied ports map to themselves plus a fixed offset; Restarts counts the
// batched restart calls.
type StubProxy struct {
	mu       sync.Mutex
	Entries  map[string][]int
	Restarts int
}

// NewStubProxy creates a new StubProxy instance.
func NewStubProxy() *StubProxy {
	return &StubProxy{Entries: map[string][]int{}}
}

// CreateProxy registers proxy entries for an address.
func (p *StubProxy) CreateProxy(ip string, ports []int) (map[int]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Entries[ip] = append([]int(nil), ports...)
	proxied := make(map[int]int, len(ports))
	for _, port := range ports {
		proxied[port] = port + 10000
	}
	return proxied, nil
}

// DeleteProxy removes the proxy entries for an address.
func (p *StubProxy) DeleteProxy(ip string, ports []int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.Entries[ip]; !ok {
		return fmt.Errorf("%s: %w", ip, ErrNotFound)
	}
	delete(p.Entries, ip)
	return nil
}

// Restart records a batched restart.
func (p *StubProxy) Restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Restarts++
	return nil
}
