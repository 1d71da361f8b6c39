package kelpie

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/kelpieio/kelpie/pkg/ippool"
	"github.com/kelpieio/kelpie/pkg/lock"
	"github.com/kelpieio/kelpie/pkg/rollback"
	"github.com/kelpieio/kelpie/pkg/taskpool"
	log "github.com/sirupsen/logrus"
)

// SceneLockPath is the key prefix for per-scene-name creation locks
var SceneLockPath = "kelpie/locks/scenes/"

// Orchestrator drives scene lifecycles: validation, preallocation, the
// provisioning pipeline, status aggregation, and teardown. One instance
// serves many concurrent scenes; per-terminal work fans out on its pool.
type Orchestrator struct {
	ctx      *Context
	cfg      *Config
	provider *Provider
	proxy    ProxyRegistrar
	pool     *taskpool.Pool
	metrics  *metrics.Metrics

	// Probe checks terminal reachability. Tests swap it out.
	Probe Prober
}

// NewOrchestrator wires up an Orchestrator. proxy may be nil when host
// proxies are not in use.
func NewOrchestrator(ctx *Context, cfg *Config, provider *Provider, proxy ProxyRegistrar) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sink := metrics.NewInmemSink(10*time.Second, 10*time.Minute)
	conf := metrics.DefaultConfig("kelpie")
	conf.EnableHostname = false
	m, err := metrics.New(conf, sink)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		ctx:      ctx,
		cfg:      cfg,
		provider: provider,
		proxy:    proxy,
		pool:     taskpool.New(cfg.Workers),
		metrics:  m,
		Probe:    TCPProbe,
	}, nil
}

// Stop drains in-flight provisioning work and shuts the pool down.
func (o *Orchestrator) Stop() {
	o.pool.Stop()
}

// Wait blocks until all submitted provisioning work has completed. Mainly
// for tests and orderly shutdown.
func (o *Orchestrator) Wait() {
	o.pool.Wait()
}

// CreateScene validates the topology, persists the scene and its child rows,
// and kicks off asynchronous provisioning. It returns as soon as the scene
// exists in CREATING; progress is observable through the scene row and the
// notification sink. Concurrent creates under the same topology name are
// serialized by a per-name lock.
func (o *Orchestrator) CreateScene(topo *Topology) (*Scene, error) {
	v, err := Validate(o.cfg, topo)
	if err != nil {
		return nil, err
	}

	l, err := lock.WaitAcquire(o.ctx.kv, SceneLockPath+topo.Name, o.cfg.LockTTL, o.cfg.LockAttempts, o.cfg.LockDelay)
	if err != nil {
		return nil, err
	}
	defer logErr(l.Release, "release scene name lock")

	scene := o.ctx.NewScene(topo.Name)
	scene.Prefix = o.cfg.NamePrefix

	// children first, scene metadata last. The metadata row is the commit
	// record: a scene without it is invisible to readers and gets swept.
	if err := o.persistRows(scene, v); err != nil {
		if derr := o.ctx.kv.Delete(scene.childPrefix(""), true); derr != nil && !o.ctx.kv.IsKeyNotFound(derr) {
			log.WithFields(log.Fields{"scene": scene.ID, "error": derr}).Error("unable to clean up partial scene rows")
		}
		return nil, err
	}
	if err := scene.Save(); err != nil {
		return nil, err
	}

	o.metrics.IncrCounter([]string{"scene", "create"}, 1)
	o.ctx.notify(Event{
		EntityType: EntityScene,
		EntityID:   scene.ID,
		Status:     string(SceneCreating),
		SceneID:    scene.ID,
	})

	sceneID := scene.ID
	err = o.pool.Submit("provision "+sceneID,
		func() error { return o.provision(sceneID, v) },
		func(err error) {
			if err != nil {
				o.abortScene(sceneID, err)
			}
		})
	if err != nil {
		return nil, err
	}

	return scene, nil
}

// persistRows writes the net, gateway, and terminal rows for a validated
// topology under the scene's key prefix.
func (o *Orchestrator) persistRows(scene *Scene, v *ValidatedTopology) error {
	for i := range v.Topology.Networks {
		n := o.ctx.NewSceneNet(scene.ID, &v.Topology.Networks[i])
		if err := n.Save(); err != nil {
			return err
		}
	}
	for i := range v.Topology.Gateways {
		g := o.ctx.NewSceneGateway(scene.ID, &v.Topology.Gateways[i])
		if err := g.Save(); err != nil {
			return err
		}
	}
	for i := range v.Topology.Servers {
		def := &v.Topology.Servers[i]
		t := o.ctx.NewSceneTerminal(scene.ID, def, v.IPKindOf(def))
		if err := t.Save(); err != nil {
			return err
		}
	}
	return nil
}

// provision runs the structural phase of scene creation in dependency order:
// networks, address reservations, gateways, then per-terminal fan-out. Any
// structural failure unwinds the rollback stack and surfaces the error; the
// completion callback moves the scene to ERROR.
func (o *Orchestrator) provision(sceneID string, v *ValidatedTopology) error {
	defer o.metrics.MeasureSince([]string{"scene", "provision", "time"}, time.Now())

	scene, err := o.ctx.Scene(sceneID)
	if err != nil {
		return err
	}

	rb := rollback.New()
	fail := func(err error) error {
		rb.Run()
		return err
	}

	scene.AddProgress("creating networks")
	nets, err := o.provisionNets(scene, v, rb)
	if err != nil {
		return fail(err)
	}

	scene.AddProgress("reserving addresses")
	res, err := o.preallocate(scene, v, nets, rb)
	if err != nil {
		return fail(err)
	}

	scene.AddProgress("creating gateways")
	if err := o.provisionGateways(scene, v, nets, rb); err != nil {
		return fail(err)
	}

	terminals, err := scene.Terminals()
	if err != nil {
		return fail(err)
	}
	if err := o.assignAddresses(v, terminals, res); err != nil {
		return fail(err)
	}

	// every handle and claim is persisted on the rows now; from here the
	// scene-level teardown reclaims resources, not the structural stack
	rb.Discard()

	// gateway-role terminals come up synchronously first, other terminals
	// may depend on them for routing
	scene.AddProgress("creating terminals")
	for _, t := range terminals {
		if t.Role != RoleGateway {
			continue
		}
		if err := o.createTerminal(sceneID, t.SubID, v); err != nil {
			return err
		}
	}

	// the rest fan out on a per-scene pool and are awaited here, so a
	// failed sibling never races the resource sweep
	var mu sync.Mutex
	var firstErr error
	tp := taskpool.New(o.cfg.Workers)
	for _, t := range terminals {
		if t.Role == RoleGateway {
			continue
		}
		subID := t.SubID
		err := tp.Submit(
			fmt.Sprintf("terminal %s/%s", sceneID, subID),
			func() error { return o.createTerminal(sceneID, subID, v) },
			func(err error) {
				if err == nil {
					return
				}
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			})
		if err != nil {
			tp.Stop()
			return err
		}
	}
	tp.Stop()

	return firstErr
}

// provisionNets assigns missing CIDRs and gateway addresses, creates the
// cloud networks, and persists the handles. Returns the nets keyed by sub id.
func (o *Orchestrator) provisionNets(scene *Scene, v *ValidatedTopology, rb *rollback.Stack) (map[string]*SceneNet, error) {
	rows, err := scene.Nets()
	if err != nil {
		return nil, err
	}

	taken, err := o.takenCIDRs()
	if err != nil {
		return nil, err
	}

	nets := make(map[string]*SceneNet, len(rows))
	for _, n := range rows {
		if n.CIDR == "" {
			subnet, err := ippool.PickCIDR(o.cfg.SubnetSegments, taken)
			if err != nil {
				return nil, err
			}
			n.CIDR = subnet.String()
			taken = append(taken, subnet)
		}
		gwDeclared := n.GatewayIP != ""
		if !gwDeclared {
			gw, err := firstHost(n.CIDR)
			if err != nil {
				return nil, err
			}
			n.GatewayIP = gw
		}
		if len(n.DNS) == 0 {
			n.DNS = o.cfg.DNS
		}

		name := o.resourceName(scene, n.Name)
		var result *NetworkResult
		if n.IsReal {
			result, err = o.provider.Network.CreateVLANNetwork(name, n.CIDR, n.GatewayIP, n.Interfaces)
		} else {
			// networks are created with the declared gateway only; a
			// defaulted gateway is set on the subnet afterwards
			declared := ""
			if gwDeclared {
				declared = n.GatewayIP
			}
			result, err = o.provider.Network.CreateNetwork(name, n.CIDR, declared, n.DNS, n.DHCP)
		}
		if err != nil {
			return nil, providerErr("create network "+n.SubID, err)
		}
		n.NetID = result.NetID
		n.SubnetID = result.SubnetID
		n.VLANID = result.VLANID

		// on the stack before the save: a save lost to a concurrent
		// deletion would otherwise orphan the handle
		netID := n.NetID
		rb.Push("network "+n.SubID, func() error {
			return o.provider.Network.DeleteNetwork(netID)
		})

		if !n.IsReal && !gwDeclared {
			if err := o.provider.Network.SetGateway(n.SubnetID, n.GatewayIP); err != nil {
				return nil, providerErr("set gateway on "+n.SubID, err)
			}
		}
		if err := n.Save(); err != nil {
			return nil, err
		}
		nets[n.SubID] = n
	}

	// nets that host proxied terminals but have no route to the external
	// network get a dedicated router so the host proxy can reach them
	for _, n := range nets {
		if !o.needsProxyRouter(v, n.SubID) {
			continue
		}
		routerID, err := o.provider.Router.CreateRouter(
			o.resourceName(scene, n.Name+"-proxy"), []string{n.SubnetID}, o.cfg.ExternalNetID)
		if err != nil {
			return nil, providerErr("create proxy router for "+n.SubID, err)
		}
		n.ProxyRouterID = routerID
		rb.Push("proxy router "+n.SubID, func() error {
			return o.provider.Router.DeleteRouter(routerID)
		})
		if err := n.Save(); err != nil {
			return nil, err
		}
	}

	return nets, nil
}

// needsProxyRouter reports whether a network hosts a terminal that exposes
// access ports without a floating IP while the network itself has no gateway
// path to the external network.
func (o *Orchestrator) needsProxyRouter(v *ValidatedTopology, netSubID string) bool {
	if v.NetRoutedToExternal(netSubID) {
		return false
	}
	for i := range v.Topology.Servers {
		s := &v.Topology.Servers[i]
		if len(s.AccessPorts) == 0 || v.IPKindOf(s) != InnerFixed {
			continue
		}
		for _, sn := range s.Nets {
			if sn.Net == netSubID {
				return true
			}
		}
	}
	return false
}

// takenCIDRs collects every assigned scene network CIDR in the store so new
// assignments never overlap a live scene.
func (o *Orchestrator) takenCIDRs() ([]*net.IPNet, error) {
	var taken []*net.IPNet
	err := o.ctx.ForEachScene(func(s *Scene) error {
		nets, err := s.Nets()
		if err != nil {
			if o.ctx.kv.IsKeyNotFound(err) {
				return nil
			}
			return err
		}
		for _, n := range nets {
			if n.CIDR == "" {
				continue
			}
			if ipnet, err := n.IPNet(); err == nil {
				taken = append(taken, ipnet)
			}
		}
		return nil
	})
	return taken, err
}

// provisionGateways creates the routers and firewall objects. Firewalls are
// built but not attached here; attachment happens once the whole scene is
// running so rules never block provisioning traffic.
func (o *Orchestrator) provisionGateways(scene *Scene, v *ValidatedTopology, nets map[string]*SceneNet, rb *rollback.Stack) error {
	rows, err := scene.Gateways()
	if err != nil {
		return err
	}

	for _, g := range rows {
		var subnetIDs []string
		externalNetID := ""
		for _, subID := range g.NetSubIDs {
			if v.IsExternalNet(subID) {
				externalNetID = o.cfg.ExternalNetID
				continue
			}
			subnetIDs = append(subnetIDs, nets[subID].SubnetID)
		}

		name := o.resourceName(scene, g.Name)
		switch g.Type {
		case GatewayRouter:
			routerID, err := o.provider.Router.CreateRouter(name, subnetIDs, externalNetID)
			if err != nil {
				return providerErr("create router "+g.SubID, err)
			}
			g.RouterID = routerID
			rb.Push("router "+g.SubID, func() error {
				return o.provider.Router.DeleteRouter(routerID)
			})
			if len(g.StaticRouting) > 0 {
				if err := o.provider.Router.SetRoutes(routerID, g.StaticRouting); err != nil {
					return providerErr("set routes on "+g.SubID, err)
				}
			}
		case GatewayFirewall:
			fw, err := o.provider.Firewall.CreateFirewall(name, g.FirewallRules, nil)
			if err != nil {
				return providerErr("create firewall "+g.SubID, err)
			}
			g.Firewall = fw
			result := *fw
			rb.Push("firewall "+g.SubID, func() error {
				return o.provider.Firewall.DeleteFirewall(result)
			})
		}

		if err := g.Save(); err != nil {
			return err
		}
	}
	return nil
}

// assignAddresses distributes the reservation onto the terminal rows:
// floating IPs to float terminals, external ports to outer-fixed terminals,
// and sampled fixed IPs to every unaddressed attachment.
func (o *Orchestrator) assignAddresses(v *ValidatedTopology, terminals []*SceneTerminal, res *Reservation) error {
	fips := res.FloatingIPs
	extPorts := make([]string, 0, len(res.ExternalPorts))
	for ip := range res.ExternalPorts {
		extPorts = append(extPorts, ip)
	}
	fixed := res.FixedIPs

	for _, t := range terminals {
		switch t.IPKind {
		case Float:
			if len(fips) == 0 {
				return fmt.Errorf("reservation exhausted: no floating ip for %s", t.SubID)
			}
			t.FloatIP = fips[0].IP
			t.FloatID = fips[0].ID
			fips = fips[1:]
		case OuterFixed:
			for i := range t.NetConfigs {
				nc := &t.NetConfigs[i]
				if !v.IsExternalNet(nc.NetSubID) || nc.IP != "" {
					continue
				}
				if len(extPorts) == 0 {
					return fmt.Errorf("reservation exhausted: no external port for %s", t.SubID)
				}
				nc.IP = extPorts[0]
				nc.PortID = res.ExternalPorts[extPorts[0]]
				extPorts = extPorts[1:]
				break
			}
		}

		for i := range t.NetConfigs {
			nc := &t.NetConfigs[i]
			if nc.IP != "" || v.IsExternalNet(nc.NetSubID) {
				continue
			}
			pool := fixed[nc.NetSubID]
			if len(pool) == 0 {
				return fmt.Errorf("reservation exhausted: no fixed ip on %s for %s", nc.NetSubID, t.SubID)
			}
			nc.IP = pool[0].String()
			fixed[nc.NetSubID] = pool[1:]
		}

		t.Status = TerminalPrepared
		if err := t.Save(); err != nil {
			return err
		}
	}
	return nil
}

// createTerminal provisions one terminal end to end: ports, instance
// creation, boot wait, floating IP or host proxy binding, and a reachability
// probe. The terminal is reported in service once the probe answers or its
// budget lapses; real devices are reported in service directly.
func (o *Orchestrator) createTerminal(sceneID, subID string, v *ValidatedTopology) error {
	defer o.metrics.MeasureSince([]string{"terminal", "create", "time"}, time.Now())

	scene, err := o.ctx.Scene(sceneID)
	if err != nil {
		return err
	}
	if scene.Status == SceneDeleted || scene.Status == SceneError {
		return nil // scene gone under us, nothing to do
	}

	t, err := o.ctx.SceneTerminal(sceneID, subID)
	if err != nil {
		return err
	}

	if err := o.setTerminalStatus(t, TerminalCreating); err != nil {
		return err
	}

	if t.IsReal() {
		// physical device: nothing to create, report it in service
		return o.ReportTerminalStatus(sceneID, subID, TerminalRunning)
	}

	nets := map[string]*SceneNet{}
	sceneNets, err := scene.Nets()
	if err != nil {
		return err
	}
	for _, n := range sceneNets {
		nets[n.SubID] = n
	}

	var nics []NicSpec
	for i := range t.NetConfigs {
		nc := &t.NetConfigs[i]
		if nc.PortID != "" {
			n := nets[nc.NetSubID]
			netID := o.cfg.ExternalNetID
			if n != nil {
				netID = n.NetID
			}
			nics = append(nics, NicSpec{NetID: netID, PortID: nc.PortID, IP: nc.IP})
			continue
		}
		netID := ""
		if n, ok := nets[nc.NetSubID]; ok {
			netID = n.NetID
		} else if v.IsExternalNet(nc.NetSubID) {
			netID = o.cfg.ExternalNetID
		} else {
			return fmt.Errorf("terminal %s: unknown network %s", subID, nc.NetSubID)
		}
		portID, err := o.provider.Network.CreatePort(netID, nc.IP)
		if err != nil {
			return providerErr("create port for "+subID, err)
		}
		i := i
		if err := o.saveTerminal(t, func() { t.NetConfigs[i].PortID = portID }); err != nil {
			return err
		}
		nics = append(nics, NicSpec{NetID: netID, PortID: portID, IP: t.NetConfigs[i].IP})
	}

	userData, err := o.buildUserData(sceneID, v, subID)
	if err != nil {
		return err
	}
	params := CreateParams{
		Name:       o.resourceName(scene, t.Name),
		Kind:       t.ImageType,
		Image:      t.Image,
		SystemType: t.SystemType,
		Flavor:     t.Flavor,
		Nics:       nics,
		UserData:   userData,
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := o.saveTerminal(t, func() { t.CreateParams = raw }); err != nil {
		return err
	}
	if err := o.setTerminalStatus(t, TerminalHatching); err != nil {
		return err
	}

	compute, err := o.provider.Compute(t.ImageType)
	if err != nil {
		return err
	}
	serverID, err := compute.Create(params)
	if err != nil {
		return providerErr("create instance for "+subID, err)
	}
	if err := o.saveTerminal(t, func() { t.ServerID = serverID }); err != nil {
		return err
	}
	if err := o.setTerminalStatus(t, TerminalStarting); err != nil {
		return err
	}

	instance, err := o.waitActive(compute, serverID)
	if err != nil {
		return providerErr("boot instance for "+subID, err)
	}
	if err := o.saveTerminal(t, func() { t.HostIP = instance.HostIP }); err != nil {
		return err
	}

	if err := o.setTerminalStatus(t, TerminalDeploying); err != nil {
		return err
	}

	if err := o.bindAccess(scene, t, v); err != nil {
		return err
	}

	o.waitReachable(sceneID, subID, o.accessAddr(t))
	o.metrics.IncrCounter([]string{"terminal", "created"}, 1)
	return o.ReportTerminalStatus(sceneID, subID, TerminalRunning)
}

// waitActive polls the instance until it leaves the building state.
func (o *Orchestrator) waitActive(compute ComputeProvider, serverID string) (*Instance, error) {
	deadline := time.Now().Add(o.cfg.ProbeTimeout)
	for {
		instance, err := compute.Get(serverID)
		if err != nil {
			return nil, err
		}
		switch instance.State {
		case InstanceActive:
			return instance, nil
		case InstanceError:
			return nil, fmt.Errorf("instance %s entered error state", serverID)
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("instance %s did not become active", serverID)
		}
		time.Sleep(o.cfg.ProbeInterval)
	}
}

// bindAccess wires up remote access: floating IP association for float
// terminals, host port proxies for inner terminals with access ports.
func (o *Orchestrator) bindAccess(scene *Scene, t *SceneTerminal, v *ValidatedTopology) error {
	if t.FloatID != "" {
		portID := o.floatPort(t, v)
		if portID == "" {
			return fmt.Errorf("terminal %s: floating ip with no port to bind", t.SubID)
		}
		if err := o.provider.Network.AssociateFloatingIP(t.FloatID, portID); err != nil {
			return providerErr("associate floating ip for "+t.SubID, err)
		}
		return nil
	}

	if o.proxy == nil || len(t.AccessPorts) == 0 {
		return nil
	}
	target := t.firstIP()
	if target == "" {
		return nil
	}
	proxied, err := o.proxy.CreateProxy(target, t.AccessPorts)
	if err != nil {
		return providerErr("create proxy for "+t.SubID, err)
	}
	if err := o.saveTerminal(t, func() { t.ProxyPorts = proxied }); err != nil {
		return err
	}
	return o.proxy.Restart()
}

// floatPort picks the port a floating IP should bind to: the port on a
// network routed to the external network, or the first port.
func (o *Orchestrator) floatPort(t *SceneTerminal, v *ValidatedTopology) string {
	for _, nc := range t.NetConfigs {
		if nc.PortID != "" && v.NetRoutedToExternal(nc.NetSubID) {
			return nc.PortID
		}
	}
	for _, nc := range t.NetConfigs {
		if nc.PortID != "" {
			return nc.PortID
		}
	}
	return ""
}

// firstIP returns the terminal's first assigned address.
func (t *SceneTerminal) firstIP() string {
	for _, nc := range t.NetConfigs {
		if nc.IP != "" {
			return nc.IP
		}
	}
	return ""
}

// accessAddr is the address the reachability probe targets: the floating IP
// if bound, otherwise the first fixed address, with the first access port.
func (o *Orchestrator) accessAddr(t *SceneTerminal) string {
	if len(t.AccessPorts) == 0 {
		return ""
	}
	ip := t.FloatIP
	if ip == "" {
		ip = t.firstIP()
	}
	if ip == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", ip, t.AccessPorts[0])
}

var scriptToken = regexp.MustCompile(`\{([\w-]+)\.([\w-]+)\}`)

// buildUserData concatenates the server's scripts and substitutes address
// tokens: {platform_ip} and {server.network} forms, resolved against the
// assigned addresses of the scene's terminal rows.
func (o *Orchestrator) buildUserData(sceneID string, v *ValidatedTopology, subID string) (string, error) {
	def, ok := v.ServerByID[subID]
	if !ok {
		return "", nil
	}
	parts := make([]string, 0, 3)
	for _, s := range []string{def.Scripts.Init, def.Scripts.Install, def.Scripts.Deploy} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	script := strings.Join(parts, "\n")
	script = strings.ReplaceAll(script, "{platform_ip}", o.cfg.PlatformIP)

	if !scriptToken.MatchString(script) {
		return script, nil
	}

	scene := &Scene{context: o.ctx, ID: sceneID}
	terminals, err := scene.Terminals()
	if err != nil {
		return "", err
	}
	byID := make(map[string]*SceneTerminal, len(terminals))
	for _, t := range terminals {
		byID[t.SubID] = t
	}

	script = scriptToken.ReplaceAllStringFunc(script, func(tok string) string {
		m := scriptToken.FindStringSubmatch(tok)
		t, ok := byID[m[1]]
		if !ok {
			return tok
		}
		if ip := t.IPOn(m[2]); ip != "" {
			return ip
		}
		return tok
	})
	return script, nil
}

// abortScene moves a scene to ERROR exactly once and tears its resources
// down. Late callers (other failed terminal tasks) see the scene already in
// ERROR or DELETED and return without acting.
func (o *Orchestrator) abortScene(sceneID string, cause error) {
	log.WithFields(log.Fields{
		"scene": sceneID,
		"error": cause,
	}).Error("scene provisioning failed")
	o.metrics.IncrCounter([]string{"scene", "error"}, 1)

	for {
		scene, err := o.ctx.Scene(sceneID)
		if err != nil {
			log.WithFields(log.Fields{"scene": sceneID, "error": err}).Error("unable to load scene for abort")
			return
		}
		if scene.Status == SceneDeleted {
			// deleted while provisioning was in flight; sweep whatever
			// the pipeline managed to create since the delete ran
			o.teardownResources(scene)
			return
		}
		if scene.Status == SceneError {
			return
		}
		scene.Error = cause.Error()
		err = scene.SetStatus(SceneError)
		if err == nil {
			o.teardownResources(scene)
			return
		}
		if !isCASRetryable(err) {
			log.WithFields(log.Fields{"scene": sceneID, "error": err}).Error("unable to mark scene errored")
			return
		}
	}
}

// firstHost returns the conventional gateway address of a CIDR, its first
// usable host.
func firstHost(cidr string) (string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", err
	}
	ip4 := ip.Mask(ipnet.Mask).To4()
	if ip4 == nil {
		return "", fmt.Errorf("cidr %s: only IPv4 is supported", cidr)
	}
	ip4[3]++
	return ip4.String(), nil
}
