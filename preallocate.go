package kelpie

import (
	"encoding/json"
	"net"
	"path/filepath"

	"github.com/kelpieio/kelpie/pkg/ippool"
	"github.com/kelpieio/kelpie/pkg/kv"
	"github.com/kelpieio/kelpie/pkg/lock"
	"github.com/kelpieio/kelpie/pkg/rollback"
	log "github.com/sirupsen/logrus"
)

var (
	// FIPPath is the key prefix for floating IP claims
	FIPPath = "kelpie/fips/"
	// ExtPortPath is the key prefix for external port claims
	ExtPortPath = "kelpie/extports/"
	// AddressPoolLockKey names the cross-scene mutual-exclusion lock on
	// the shared floating-IP/port pool. One fixed name, not per-scene:
	// concurrent scene creations compete for the same finite pool.
	AddressPoolLockKey = "kelpie/locks/address-pool"
)

type (
	// Reservation is the outcome of preallocation: everything a scene
	// needs from the shared and per-network address pools. Granting is
	// all-or-nothing.
	Reservation struct {
		FloatingIPs   []FloatingIP
		ExternalPorts map[string]string   // ip -> port id
		FixedIPs      map[string][]net.IP // net sub id -> addresses
	}

	// fipClaim marks a floating IP as taken in the shared pool
	fipClaim struct {
		SceneID string `json:"scene"`
		FIPID   string `json:"fip"`
	}

	demand struct {
		floats   int
		extPorts int
		fixed    map[string]int
	}
)

// computeDemand sizes the reservation from the terminals' ip-type
// classification plus the per-network count of attachments lacking a
// declared static address.
func computeDemand(v *ValidatedTopology) demand {
	d := demand{fixed: map[string]int{}}
	for i := range v.Topology.Servers {
		s := &v.Topology.Servers[i]
		switch v.IPKindOf(s) {
		case Float:
			d.floats++
		case OuterFixed:
			for _, sn := range s.Nets {
				if v.IsExternalNet(sn.Net) && sn.IP == "" {
					d.extPorts++
					break
				}
			}
		}
		for _, sn := range s.Nets {
			if sn.IP == "" && !v.IsExternalNet(sn.Net) {
				d.fixed[sn.Net]++
			}
		}
	}
	return d
}

// preallocate reserves floating IPs, external ports, and fixed IPs before
// any terminal is created. The shared pool is guarded by the named lock;
// fixed IPs are scene-private and need none. Shortfalls abort with nothing
// reserved. Cloud-side mutations (external ports) are pushed onto the
// rollback stack.
func (o *Orchestrator) preallocate(scene *Scene, v *ValidatedTopology, nets map[string]*SceneNet, rb *rollback.Stack) (*Reservation, error) {
	d := computeDemand(v)
	res := &Reservation{
		ExternalPorts: map[string]string{},
		FixedIPs:      map[string][]net.IP{},
	}

	if d.floats > 0 || d.extPorts > 0 {
		l, err := lock.WaitAcquire(o.ctx.kv, AddressPoolLockKey, o.cfg.LockTTL, o.cfg.LockAttempts, o.cfg.LockDelay)
		if err != nil {
			return nil, err
		}
		defer logErr(l.Release, "release address pool lock")

		if err := o.claimFloatingIPs(scene, d.floats, res, rb); err != nil {
			return nil, err
		}
		if err := o.claimExternalPorts(scene, d.extPorts, res, rb); err != nil {
			o.releaseFloatingIPs(res.FloatingIPs)
			return nil, err
		}
	}

	for subID, count := range d.fixed {
		n := nets[subID]
		cidr, err := n.IPNet()
		if err != nil {
			return nil, err
		}
		ips, err := ippool.SampleIPs(cidr, declaredIPs(v, n), count)
		if err != nil {
			return nil, &ReservationError{Resource: "fixed ips on " + subID, Want: count}
		}
		res.FixedIPs[subID] = ips
	}

	return res, nil
}

// claimFloatingIPs pops count available floating IPs. The available set is
// always a fresh provider snapshot taken under the pool lock, filtered by
// the claim records in the store.
func (o *Orchestrator) claimFloatingIPs(scene *Scene, count int, res *Reservation, rb *rollback.Stack) error {
	if count == 0 {
		return nil
	}

	avail, err := o.provider.Network.ListFloatingIPs()
	if err != nil {
		return providerErr("list floating ips", err)
	}

	claimed, err := o.ctx.kv.GetAll(FIPPath)
	if err != nil && !o.ctx.kv.IsKeyNotFound(err) {
		return err
	}

	free := make([]FloatingIP, 0, len(avail))
	for _, fip := range avail {
		if _, taken := claimed[filepath.Join(FIPPath, fip.IP)]; !taken {
			free = append(free, fip)
		}
	}
	if len(free) < count {
		return &ReservationError{Resource: "floating ips", Want: count, Have: len(free)}
	}

	for _, fip := range free {
		if len(res.FloatingIPs) == count {
			break
		}
		data, _ := json.Marshal(fipClaim{SceneID: scene.ID, FIPID: fip.ID})
		if _, err := o.ctx.kv.Create(filepath.Join(FIPPath, fip.IP), string(data)); err != nil {
			if err == kv.ErrKeyExists {
				continue // lost to a stale claim record, try the next
			}
			o.releaseFloatingIPs(res.FloatingIPs)
			return err
		}
		res.FloatingIPs = append(res.FloatingIPs, fip)
	}

	if len(res.FloatingIPs) < count {
		have := len(res.FloatingIPs)
		o.releaseFloatingIPs(res.FloatingIPs)
		res.FloatingIPs = nil
		return &ReservationError{Resource: "floating ips", Want: count, Have: have}
	}

	fips := res.FloatingIPs
	rb.Push("floating ip claims", func() error {
		o.releaseFloatingIPs(fips)
		return nil
	})
	return nil
}

// claimExternalPorts creates count fixed ports on the external network with
// addresses sampled from the configured external range.
func (o *Orchestrator) claimExternalPorts(scene *Scene, count int, res *Reservation, rb *rollback.Stack) error {
	if count == 0 {
		return nil
	}

	_, extCIDR, err := net.ParseCIDR(o.cfg.ExternalCIDR)
	if err != nil {
		return err
	}

	claimed, err := o.ctx.kv.GetAll(ExtPortPath)
	if err != nil && !o.ctx.kv.IsKeyNotFound(err) {
		return err
	}
	used := make([]net.IP, 0, len(claimed))
	for key := range claimed {
		if ip := net.ParseIP(filepath.Base(key)); ip != nil {
			used = append(used, ip)
		}
	}

	ips, err := ippool.SampleIPs(extCIDR, used, count)
	if err != nil {
		return &ReservationError{Resource: "external ports", Want: count, Have: len(ippool.FreeAddresses(extCIDR, used))}
	}

	for _, ip := range ips {
		portID, err := o.provider.Network.CreatePort(o.cfg.ExternalNetID, ip.String())
		if err != nil {
			o.releaseExternalPorts(res.ExternalPorts)
			res.ExternalPorts = map[string]string{}
			return providerErr("create external port", err)
		}
		res.ExternalPorts[ip.String()] = portID
		if err := o.ctx.kv.Set(filepath.Join(ExtPortPath, ip.String()), scene.ID); err != nil {
			o.releaseExternalPorts(res.ExternalPorts)
			res.ExternalPorts = map[string]string{}
			return err
		}
	}

	ports := res.ExternalPorts
	rb.Push("external port claims", func() error {
		o.releaseExternalPorts(ports)
		return nil
	})
	return nil
}

// releaseFloatingIPs drops claim records. The IPs themselves live in the
// provider pool and need no cloud-side action until bound.
func (o *Orchestrator) releaseFloatingIPs(fips []FloatingIP) {
	for _, fip := range fips {
		o.releaseFIPClaim(fip.IP)
	}
}

func (o *Orchestrator) releaseFIPClaim(ip string) {
	if ip == "" {
		return
	}
	if err := o.ctx.kv.Delete(filepath.Join(FIPPath, ip), false); err != nil && !o.ctx.kv.IsKeyNotFound(err) {
		log.WithFields(log.Fields{"ip": ip, "error": err}).Error("unable to release floating ip claim")
	}
}

// releaseExternalPorts deletes the cloud ports and their claim records.
func (o *Orchestrator) releaseExternalPorts(ports map[string]string) {
	for ip, portID := range ports {
		if err := o.provider.Network.DeletePort(portID); err != nil && !IsNotFound(err) {
			log.WithFields(log.Fields{"port": portID, "error": err}).Error("unable to delete external port")
		}
		if err := o.ctx.kv.Delete(filepath.Join(ExtPortPath, ip), false); err != nil && !o.ctx.kv.IsKeyNotFound(err) {
			log.WithFields(log.Fields{"ip": ip, "error": err}).Error("unable to release external port claim")
		}
	}
}

// declaredIPs collects the statically declared addresses on a network plus
// its gateway address, so sampling never collides with them.
func declaredIPs(v *ValidatedTopology, n *SceneNet) []net.IP {
	var ips []net.IP
	if ip := net.ParseIP(n.GatewayIP); ip != nil {
		ips = append(ips, ip)
	}
	for i := range v.Topology.Servers {
		for _, sn := range v.Topology.Servers[i].Nets {
			if sn.Net != n.SubID || sn.IP == "" {
				continue
			}
			if ip := net.ParseIP(sn.IP); ip != nil {
				ips = append(ips, ip)
			}
		}
	}
	return ips
}

// logErr runs fn and logs any error, for deferred cleanup calls.
func logErr(fn func() error, what string) {
	if err := fn(); err != nil {
		log.WithFields(log.Fields{"error": err}).Error("unable to " + what)
	}
}
