package kelpie

import (
	"fmt"
	"path/filepath"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// DeleteScene tears a scene down. The lifecycle marking is synchronous and
// happens first: every terminal row and then the scene row move to DELETED
// before any resource is touched, so late agent reports and concurrent
// aggregation see a deleted scene. Resource deletion is best-effort in
// reverse dependency order; missing resources are treated as already gone,
// which makes repeated deletes safe.
func (o *Orchestrator) DeleteScene(sceneID string) error {
	defer o.metrics.MeasureSince([]string{"scene", "delete", "time"}, time.Now())

	scene, err := o.ctx.Scene(sceneID)
	if err != nil {
		return err
	}

	if scene.Status != SceneDeleted {
		terminals, err := scene.Terminals()
		if err != nil {
			return err
		}
		for _, t := range terminals {
			if err := o.markTerminalDeleted(t); err != nil {
				return err
			}
		}

		for {
			scene.Status = SceneDeleted
			err := scene.Save()
			if err == nil {
				break
			}
			if !isCASRetryable(err) {
				return err
			}
			if err := scene.Refresh(); err != nil {
				return err
			}
			if scene.Status == SceneDeleted {
				break
			}
		}
		o.ctx.notify(Event{
			EntityType: EntityScene,
			EntityID:   sceneID,
			Status:     string(SceneDeleted),
			SceneID:    sceneID,
		})
	}

	o.teardownResources(scene)
	o.metrics.IncrCounter([]string{"scene", "deleted"}, 1)
	return nil
}

// markTerminalDeleted moves one terminal row to DELETED with CAS retry.
func (o *Orchestrator) markTerminalDeleted(t *SceneTerminal) error {
	for {
		if t.Status == TerminalDeleted {
			return nil
		}
		t.Status = TerminalDeleted
		err := t.Save()
		if err == nil {
			o.ctx.notify(Event{
				EntityType: EntityTerminal,
				EntityID:   t.SubID,
				Status:     TerminalDeleted.String(),
				SceneID:    t.SceneID,
			})
			return nil
		}
		if !isCASRetryable(err) {
			return err
		}
		if err := t.Refresh(); err != nil {
			return err
		}
	}
}

// teardownResources deletes a scene's cloud resources in reverse dependency
// order: terminals, then gateways, then networks. Every deletion tolerates
// a missing resource; errors are logged and the sweep continues. Rows are
// retained for audit.
func (o *Orchestrator) teardownResources(scene *Scene) {
	terminals, err := scene.Terminals()
	if err != nil {
		log.WithFields(log.Fields{"scene": scene.ID, "error": err}).Error("unable to load terminals for teardown")
	}
	proxyDirty := false
	for _, t := range terminals {
		if o.teardownTerminalResources(t) {
			proxyDirty = true
		}
	}
	if proxyDirty && o.proxy != nil {
		if err := o.proxy.Restart(); err != nil {
			log.WithFields(log.Fields{"scene": scene.ID, "error": err}).Error("unable to restart proxy")
		}
	}

	gateways, err := scene.Gateways()
	if err != nil {
		log.WithFields(log.Fields{"scene": scene.ID, "error": err}).Error("unable to load gateways for teardown")
	}
	for _, g := range gateways {
		if g.RouterID != "" {
			if err := o.provider.Router.DeleteRouter(g.RouterID); err != nil && !IsNotFound(err) {
				log.WithFields(log.Fields{"scene": scene.ID, "gateway": g.SubID, "error": err}).Error("unable to delete router")
			}
			g.RouterID = ""
		}
		if g.Firewall != nil {
			if err := o.provider.Firewall.DeleteFirewall(*g.Firewall); err != nil && !IsNotFound(err) {
				log.WithFields(log.Fields{"scene": scene.ID, "gateway": g.SubID, "error": err}).Error("unable to delete firewall")
			}
			g.Firewall = nil
		}
		if err := g.Save(); err != nil {
			log.WithFields(log.Fields{"scene": scene.ID, "gateway": g.SubID, "error": err}).Warn("unable to persist gateway teardown")
		}
	}

	nets, err := scene.Nets()
	if err != nil {
		log.WithFields(log.Fields{"scene": scene.ID, "error": err}).Error("unable to load nets for teardown")
	}
	for _, n := range nets {
		if n.ProxyRouterID != "" {
			if err := o.provider.Router.DeleteRouter(n.ProxyRouterID); err != nil && !IsNotFound(err) {
				log.WithFields(log.Fields{"scene": scene.ID, "net": n.SubID, "error": err}).Error("unable to delete proxy router")
			}
			n.ProxyRouterID = ""
		}
		if n.NetID != "" {
			if err := o.provider.Network.DeleteNetwork(n.NetID); err != nil && !IsNotFound(err) {
				log.WithFields(log.Fields{"scene": scene.ID, "net": n.SubID, "error": err}).Error("unable to delete network")
			}
			n.NetID = ""
			n.SubnetID = ""
			n.VLANID = ""
		}
		if err := n.Save(); err != nil {
			log.WithFields(log.Fields{"scene": scene.ID, "net": n.SubID, "error": err}).Warn("unable to persist net teardown")
		}
	}
}

// teardownTerminal releases one terminal's resources and restarts the proxy
// if it held an entry. For single-terminal operations; scene-wide sweeps
// batch the restart themselves.
func (o *Orchestrator) teardownTerminal(t *SceneTerminal) {
	if o.teardownTerminalResources(t) && o.proxy != nil {
		logErr(o.proxy.Restart, "restart proxy")
	}
}

// teardownTerminalResources releases everything one terminal holds: proxy
// entries, bandwidth policies, the instance, its ports, and its address
// claims. It reports whether a proxy entry was removed so the caller can
// batch the proxy restart. Handles are cleared on the row as they go, so a
// repeated call skips what is already released.
func (o *Orchestrator) teardownTerminalResources(t *SceneTerminal) bool {
	fields := log.Fields{"scene": t.SceneID, "terminal": t.SubID}
	proxyDirty := false

	if len(t.ProxyPorts) > 0 && o.proxy != nil {
		if err := o.proxy.DeleteProxy(t.firstIP(), t.AccessPorts); err != nil && !IsNotFound(err) {
			log.WithFields(fields).WithField("error", err).Error("unable to delete proxy")
		}
		t.ProxyPorts = nil
		proxyDirty = true
	}

	if o.provider.QoS != nil {
		for _, policyID := range t.PolicyIDs {
			if err := o.provider.QoS.DeletePolicy(policyID); err != nil && !IsNotFound(err) {
				log.WithFields(fields).WithField("error", err).Error("unable to delete bandwidth policy")
			}
		}
		t.PolicyIDs = nil
	}

	if t.FloatID != "" {
		if err := o.provider.Network.DeleteFloatingIP(t.FloatID); err != nil && !IsNotFound(err) {
			log.WithFields(fields).WithField("error", err).Error("unable to release floating ip")
		}
		o.releaseFIPClaim(t.FloatIP)
		t.FloatID = ""
		t.FloatIP = ""
	}

	if t.ServerID != "" && !t.IsReal() {
		if compute, err := o.provider.Compute(t.ImageType); err == nil {
			if err := compute.Delete(t.ServerID); err != nil && !IsNotFound(err) {
				log.WithFields(fields).WithField("error", err).Error("unable to delete instance")
			}
		}
		t.ServerID = ""
	}

	for i := range t.NetConfigs {
		nc := &t.NetConfigs[i]
		if nc.PortID == "" {
			continue
		}
		if err := o.provider.Network.DeletePort(nc.PortID); err != nil && !IsNotFound(err) {
			log.WithFields(fields).WithField("error", err).Error("unable to delete port")
		}
		nc.PortID = ""
		if t.IPKind == OuterFixed && nc.IP != "" {
			key := filepath.Join(ExtPortPath, nc.IP)
			if err := o.ctx.kv.Delete(key, false); err != nil && !o.ctx.kv.IsKeyNotFound(err) {
				log.WithFields(fields).WithField("error", err).Error("unable to release external port claim")
			}
		}
	}

	if err := t.Save(); err != nil {
		log.WithFields(fields).WithField("error", err).Warn("unable to persist terminal teardown")
	}
	return proxyDirty
}

// PauseScene suspends every managed terminal of a running scene. Instance
// pausing is best-effort per terminal; the aggregate error lists any that
// failed. The scene moves to PAUSE if at least the marking succeeds.
func (o *Orchestrator) PauseScene(sceneID string) error {
	scene, err := o.ctx.Scene(sceneID)
	if err != nil {
		return err
	}
	if scene.Status != SceneRunning {
		return fmt.Errorf("scene %s is %s, only running scenes pause", sceneID, scene.Status)
	}

	terminals, err := scene.Terminals()
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, t := range terminals {
		if t.IsReal() || t.ServerID == "" {
			continue
		}
		compute, err := o.provider.Compute(t.ImageType)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := compute.Pause(t.ServerID); err != nil {
			errs = multierror.Append(errs, providerErr("pause "+t.SubID, err))
			continue
		}
		if err := o.setTerminalStatus(t, TerminalPause); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := scene.SetStatus(ScenePause); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// RecoverScene resumes a paused scene.
func (o *Orchestrator) RecoverScene(sceneID string) error {
	scene, err := o.ctx.Scene(sceneID)
	if err != nil {
		return err
	}
	if scene.Status != ScenePause {
		return fmt.Errorf("scene %s is %s, only paused scenes recover", sceneID, scene.Status)
	}

	terminals, err := scene.Terminals()
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, t := range terminals {
		if t.IsReal() || t.ServerID == "" {
			continue
		}
		compute, err := o.provider.Compute(t.ImageType)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := compute.Unpause(t.ServerID); err != nil {
			errs = multierror.Append(errs, providerErr("unpause "+t.SubID, err))
			continue
		}
		if err := o.setTerminalStatus(t, TerminalRunning); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := scene.SetStatus(SceneRunning); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
