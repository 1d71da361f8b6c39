package kelpie

import (
	"errors"
	"time"

	"github.com/kelpieio/kelpie/pkg/kv"
	log "github.com/sirupsen/logrus"
)

func isCASRetryable(err error) bool {
	return err == kv.ErrCASFailed
}

// saveTerminal persists t with CAS retry, re-running apply after every
// refresh so in-memory fields (provider handles) survive racing writers. A
// handle must land on the row even when the row was concurrently marked
// DELETED; the sweep finds it there.
func (o *Orchestrator) saveTerminal(t *SceneTerminal, apply func()) error {
	for {
		apply()
		err := t.Save()
		if err == nil {
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

// setTerminalStatus persists a pipeline-driven status transition with CAS
// retry and emits a notification. If a concurrent writer moved the terminal
// to DELETED or ERROR, the transition is abandoned and ErrSceneDeleted is
// returned so the provisioning task stops.
func (o *Orchestrator) setTerminalStatus(t *SceneTerminal, status TerminalStatus) error {
	for {
		if t.Status == TerminalDeleted || t.Status == TerminalError {
			return ErrSceneDeleted
		}
		t.Status = status
		err := t.Save()
		if err == nil {
			break
		}
		if !isCASRetryable(err) {
			return err
		}
		if err := t.Refresh(); err != nil {
			return err
		}
	}

	o.ctx.notify(Event{
		EntityType: EntityTerminal,
		EntityID:   t.SubID,
		Status:     status.String(),
		SceneID:    t.SceneID,
	})
	return nil
}

// ReportTerminalStatus applies an asynchronous status report from a terminal
// agent (or an internal task). Reports are unordered and at-least-once, so
// three rules shape what gets applied:
//
//   - monotonic progress: a process-state report ranked below the current
//     process state is stale and dropped (RUNNING and PAUSE rank equal, so
//     pause/recover moves apply in both directions)
//   - ERROR absorbs: once a terminal is in ERROR only deletion replaces it
//   - deletion and use never coexist: a using-state report against a
//     DELETED terminal means the instance came up after teardown and its
//     resources are torn down again; a DELETED report against a using-state
//     terminal is applied and tears that terminal's resources down
//
// An applied using-state report triggers scene aggregation; an applied ERROR
// aborts the scene.
func (o *Orchestrator) ReportTerminalStatus(sceneID, subID string, status TerminalStatus) error {
	t, err := o.ctx.SceneTerminal(sceneID, subID)
	if err != nil {
		return err
	}

	wasUsing := false
	for {
		cur := t.Status

		if cur == TerminalDeleted {
			if status.IsUsing() {
				log.WithFields(log.Fields{
					"scene":    sceneID,
					"terminal": subID,
					"status":   status.String(),
				}).Warn("report for deleted terminal, tearing down again")
				o.teardownTerminal(t)
			}
			return nil
		}
		if cur == TerminalError && status != TerminalDeleted {
			return nil
		}
		if status.isProcess() && cur.isProcess() && status.rank() < cur.rank() {
			log.WithFields(log.Fields{
				"scene":    sceneID,
				"terminal": subID,
				"current":  cur.String(),
				"reported": status.String(),
			}).Debug("dropping stale status report")
			return nil
		}

		wasUsing = cur.IsUsing()
		firstUse := status.IsUsing() && !wasUsing
		t.Status = status
		if firstUse {
			t.CreatedTime = time.Now()
			t.ConsumeTime = int64(t.CreatedTime.Sub(t.CreateTime) / time.Second)
		}

		err := t.Save()
		if err == nil {
			if firstUse {
				o.attachPendingVolumes(t)
			}
			break
		}
		if !isCASRetryable(err) {
			return err
		}
		if err := t.Refresh(); err != nil {
			return err
		}
	}

	if status == TerminalDeleted && wasUsing {
		o.teardownTerminal(t)
	}

	o.ctx.notify(Event{
		EntityType: EntityTerminal,
		EntityID:   subID,
		Status:     status.String(),
		SceneID:    sceneID,
	})

	switch {
	case status == TerminalError:
		o.abortScene(sceneID, &ProviderError{Op: "terminal " + subID, Err: errTerminalReported})
	case status.IsUsing():
		o.checkSceneComplete(sceneID)
	}
	return nil
}

var errTerminalReported = errors.New("terminal reported error state")

// attachPendingVolumes attaches the volumes declared for a terminal on its
// first transition into service. Attachment is best-effort; failures are
// logged and the volumes stay pending for a later retry.
func (o *Orchestrator) attachPendingVolumes(t *SceneTerminal) {
	if len(t.PendingVolumes) == 0 || o.provider.Volume == nil || t.ServerID == "" {
		return
	}

	remaining := t.PendingVolumes[:0]
	for _, vol := range t.PendingVolumes {
		if err := o.provider.Volume.Attach(t.ServerID, vol); err != nil {
			log.WithFields(log.Fields{
				"scene":    t.SceneID,
				"terminal": t.SubID,
				"volume":   vol,
				"error":    err,
			}).Error("unable to attach volume")
			remaining = append(remaining, vol)
			continue
		}
		t.Volumes = append(t.Volumes, vol)
	}
	if len(remaining) == 0 {
		remaining = nil
	}
	t.PendingVolumes = remaining

	if err := t.Save(); err != nil {
		log.WithFields(log.Fields{
			"scene":    t.SceneID,
			"terminal": t.SubID,
			"error":    err,
		}).Warn("unable to persist volume attachment")
	}
}

// checkSceneComplete aggregates terminal states and promotes the scene to
// RUNNING when every terminal is in service. The membership read is always
// fresh and the promotion is a CAS on the scene row, so exactly one of the
// racing reporters wins; the rest observe a non-CREATING scene and return.
func (o *Orchestrator) checkSceneComplete(sceneID string) {
	for {
		scene, err := o.ctx.Scene(sceneID)
		if err != nil {
			log.WithFields(log.Fields{"scene": sceneID, "error": err}).Error("unable to load scene for aggregation")
			return
		}
		if scene.Status != SceneCreating {
			return
		}

		terminals, err := scene.Terminals()
		if err != nil {
			log.WithFields(log.Fields{"scene": sceneID, "error": err}).Error("unable to load terminals for aggregation")
			return
		}
		if len(terminals) == 0 {
			return
		}
		for _, t := range terminals {
			if !t.Status.IsUsing() {
				return
			}
		}

		scene.Status = SceneRunning
		scene.CreatedTime = time.Now()
		scene.ConsumeTime = int64(scene.CreatedTime.Sub(scene.CreateTime) / time.Second)
		err = scene.Save()
		if err == nil {
			o.metrics.IncrCounter([]string{"scene", "running"}, 1)
			o.ctx.notify(Event{
				EntityType: EntityScene,
				EntityID:   sceneID,
				Status:     string(SceneRunning),
				SceneID:    sceneID,
			})
			o.postCreate(scene, terminals)
			return
		}
		if !isCASRetryable(err) {
			log.WithFields(log.Fields{"scene": sceneID, "error": err}).Error("unable to mark scene running")
			return
		}
	}
}

// postCreate applies the protections deferred until the scene is in service:
// firewall attachment and bandwidth policies. Both are best-effort; the
// scene is already RUNNING and a failure here only loses the protection.
func (o *Orchestrator) postCreate(scene *Scene, terminals []*SceneTerminal) {
	nets, err := scene.Nets()
	if err != nil {
		log.WithFields(log.Fields{"scene": scene.ID, "error": err}).Error("unable to load nets for post-create")
		return
	}
	netIDs := make(map[string]string, len(nets))
	for _, n := range nets {
		netIDs[n.SubID] = n.NetID
	}

	gateways, err := scene.Gateways()
	if err != nil {
		log.WithFields(log.Fields{"scene": scene.ID, "error": err}).Error("unable to load gateways for post-create")
		return
	}
	for _, g := range gateways {
		if g.Firewall == nil {
			continue
		}
		var ids []string
		for _, subID := range g.NetSubIDs {
			if id, ok := netIDs[subID]; ok {
				ids = append(ids, id)
			}
		}
		if err := o.provider.Firewall.AttachFirewall(g.Firewall.FirewallID, ids); err != nil {
			log.WithFields(log.Fields{
				"scene":   scene.ID,
				"gateway": g.SubID,
				"error":   err,
			}).Error("unable to attach firewall")
		}
	}

	if o.provider.QoS == nil {
		return
	}
	for _, t := range terminals {
		if t.Bandwidth <= 0 || len(t.PolicyIDs) > 0 {
			continue
		}
		policyID, err := o.provider.QoS.CreatePolicy(o.resourceName(scene, t.Name+"-bw"), t.Bandwidth)
		if err != nil {
			log.WithFields(log.Fields{
				"scene":    scene.ID,
				"terminal": t.SubID,
				"error":    err,
			}).Error("unable to create bandwidth policy")
			continue
		}
		for _, portID := range t.PortIDs() {
			if err := o.provider.QoS.BindPort(policyID, portID); err != nil {
				log.WithFields(log.Fields{
					"scene":    scene.ID,
					"terminal": t.SubID,
					"port":     portID,
					"error":    err,
				}).Error("unable to bind bandwidth policy")
			}
		}
		t.PolicyIDs = append(t.PolicyIDs, policyID)
		if err := t.Save(); err != nil {
			log.WithFields(log.Fields{
				"scene":    scene.ID,
				"terminal": t.SubID,
				"error":    err,
			}).Warn("unable to persist bandwidth policy")
		}
	}
}
