package kelpie

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// Prober checks whether a service address answers. Tests inject their own.
type Prober func(addr string, timeout time.Duration) error

// TCPProbe dials the address once.
func TCPProbe(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// waitReachable polls addr at the configured interval until it answers or
// the probe budget runs out. Reachability is best-effort: a timeout is
// logged and treated as success so a probe can never hold a terminal out of
// RUNNING indefinitely.
func (o *Orchestrator) waitReachable(sceneID, subID, addr string) {
	if addr == "" {
		return
	}

	deadline := time.Now().Add(o.cfg.ProbeTimeout)
	for time.Now().Before(deadline) {
		if err := o.Probe(addr, o.cfg.ProbeInterval); err == nil {
			return
		}
		time.Sleep(o.cfg.ProbeInterval)
	}

	log.WithFields(log.Fields{
		"scene":    sceneID,
		"terminal": subID,
		"addr":     addr,
	}).Warn("reachability probe timed out, proceeding")
}
