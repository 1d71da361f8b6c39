package kelpie

import log "github.com/sirupsen/logrus"

// Entity types carried in status events
const (
	EntityScene    = "scene"
	EntityTerminal = "terminal"
)

// Event is a status-change notification emitted after every persisted state
// transition.
type Event struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Status     string `json:"status"`
	SceneID    string `json:"sceneId"`
}

// NotificationSink receives status-change events. Delivery is at-least-once
// and fire-and-forget: the orchestrator never blocks on a sink, so
// implementations must hand slow transports off to their own goroutines.
type NotificationSink interface {
	Notify(Event)
}

// LogSink logs every event. It is the default sink for daemons that have no
// push channel wired up.
type LogSink struct{}

// Notify implements NotificationSink.
func (LogSink) Notify(e Event) {
	log.WithFields(log.Fields{
		"entityType": e.EntityType,
		"entityId":   e.EntityID,
		"status":     e.Status,
		"scene":      e.SceneID,
	}).Info("status changed")
}
