package kelpie

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"time"

	"github.com/kelpieio/kelpie/pkg/kv"
	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	// ScenePath is the key prefix for scenes in the data store
	ScenePath = "kelpie/scenes/"
)

// SceneStatus is the lifecycle state of a scene
type SceneStatus string

// Scene lifecycle states
const (
	SceneCreating SceneStatus = "creating"
	SceneRunning  SceneStatus = "running"
	ScenePause    SceneStatus = "pause"
	SceneError    SceneStatus = "error"
	SceneDeleted  SceneStatus = "deleted"
)

type (
	// Scene is one instantiated topology with a lifecycle. It owns its
	// SceneNet/SceneGateway/SceneTerminal rows, stored under its key
	// prefix and referenced by sub id.
	Scene struct {
		context       *Context
		modifiedIndex uint64
		ID            string          `json:"id"`
		Name          string          `json:"name"`
		Prefix        string          `json:"prefix"`
		Status        SceneStatus     `json:"status"`
		Error         string          `json:"error,omitempty"`
		CreateTime    time.Time       `json:"createTime"`
		CreatedTime   time.Time       `json:"createdTime,omitempty"`
		ConsumeTime   int64           `json:"consumeTime,omitempty"` // seconds
		Progress      []ProgressEntry `json:"progress,omitempty"`
	}

	// ProgressEntry is one timestamped progress message
	ProgressEntry struct {
		Time    time.Time `json:"time"`
		Message string    `json:"message"`
	}

	// Scenes is an alias to a slice of *Scene
	Scenes []*Scene
)

// NewScene creates a new Scene in CREATING
func (c *Context) NewScene(name string) *Scene {
	return &Scene{
		context:    c,
		ID:         uuid.New(),
		Name:       name,
		Status:     SceneCreating,
		CreateTime: time.Now(),
	}
}

// Scene fetches a Scene from the data store
func (c *Context) Scene(id string) (*Scene, error) {
	s := &Scene{
		context: c,
		ID:      id,
	}
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

// key is a helper to generate the data store key
func (s *Scene) key() string {
	return filepath.Join(ScenePath, s.ID, "metadata")
}

// childPrefix is the key prefix of one category of owned rows
func (s *Scene) childPrefix(kind string) string {
	return filepath.Join(ScenePath, s.ID, kind)
}

// Refresh reloads from the data store
func (s *Scene) Refresh() error {
	v, err := s.context.kv.Get(s.key())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(v.Data, s); err != nil {
		return err
	}
	s.modifiedIndex = v.Index
	return nil
}

// Validate ensures a Scene has reasonable data
func (s *Scene) Validate() error {
	if s.ID == "" {
		return errors.New("scene ID required")
	}
	if uuid.Parse(s.ID) == nil {
		return errors.New("scene ID must be uuid")
	}
	if s.Name == "" {
		return errors.New("scene name required")
	}
	return nil
}

// Save persists the Scene to the data store. An index mismatch with another
// writer returns kv.ErrCASFailed; callers refresh and retry.
func (s *Scene) Save() error {
	if err := s.Validate(); err != nil {
		return err
	}

	v, err := json.Marshal(s)
	if err != nil {
		return err
	}

	index, err := s.context.kv.Update(s.key(), kv.Value{Data: v, Index: s.modifiedIndex})
	if err != nil {
		return err
	}
	s.modifiedIndex = index
	return nil
}

// SetStatus persists a status transition and notifies the sink.
func (s *Scene) SetStatus(status SceneStatus) error {
	s.Status = status
	if err := s.Save(); err != nil {
		return err
	}
	s.context.notify(Event{
		EntityType: EntityScene,
		EntityID:   s.ID,
		Status:     string(status),
		SceneID:    s.ID,
	})
	return nil
}

// SetError moves the scene to ERROR with the captured message.
func (s *Scene) SetError(cause error) error {
	s.Error = cause.Error()
	return s.SetStatus(SceneError)
}

// AddProgress appends a progress message. Persistence is best-effort; a
// failed save only loses the log line, never the operation.
func (s *Scene) AddProgress(message string) {
	s.Progress = append(s.Progress, ProgressEntry{Time: time.Now(), Message: message})
	if err := s.Save(); err != nil {
		log.WithFields(log.Fields{
			"scene":   s.ID,
			"message": message,
			"error":   err,
		}).Warn("unable to save progress")
	}
}

// Nets fetches the scene's SceneNet rows
func (s *Scene) Nets() ([]*SceneNet, error) {
	many, err := s.context.kv.GetAll(s.childPrefix("nets"))
	if err != nil {
		return nil, err
	}
	nets := make([]*SceneNet, 0, len(many))
	for _, v := range many {
		n := &SceneNet{context: s.context, modifiedIndex: v.Index}
		if err := json.Unmarshal(v.Data, n); err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	sort.Slice(nets, func(i, j int) bool { return nets[i].SubID < nets[j].SubID })
	return nets, nil
}

// Gateways fetches the scene's SceneGateway rows
func (s *Scene) Gateways() ([]*SceneGateway, error) {
	many, err := s.context.kv.GetAll(s.childPrefix("gateways"))
	if err != nil {
		return nil, err
	}
	gateways := make([]*SceneGateway, 0, len(many))
	for _, v := range many {
		g := &SceneGateway{context: s.context, modifiedIndex: v.Index}
		if err := json.Unmarshal(v.Data, g); err != nil {
			return nil, err
		}
		gateways = append(gateways, g)
	}
	sort.Slice(gateways, func(i, j int) bool { return gateways[i].SubID < gateways[j].SubID })
	return gateways, nil
}

// Terminals fetches the scene's SceneTerminal rows. Aggregation decisions
// (all terminals in a using-state) are computed from a fresh call, never
// from a cached slice.
func (s *Scene) Terminals() ([]*SceneTerminal, error) {
	many, err := s.context.kv.GetAll(s.childPrefix("terminals"))
	if err != nil {
		return nil, err
	}
	terminals := make([]*SceneTerminal, 0, len(many))
	for _, v := range many {
		t := &SceneTerminal{context: s.context, modifiedIndex: v.Index}
		if err := json.Unmarshal(v.Data, t); err != nil {
			return nil, err
		}
		terminals = append(terminals, t)
	}
	sort.Slice(terminals, func(i, j int) bool { return terminals[i].SubID < terminals[j].SubID })
	return terminals, nil
}

// ForEachScene will run f on each Scene. It will stop iteration if f returns
// an error. Key prefixes without a metadata row are skipped: child rows land
// before the metadata commit record, so such a prefix is either a scene
// mid-creation or crash debris, not a readable scene.
func (c *Context) ForEachScene(f func(*Scene) error) error {
	keys, err := c.kv.Keys(ScenePath)
	if err != nil {
		return err
	}
	for _, k := range keys {
		s, err := c.Scene(filepath.Base(filepath.Clean(k)))
		if err != nil {
			if c.kv.IsKeyNotFound(err) {
				continue
			}
			return err
		}
		if err := f(s); err != nil {
			return err
		}
	}
	return nil
}
