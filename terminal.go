package kelpie

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	"github.com/kelpieio/kelpie/pkg/kv"
)

// TerminalStatus is a terminal's lifecycle state. The numeric values form a
// total order used for monotonic progress comparison: an asynchronous status
// report is applied only if it does not move a terminal backwards.
type TerminalStatus int

// Terminal lifecycle states. RUNNING and PAUSE are the using-states: the
// terminal is fully provisioned and operable. ERROR is absorbing.
const (
	TerminalPreparing TerminalStatus = -2
	TerminalPrepared  TerminalStatus = -1
	TerminalDeleted   TerminalStatus = 0
	TerminalCreating  TerminalStatus = 1
	TerminalHatching  TerminalStatus = 2
	TerminalStarting  TerminalStatus = 3
	TerminalDeploying TerminalStatus = 4
	TerminalRunning   TerminalStatus = 5
	TerminalPause     TerminalStatus = 6
	TerminalError     TerminalStatus = 7
)

var terminalStatusNames = map[TerminalStatus]string{
	TerminalPreparing: "preparing",
	TerminalPrepared:  "prepared",
	TerminalDeleted:   "deleted",
	TerminalCreating:  "creating",
	TerminalHatching:  "hatching",
	TerminalStarting:  "starting",
	TerminalDeploying: "deploying",
	TerminalRunning:   "running",
	TerminalPause:     "pause",
	TerminalError:     "error",
}

func (s TerminalStatus) String() string {
	if name, ok := terminalStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsUsing reports whether the terminal is fully provisioned and operable.
func (s TerminalStatus) IsUsing() bool {
	return s == TerminalRunning || s == TerminalPause
}

// isProcess reports whether s is a provisioning-process state subject to the
// monotonic ordering rule.
func (s TerminalStatus) isProcess() bool {
	return s >= TerminalCreating && s <= TerminalPause
}

// rank folds RUNNING and PAUSE together: switching between them is never
// stale in either direction.
func (s TerminalStatus) rank() int {
	if s == TerminalPause {
		return int(TerminalRunning)
	}
	return int(s)
}

type (
	// NetConfig is a terminal's attachment to one scene network
	NetConfig struct {
		NetSubID   string   `json:"net"`
		IP         string   `json:"ip,omitempty"`
		PortID     string   `json:"portId,omitempty"`
		Interfaces []string `json:"interfaces,omitempty"`
	}

	// SceneTerminal is one provisioned compute endpoint of a scene.
	SceneTerminal struct {
		context       *Context
		modifiedIndex uint64
		SceneID       string         `json:"scene"`
		SubID         string         `json:"subId"`
		Name          string         `json:"name"`
		ImageType     ImageType      `json:"imageType"`
		SystemType    string         `json:"systemType,omitempty"`
		Image         string         `json:"image"`
		Flavor        string         `json:"flavor,omitempty"`
		Role          Role           `json:"role"`
		Checker       string         `json:"checker,omitempty"`
		Attacker      string         `json:"attacker,omitempty"`
		Status        TerminalStatus `json:"status"`
		Error         string         `json:"error,omitempty"`

		External   bool        `json:"external"`
		IPKind     IPKind      `json:"ipKind"`
		NetConfigs []NetConfig `json:"netConfigs,omitempty"`

		ServerID string `json:"serverId,omitempty"`
		FloatIP  string `json:"floatIp,omitempty"`
		FloatID  string `json:"floatId,omitempty"`
		HostIP   string `json:"hostIp,omitempty"`

		// CreateParams is the serialized creation request, persisted so
		// creation is reproducible
		CreateParams json.RawMessage `json:"createParams,omitempty"`

		AccessPorts []int       `json:"accessPorts,omitempty"`
		ProxyPorts  map[int]int `json:"proxyPorts,omitempty"`

		Bandwidth int      `json:"bandwidth,omitempty"`
		PolicyIDs []string `json:"policyIds,omitempty"`

		// PendingVolumes attach on the first using-state transition and
		// move to Volumes
		PendingVolumes []string `json:"pendingVolumes,omitempty"`
		Volumes        []string `json:"volumes,omitempty"`

		CreateTime  time.Time `json:"createTime"`
		CreatedTime time.Time `json:"createdTime,omitempty"`
		ConsumeTime int64     `json:"consumeTime,omitempty"` // seconds
	}

	// SceneTerminals is an alias to a slice of *SceneTerminal
	SceneTerminals []*SceneTerminal
)

// NewSceneTerminal creates a SceneTerminal row in PREPARING from a server
// declaration.
func (c *Context) NewSceneTerminal(sceneID string, def *ServerDef, kind IPKind) *SceneTerminal {
	t := &SceneTerminal{
		context:        c,
		SceneID:        sceneID,
		SubID:          def.ID,
		Name:           def.Name,
		ImageType:      def.ImageType,
		SystemType:     def.SystemType,
		Image:          def.Image,
		Flavor:         def.Flavor,
		Role:           def.Role,
		Checker:        def.Checker,
		Attacker:       def.Attacker,
		Status:         TerminalPreparing,
		External:       def.External,
		IPKind:         kind,
		AccessPorts:    def.AccessPorts,
		Bandwidth:      def.Bandwidth,
		PendingVolumes: def.Volumes,
		CreateTime:     time.Now(),
	}
	for _, sn := range def.Nets {
		t.NetConfigs = append(t.NetConfigs, NetConfig{
			NetSubID:   sn.Net,
			IP:         sn.IP,
			Interfaces: sn.Interfaces,
		})
	}
	return t
}

// SceneTerminal fetches one SceneTerminal row
func (c *Context) SceneTerminal(sceneID, subID string) (*SceneTerminal, error) {
	t := &SceneTerminal{
		context: c,
		SceneID: sceneID,
		SubID:   subID,
	}
	if err := t.Refresh(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *SceneTerminal) key() string {
	return filepath.Join(ScenePath, t.SceneID, "terminals", t.SubID)
}

// Refresh reloads from the data store
func (t *SceneTerminal) Refresh() error {
	v, err := t.context.kv.Get(t.key())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(v.Data, t); err != nil {
		return err
	}
	t.modifiedIndex = v.Index
	return nil
}

// Validate ensures a SceneTerminal has reasonable data
func (t *SceneTerminal) Validate() error {
	if t.SceneID == "" {
		return errors.New("scene ID required")
	}
	if t.SubID == "" {
		return errors.New("sub ID required")
	}
	if t.ImageType != ImageVM && t.ImageType != ImageDocker && t.ImageType != ImageReal {
		return errors.New("invalid image type")
	}
	return nil
}

// Save persists the SceneTerminal to the data store. An index mismatch with
// a concurrent writer returns kv.ErrCASFailed; callers refresh and retry.
func (t *SceneTerminal) Save() error {
	if err := t.Validate(); err != nil {
		return err
	}

	v, err := json.Marshal(t)
	if err != nil {
		return err
	}

	index, err := t.context.kv.Update(t.key(), kv.Value{Data: v, Index: t.modifiedIndex})
	if err != nil {
		return err
	}
	t.modifiedIndex = index
	return nil
}

// IsReal reports whether the terminal is a physical device the provider
// does not manage.
func (t *SceneTerminal) IsReal() bool {
	return t.ImageType == ImageReal
}

// PortIDs returns the cloud port handles allocated to the terminal.
func (t *SceneTerminal) PortIDs() []string {
	ids := make([]string, 0, len(t.NetConfigs))
	for _, nc := range t.NetConfigs {
		if nc.PortID != "" {
			ids = append(ids, nc.PortID)
		}
	}
	return ids
}

// IPOn returns the terminal's assigned address on a network, or empty.
func (t *SceneTerminal) IPOn(netSubID string) string {
	for _, nc := range t.NetConfigs {
		if nc.NetSubID == netSubID {
			return nc.IP
		}
	}
	return ""
}
