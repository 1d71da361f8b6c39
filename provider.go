package kelpie

import "fmt"

// All cloud-resource handles (net ids, router ids, server ids, floating ip
// ids, port ids, policy ids) are opaque strings minted by the provider. The
// orchestrator stores them and hands them back for deletion; it never
// interprets their format.

type (
	// ImageType selects the compute backing of a terminal
	ImageType string

	// GatewayType selects the gateway implementation
	GatewayType string
)

// Terminal compute variants. Real terminals are physical devices the
// provider does not manage.
const (
	ImageVM     ImageType = "vm"
	ImageDocker ImageType = "docker"
	ImageReal   ImageType = "real"
)

// Gateway variants
const (
	GatewayRouter   GatewayType = "router"
	GatewayFirewall GatewayType = "firewall"
)

type (
	// FloatingIP is a publicly routable address in the shared pool
	FloatingIP struct {
		IP string `json:"ip"`
		ID string `json:"id"`
	}

	// Route is a static routing entry on a router
	Route struct {
		Destination string `json:"destination" yaml:"destination"`
		NextHop     string `json:"nextHop" yaml:"nextHop"`
	}

	// FWRule is a single firewall rule
	FWRule struct {
		Direction string `json:"direction" yaml:"direction"`
		Source    string `json:"source,omitempty" yaml:"source,omitempty"`
		PortStart uint   `json:"portStart" yaml:"portStart"`
		PortEnd   uint   `json:"portEnd" yaml:"portEnd"`
		Protocol  string `json:"protocol" yaml:"protocol"`
		Action    string `json:"action" yaml:"action"`
	}

	// NetworkResult holds the handles of a created network
	NetworkResult struct {
		NetID    string `json:"netId"`
		SubnetID string `json:"subnetId"`
		CIDR     string `json:"cidr"`
		VLANID   string `json:"vlanId,omitempty"`
	}

	// FirewallResult holds the handles of a created firewall and its rule
	// objects
	FirewallResult struct {
		FirewallID string   `json:"firewallId"`
		PolicyID   string   `json:"policyId"`
		RuleIDs    []string `json:"ruleIds"`
	}

	// NicSpec attaches an instance to a pre-created port
	NicSpec struct {
		NetID  string `json:"netId"`
		PortID string `json:"portId"`
		IP     string `json:"ip"`
	}

	// CreateParams is everything needed to (re)create an instance. It is
	// persisted on the terminal so creation is reproducible.
	CreateParams struct {
		Name       string    `json:"name"`
		Kind       ImageType `json:"kind"`
		Image      string    `json:"image"`
		SystemType string    `json:"systemType"`
		Flavor     string    `json:"flavor"`
		Nics       []NicSpec `json:"nics"`
		UserData   string    `json:"userData,omitempty"`
	}

	// Instance is the provider's view of a compute instance
	Instance struct {
		ID     string
		State  InstanceState
		HostIP string
	}

	// InstanceState is a provider-agnostic instance state
	InstanceState string
)

// Instance states reported by Get
const (
	InstanceBuilding InstanceState = "building"
	InstanceActive   InstanceState = "active"
	InstancePaused   InstanceState = "paused"
	InstanceStopped  InstanceState = "stopped"
	InstanceError    InstanceState = "error"
)

// NetworkProvider creates and deletes networks, ports, and floating IPs.
// Deletion calls must return an error wrapping ErrNotFound for missing
// resources so callers can treat them as already gone.
type NetworkProvider interface {
	CreateNetwork(name, cidr, gateway string, dns []string, dhcp bool) (*NetworkResult, error)
	CreateVLANNetwork(name, cidr, gateway string, interfaces []string) (*NetworkResult, error)
	DeleteNetwork(netID string) error
	SetGateway(subnetID, gateway string) error

	// ListFloatingIPs returns the currently unbound floating IPs in the
	// shared pool. Callers needing a consistent view take the pool lock
	// around the call.
	ListFloatingIPs() ([]FloatingIP, error)
	DeleteFloatingIP(fipID string) error
	AssociateFloatingIP(fipID, portID string) error

	CreatePort(netID, ip string) (string, error)
	DeletePort(portID string) error
}

// RouterProvider creates and deletes routers.
type RouterProvider interface {
	CreateRouter(name string, subnetIDs []string, externalNetID string) (string, error)
	SetRoutes(routerID string, routes []Route) error
	DeleteRouter(routerID string) error
}

// FirewallProvider creates and deletes firewalls with their rule and policy
// objects.
type FirewallProvider interface {
	CreateFirewall(name string, rules []FWRule, netIDs []string) (*FirewallResult, error)
	AttachFirewall(firewallID string, netIDs []string) error
	DeleteFirewall(fw FirewallResult) error
}

// ComputeProvider manages compute instances. Implementations exist per
// ImageType (VMs, containers); real devices have none.
type ComputeProvider interface {
	Create(params CreateParams) (string, error)
	Get(id string) (*Instance, error)
	Start(id string) error
	Stop(id string) error
	Pause(id string) error
	Unpause(id string) error
	Delete(id string) error
}

// VolumeProvider attaches and detaches disk volumes.
type VolumeProvider interface {
	Attach(serverID, volumeID string) error
	Detach(serverID, volumeID string) error
}

// QoSProvider manages bandwidth-limit policies bound to ports.
type QoSProvider interface {
	CreatePolicy(name string, limitKbps int) (string, error)
	BindPort(policyID, portID string) error
	DeletePolicy(policyID string) error
}

// Provider bundles the cloud provider interfaces the orchestrator consumes.
type Provider struct {
	Network  NetworkProvider
	Router   RouterProvider
	Firewall FirewallProvider
	VM       ComputeProvider
	Docker   ComputeProvider
	Volume   VolumeProvider
	QoS      QoSProvider
}

// Compute dispatches to the compute provider for the given image type.
func (p *Provider) Compute(kind ImageType) (ComputeProvider, error) {
	switch kind {
	case ImageVM:
		return p.VM, nil
	case ImageDocker:
		return p.Docker, nil
	case ImageReal:
		return nil, fmt.Errorf("real terminals have no compute provider")
	default:
		return nil, fmt.Errorf("unknown image type %q", kind)
	}
}
