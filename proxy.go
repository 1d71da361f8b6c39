package kelpie

// ProxyRegistrar manages host-level port proxies for terminals that have no
// floating IP but expose remote-access ports. Restart is batched: the
// orchestrator calls it once per scene operation, not once per terminal.
type ProxyRegistrar interface {
	CreateProxy(ip string, ports []int) (map[int]int, error)
	DeleteProxy(ip string, ports []int) error
	Restart() error
}
