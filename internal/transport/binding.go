package transport

import (
	"fmt"
	"net"
	"strconv"
)

// Kind identifies the transport a binding uses.
type Kind string

// KindSDN is the shared real-time multicast bus.
const KindSDN Kind = "SDN"

// Binding locates a device's logical channel on the bus. Several logical
// channels may share an address and port; Name tells them apart.
type Binding struct {
	Kind    Kind   `json:"transport"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	Name    string `json:"name"`
}

func (b Binding) Validate() error {
	if b.Kind != KindSDN {
		return fmt.Errorf("unsupported transport %q", b.Kind)
	}
	ip := net.ParseIP(b.Address)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid IPv4 address %q", b.Address)
	}
	if b.Port <= 0 || b.Port > 65535 {
		return fmt.Errorf("invalid port %d", b.Port)
	}
	if b.Name == "" {
		return fmt.Errorf("binding name is empty")
	}
	return nil
}

// Group is the address:port pair shared by every binding on it.
func (b Binding) Group() string {
	return net.JoinHostPort(b.Address, strconv.Itoa(b.Port))
}

func (b Binding) String() string {
	return string(b.Kind) + "://" + b.Group() + "/" + b.Name
}
