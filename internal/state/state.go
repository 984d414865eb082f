package state

import (
	"fmt"
	"strings"
)

// ConnectionType is the class of the network connection currently in use.
type ConnectionType int

const (
	ConnectionUnknown ConnectionType = iota
	ConnectionEthernet
	ConnectionWifi
	ConnectionWimax
	ConnectionBluetooth
	ConnectionCellular
)

var connectionNames = map[ConnectionType]string{
	ConnectionUnknown:   "unknown",
	ConnectionEthernet:  "ethernet",
	ConnectionWifi:      "wifi",
	ConnectionWimax:     "wimax",
	ConnectionBluetooth: "bluetooth",
	ConnectionCellular:  "cellular",
}

func (c ConnectionType) String() string {
	if name, ok := connectionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ConnectionType(%d)", int(c))
}

// ParseConnectionType parses the lower-case name of a connection type.
func ParseConnectionType(s string) (ConnectionType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range connectionNames {
		if name == s {
			return c, nil
		}
	}
	return ConnectionUnknown, fmt.Errorf("unknown connection type %q", s)
}

// ParseConnectionTypes parses a list of connection type names.
func ParseConnectionTypes(names []string) ([]ConnectionType, error) {
	types := make([]ConnectionType, 0, len(names))
	for _, name := range names {
		c, err := ParseConnectionType(name)
		if err != nil {
			return nil, err
		}
		types = append(types, c)
	}
	return types, nil
}

// NetworkProvider reports the active connection.
type NetworkProvider interface {
	ConnectionType() Variable[ConnectionType]
	// IsTethered reports whether the connection is shared from another device,
	// such as a phone hotspot, and therefore likely metered.
	IsTethered() Variable[bool]
}

// DevicePolicyProvider exposes administrator policy. Variables return
// ErrNotAvailable when the device is not managed or the setting is absent.
type DevicePolicyProvider interface {
	IsEnrolled() Variable[bool]
	UpdateDisabled() Variable[bool]
	TargetVersionPrefix() Variable[string]
	ReleaseChannel() Variable[string]
	ReleaseChannelDelegated() Variable[bool]
	AllowedConnectionTypes() Variable[[]ConnectionType]
	P2PEnabled() Variable[bool]
}

// UpdaterProvider exposes settings of the updater itself.
type UpdaterProvider interface {
	UpdatesEnabled() Variable[bool]
	InteractiveRequested() Variable[bool]
	P2PEnabled() Variable[bool]
}

// RandomProvider supplies seeds for per-evaluation random sources.
type RandomProvider interface {
	Seed() Variable[int64]
}

// State bundles every fact provider the policy may consult.
type State interface {
	Clock() Clock
	Network() NetworkProvider
	DevicePolicy() DevicePolicyProvider
	Updater() UpdaterProvider
	Random() RandomProvider
}

// InteractiveSetter is implemented by updater providers that let the caller
// flag a user-initiated update request.
type InteractiveSetter interface {
	SetInteractive(bool)
}
