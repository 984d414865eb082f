package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/net"

	"fleetupdate/internal/cache"
)

const networkCacheKey = "active"

// interfacePrefixes maps kernel interface name prefixes to a connection class.
// Longer prefixes are listed first so "wwan" wins over "wl".
var interfacePrefixes = []struct {
	prefix string
	conn   ConnectionType
}{
	{"wwan", ConnectionCellular},
	{"rmnet", ConnectionCellular},
	{"ccmni", ConnectionCellular},
	{"ppp", ConnectionCellular},
	{"wlan", ConnectionWifi},
	{"wlp", ConnectionWifi},
	{"wl", ConnectionWifi},
	{"wm", ConnectionWimax},
	{"bnep", ConnectionBluetooth},
	{"rndis", ConnectionEthernet},
	{"usb", ConnectionEthernet},
	{"eth", ConnectionEthernet},
	{"en", ConnectionEthernet},
}

// Interfaces named like USB/RNDIS gadgets are phones sharing their uplink.
var tetheredPrefixes = []string{"rndis", "usb"}

// Preference when more than one interface is up.
var connectionRank = map[ConnectionType]int{
	ConnectionEthernet:  5,
	ConnectionWifi:      4,
	ConnectionWimax:     3,
	ConnectionBluetooth: 2,
	ConnectionCellular:  1,
}

type activeConnection struct {
	conn     ConnectionType
	tethered bool
}

// SystemNetwork inspects the host network interfaces to classify the active
// connection.
type SystemNetwork struct {
	interfaces func() ([]net.InterfaceStat, error)
	cache      *cache.Cache[activeConnection]

	connType *PollVariable[ConnectionType]
	tethered *PollVariable[bool]
}

// NewSystemNetwork creates a network provider re-inspecting interfaces at most
// once per interval.
func NewSystemNetwork(interval time.Duration) *SystemNetwork {
	return newSystemNetwork(interval, func() ([]net.InterfaceStat, error) {
		list, err := net.Interfaces()
		return list, err
	}, time.Now)
}

func newSystemNetwork(interval time.Duration, interfaces func() ([]net.InterfaceStat, error), now func() time.Time) *SystemNetwork {
	n := &SystemNetwork{
		interfaces: interfaces,
		cache:      cache.NewWithClock[activeConnection](interval, now),
	}
	n.connType = NewPollVariable("network.connection_type", interval, func() (ConnectionType, error) {
		active, err := n.active()
		return active.conn, err
	})
	n.tethered = NewPollVariable("network.tethered", interval, func() (bool, error) {
		active, err := n.active()
		return active.tethered, err
	})
	return n
}

func (n *SystemNetwork) ConnectionType() Variable[ConnectionType] { return n.connType }
func (n *SystemNetwork) IsTethered() Variable[bool]               { return n.tethered }

func (n *SystemNetwork) active() (activeConnection, error) {
	return n.cache.GetOrLoad(networkCacheKey, func() (activeConnection, error) {
		list, err := n.interfaces()
		if err != nil {
			return activeConnection{}, fmt.Errorf("failed to list network interfaces: %w", err)
		}
		return pickConnection(list)
	})
}

func pickConnection(list []net.InterfaceStat) (activeConnection, error) {
	var best activeConnection
	found := false
	for _, iface := range list {
		if !usable(iface) {
			continue
		}
		conn := classifyInterface(iface.Name)
		if conn == ConnectionUnknown {
			continue
		}
		if !found || connectionRank[conn] > connectionRank[best.conn] {
			best = activeConnection{conn: conn, tethered: isTethered(iface.Name)}
			found = true
		}
	}
	if !found {
		return activeConnection{}, ErrNotAvailable
	}
	return best, nil
}

func usable(iface net.InterfaceStat) bool {
	up := false
	for _, flag := range iface.Flags {
		switch flag {
		case "loopback":
			return false
		case "up":
			up = true
		}
	}
	return up && len(iface.Addrs) > 0
}

func classifyInterface(name string) ConnectionType {
	name = strings.ToLower(name)
	for _, p := range interfacePrefixes {
		if strings.HasPrefix(name, p.prefix) {
			return p.conn
		}
	}
	return ConnectionUnknown
}

func isTethered(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range tetheredPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
