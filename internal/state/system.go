package state

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// ConfigUpdater serves updater settings fixed at startup plus the
// user-initiated request flag.
type ConfigUpdater struct {
	updatesEnabled Variable[bool]
	p2pEnabled     Variable[bool]
	interactive    *AsyncVariable[bool]
}

// NewConfigUpdater creates an updater provider.
func NewConfigUpdater(updatesEnabled, p2pEnabled bool) *ConfigUpdater {
	return &ConfigUpdater{
		updatesEnabled: NewConstVariable("updater.updates_enabled", updatesEnabled),
		p2pEnabled:     NewConstVariable("updater.p2p_enabled", p2pEnabled),
		interactive:    NewAsyncVariableWith("updater.interactive_requested", false),
	}
}

func (u *ConfigUpdater) UpdatesEnabled() Variable[bool]       { return u.updatesEnabled }
func (u *ConfigUpdater) P2PEnabled() Variable[bool]           { return u.p2pEnabled }
func (u *ConfigUpdater) InteractiveRequested() Variable[bool] { return u.interactive }

// SetInteractive flags (or clears) a user-initiated update request.
func (u *ConfigUpdater) SetInteractive(v bool) { u.interactive.Set(v) }

// cryptoRandom draws a fresh seed on every read. It is never watched.
type cryptoRandom struct {
	seed Variable[int64]
}

func newCryptoRandom() *cryptoRandom {
	return &cryptoRandom{
		seed: NewPollVariable("random.seed", 0, func() (int64, error) {
			var b [8]byte
			if _, err := rand.Read(b[:]); err != nil {
				return 0, fmt.Errorf("failed to read random seed: %w", err)
			}
			return int64(binary.LittleEndian.Uint64(b[:]) >> 1), nil
		}),
	}
}

func (r *cryptoRandom) Seed() Variable[int64] { return r.seed }

// SystemOptions configures the production State.
type SystemOptions struct {
	DevicePolicyPath    string
	NetworkPollInterval time.Duration
	PolicyPollInterval  time.Duration
	UpdatesEnabled      bool
	P2PEnabled          bool
}

// System is the production State backed by the host.
type System struct {
	clock        Clock
	network      *SystemNetwork
	devicePolicy *FileDevicePolicy
	updater      *ConfigUpdater
	random       *cryptoRandom
}

// NewSystem builds the production fact providers.
func NewSystem(opts SystemOptions) *System {
	if opts.NetworkPollInterval <= 0 {
		opts.NetworkPollInterval = 30 * time.Second
	}
	if opts.PolicyPollInterval <= 0 {
		opts.PolicyPollInterval = time.Minute
	}
	return &System{
		clock:        SystemClock(),
		network:      NewSystemNetwork(opts.NetworkPollInterval),
		devicePolicy: NewFileDevicePolicy(opts.DevicePolicyPath, opts.PolicyPollInterval),
		updater:      NewConfigUpdater(opts.UpdatesEnabled, opts.P2PEnabled),
		random:       newCryptoRandom(),
	}
}

func (s *System) Clock() Clock                       { return s.clock }
func (s *System) Network() NetworkProvider           { return s.network }
func (s *System) DevicePolicy() DevicePolicyProvider { return s.devicePolicy }
func (s *System) Updater() UpdaterProvider           { return s.updater }
func (s *System) Random() RandomProvider             { return s.random }

// SetInteractive forwards to the updater provider.
func (s *System) SetInteractive(v bool) { s.updater.SetInteractive(v) }
