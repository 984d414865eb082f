// Package fake provides settable fact providers for tests and dry runs.
package fake

import (
	"sync"
	"time"

	"fleetupdate/internal/state"
)

// Clock is a manually driven clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at now.
func NewClock(now time.Time) *Clock { return &Clock{now: now} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type Network struct {
	Connection *state.AsyncVariable[state.ConnectionType]
	Tethered   *state.AsyncVariable[bool]
}

func (n *Network) ConnectionType() state.Variable[state.ConnectionType] { return n.Connection }
func (n *Network) IsTethered() state.Variable[bool]                     { return n.Tethered }

type DevicePolicy struct {
	Enrolled         *state.AsyncVariable[bool]
	Disabled         *state.AsyncVariable[bool]
	VersionPrefix    *state.AsyncVariable[string]
	Channel          *state.AsyncVariable[string]
	ChannelDelegated *state.AsyncVariable[bool]
	ConnectionTypes  *state.AsyncVariable[[]state.ConnectionType]
	P2P              *state.AsyncVariable[bool]
}

func (p *DevicePolicy) IsEnrolled() state.Variable[bool]              { return p.Enrolled }
func (p *DevicePolicy) UpdateDisabled() state.Variable[bool]          { return p.Disabled }
func (p *DevicePolicy) TargetVersionPrefix() state.Variable[string]   { return p.VersionPrefix }
func (p *DevicePolicy) ReleaseChannel() state.Variable[string]        { return p.Channel }
func (p *DevicePolicy) ReleaseChannelDelegated() state.Variable[bool] { return p.ChannelDelegated }
func (p *DevicePolicy) AllowedConnectionTypes() state.Variable[[]state.ConnectionType] {
	return p.ConnectionTypes
}
func (p *DevicePolicy) P2PEnabled() state.Variable[bool] { return p.P2P }

type Updater struct {
	Enabled     *state.AsyncVariable[bool]
	Interactive *state.AsyncVariable[bool]
	P2P         *state.AsyncVariable[bool]
}

func (u *Updater) UpdatesEnabled() state.Variable[bool]       { return u.Enabled }
func (u *Updater) InteractiveRequested() state.Variable[bool] { return u.Interactive }
func (u *Updater) P2PEnabled() state.Variable[bool]           { return u.P2P }
func (u *Updater) SetInteractive(v bool)                      { u.Interactive.Set(v) }

type Random struct {
	SeedVar *state.AsyncVariable[int64]
}

func (r *Random) Seed() state.Variable[int64] { return r.SeedVar }

// State is an in-memory state.State. The zero device policy is unmanaged:
// every setting reads as state.ErrNotAvailable until set.
type State struct {
	ClockSrc *Clock
	Net      *Network
	Policy   *DevicePolicy
	Upd      *Updater
	Rand     *Random
}

// NewState returns a state on ethernet with updates enabled, no device policy
// and a fixed random seed.
func NewState(now time.Time) *State {
	return &State{
		ClockSrc: NewClock(now),
		Net: &Network{
			Connection: state.NewAsyncVariableWith("network.connection_type", state.ConnectionEthernet),
			Tethered:   state.NewAsyncVariableWith("network.tethered", false),
		},
		Policy: &DevicePolicy{
			Enrolled:         state.NewAsyncVariableWith("device_policy.enrolled", false),
			Disabled:         state.NewAsyncVariable[bool]("device_policy.update_disabled"),
			VersionPrefix:    state.NewAsyncVariable[string]("device_policy.target_version_prefix"),
			Channel:          state.NewAsyncVariable[string]("device_policy.release_channel"),
			ChannelDelegated: state.NewAsyncVariable[bool]("device_policy.release_channel_delegated"),
			ConnectionTypes:  state.NewAsyncVariable[[]state.ConnectionType]("device_policy.allowed_connection_types"),
			P2P:              state.NewAsyncVariable[bool]("device_policy.p2p_enabled"),
		},
		Upd: &Updater{
			Enabled:     state.NewAsyncVariableWith("updater.updates_enabled", true),
			Interactive: state.NewAsyncVariableWith("updater.interactive_requested", false),
			P2P:         state.NewAsyncVariableWith("updater.p2p_enabled", false),
		},
		Rand: &Random{SeedVar: state.NewAsyncVariableWith[int64]("random.seed", 42)},
	}
}

func (s *State) Clock() state.Clock                       { return s.ClockSrc }
func (s *State) Network() state.NetworkProvider           { return s.Net }
func (s *State) DevicePolicy() state.DevicePolicyProvider { return s.Policy }
func (s *State) Updater() state.UpdaterProvider           { return s.Upd }
func (s *State) Random() state.RandomProvider             { return s.Rand }
func (s *State) SetInteractive(v bool)                    { s.Upd.SetInteractive(v) }
