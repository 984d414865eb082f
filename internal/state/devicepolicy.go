package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// devicePolicyDoc is the on-disk YAML form of the device policy. Pointer
// fields distinguish "not set" from a zero value.
type devicePolicyDoc struct {
	Enrolled                bool     `yaml:"enrolled"`
	UpdateDisabled          *bool    `yaml:"update_disabled"`
	TargetVersionPrefix     *string  `yaml:"target_version_prefix"`
	ReleaseChannel          *string  `yaml:"release_channel"`
	ReleaseChannelDelegated *bool    `yaml:"release_channel_delegated"`
	AllowedConnectionTypes  []string `yaml:"allowed_connection_types"`
	P2PEnabled              *bool    `yaml:"p2p_enabled"`
}

type loadedPolicy struct {
	doc             devicePolicyDoc
	connectionTypes []ConnectionType
}

// FileDevicePolicy reads the device policy from a YAML file. The file is
// parsed again whenever its modification time changes. A missing file means
// the device is unmanaged and every setting reads as ErrNotAvailable.
type FileDevicePolicy struct {
	path     string
	interval time.Duration

	mu      sync.Mutex
	modTime time.Time
	size    int64
	policy  *loadedPolicy

	enrolled        Variable[bool]
	updateDisabled  Variable[bool]
	versionPrefix   Variable[string]
	channel         Variable[string]
	channelDelegate Variable[bool]
	connTypes       Variable[[]ConnectionType]
	p2p             Variable[bool]
}

// NewFileDevicePolicy creates a device policy provider for path, re-checked
// every interval while an evaluation waits on it.
func NewFileDevicePolicy(path string, interval time.Duration) *FileDevicePolicy {
	p := &FileDevicePolicy{path: path, interval: interval}

	p.enrolled = NewPollVariable("device_policy.enrolled", interval, func() (bool, error) {
		lp, err := p.load()
		if err != nil {
			if errors.Is(err, ErrNotAvailable) {
				return false, nil
			}
			return false, err
		}
		return lp.doc.Enrolled, nil
	})
	p.updateDisabled = boolSetting(p, "device_policy.update_disabled", func(d *devicePolicyDoc) *bool { return d.UpdateDisabled })
	p.versionPrefix = stringSetting(p, "device_policy.target_version_prefix", func(d *devicePolicyDoc) *string { return d.TargetVersionPrefix })
	p.channel = stringSetting(p, "device_policy.release_channel", func(d *devicePolicyDoc) *string { return d.ReleaseChannel })
	p.channelDelegate = boolSetting(p, "device_policy.release_channel_delegated", func(d *devicePolicyDoc) *bool { return d.ReleaseChannelDelegated })
	p.p2p = boolSetting(p, "device_policy.p2p_enabled", func(d *devicePolicyDoc) *bool { return d.P2PEnabled })
	p.connTypes = NewPollVariable("device_policy.allowed_connection_types", interval, func() ([]ConnectionType, error) {
		lp, err := p.load()
		if err != nil {
			return nil, err
		}
		if len(lp.connectionTypes) == 0 {
			return nil, ErrNotAvailable
		}
		return lp.connectionTypes, nil
	})
	return p
}

func (p *FileDevicePolicy) IsEnrolled() Variable[bool]                         { return p.enrolled }
func (p *FileDevicePolicy) UpdateDisabled() Variable[bool]                     { return p.updateDisabled }
func (p *FileDevicePolicy) TargetVersionPrefix() Variable[string]              { return p.versionPrefix }
func (p *FileDevicePolicy) ReleaseChannel() Variable[string]                   { return p.channel }
func (p *FileDevicePolicy) ReleaseChannelDelegated() Variable[bool]            { return p.channelDelegate }
func (p *FileDevicePolicy) AllowedConnectionTypes() Variable[[]ConnectionType] { return p.connTypes }
func (p *FileDevicePolicy) P2PEnabled() Variable[bool]                         { return p.p2p }

func boolSetting(p *FileDevicePolicy, name string, field func(*devicePolicyDoc) *bool) Variable[bool] {
	return NewPollVariable(name, p.interval, func() (bool, error) {
		lp, err := p.load()
		if err != nil {
			return false, err
		}
		v := field(&lp.doc)
		if v == nil {
			return false, ErrNotAvailable
		}
		return *v, nil
	})
}

func stringSetting(p *FileDevicePolicy, name string, field func(*devicePolicyDoc) *string) Variable[string] {
	return NewPollVariable(name, p.interval, func() (string, error) {
		lp, err := p.load()
		if err != nil {
			return "", err
		}
		v := field(&lp.doc)
		if v == nil {
			return "", ErrNotAvailable
		}
		return *v, nil
	})
}

func (p *FileDevicePolicy) load() (*loadedPolicy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := os.Stat(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			p.policy = nil
			return nil, ErrNotAvailable
		}
		return nil, fmt.Errorf("failed to stat device policy: %w", err)
	}
	if p.policy != nil && info.ModTime().Equal(p.modTime) && info.Size() == p.size {
		return p.policy, nil
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device policy: %w", err)
	}
	var doc devicePolicyDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse device policy: %w", err)
	}
	types, err := ParseConnectionTypes(doc.AllowedConnectionTypes)
	if err != nil {
		return nil, fmt.Errorf("invalid device policy: %w", err)
	}

	p.policy = &loadedPolicy{doc: doc, connectionTypes: types}
	p.modTime = info.ModTime()
	p.size = info.Size()
	return p.policy, nil
}
