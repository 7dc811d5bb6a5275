// Package usbipd describes the usbipd command-line contract: the device and
// version records it reports, the parsers for its output and the argument
// lists for each operation.
package usbipd

import (
	"fmt"
	"strings"
	"time"
)

// Version is the usbipd release, e.g. 4.3.0.
type Version struct {
	Major int `json:"major" yaml:"major"`
	Minor int `json:"minor" yaml:"minor"`
	Patch int `json:"patch" yaml:"patch"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// AtLeast reports whether v is the given major.minor release or newer.
func (v Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// State is the sharing state shown for a device.
type State string

const (
	StateNotShared State = "Not shared"
	StateShared    State = "Shared"
	StateAttached  State = "Attached"
	StatePersisted State = "Persisted"
)

// Device is one USB device as reported by usbipd. Devices are values: every
// refresh produces fresh ones.
type Device struct {
	BusID         string `json:"bus_id,omitempty" yaml:"bus_id,omitempty"`
	PersistedGUID string `json:"persisted_guid,omitempty" yaml:"persisted_guid,omitempty"`
	InstanceID    string `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
	VIDPID        string `json:"vid_pid,omitempty" yaml:"vid_pid,omitempty"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
	ClientIP      string `json:"client_ip,omitempty" yaml:"client_ip,omitempty"`
	Forced        bool   `json:"forced,omitempty" yaml:"forced,omitempty"`

	Connected bool `json:"connected" yaml:"connected"`
	Bound     bool `json:"bound" yaml:"bound"`
	Attached  bool `json:"attached" yaml:"attached"`
	Persisted bool `json:"persisted" yaml:"persisted"`
}

// Locator identifies the device for lookups: the bus ID when connected,
// otherwise the persisted GUID.
func (d Device) Locator() string {
	if d.BusID != "" {
		return d.BusID
	}
	return d.PersistedGUID
}

// State summarizes the flags the way usbipd prints them.
func (d Device) State() string {
	var s State
	switch {
	case !d.Connected:
		return string(StatePersisted)
	case d.Attached:
		s = StateAttached
	case d.Bound:
		s = StateShared
	default:
		return string(StateNotShared)
	}
	if d.Forced {
		return string(s) + " (forced)"
	}
	return string(s)
}

// Serial returns the serial number part of the instance ID. Windows makes up
// instance IDs containing '&' for devices without a serial; those are not
// stable across reconnects and yield "".
func (d Device) Serial() string {
	parts := strings.Split(d.InstanceID, `\`)
	if len(parts) < 3 || strings.Contains(parts[2], "&") {
		return ""
	}
	return parts[2]
}

// vidPIDFromInstance turns USB\VID_1234&PID_ABCD\xyz into 1234:abcd.
func vidPIDFromInstance(instanceID string) string {
	parts := strings.Split(instanceID, `\`)
	if len(parts) < 2 {
		return ""
	}
	id := strings.ToUpper(parts[1])
	if !strings.HasPrefix(id, "VID_") || !strings.Contains(id, "&PID_") {
		return ""
	}
	id = strings.Replace(strings.TrimPrefix(id, "VID_"), "&PID_", ":", 1)
	if i := strings.IndexByte(id, '&'); i >= 0 {
		id = id[:i]
	}
	return strings.ToLower(id)
}

// DeviceList is the complete result of one refresh. It is never modified
// after it is published.
type DeviceList struct {
	Devices     []Device  `json:"devices" yaml:"devices"`
	Generation  uint64    `json:"generation" yaml:"generation"`
	RefreshedAt time.Time `json:"refreshed_at,omitzero" yaml:"refreshed_at,omitempty"`
}

// Initialized reports whether the list came from a refresh.
func (l DeviceList) Initialized() bool { return l.Generation > 0 }

// Find returns the device with the given locator.
func (l DeviceList) Find(locator string) (Device, bool) {
	for _, d := range l.Devices {
		if d.Locator() == locator || (d.PersistedGUID != "" && strings.EqualFold(d.PersistedGUID, locator)) {
			return d, true
		}
	}
	return Device{}, false
}

// Connected returns the devices currently plugged in.
func (l DeviceList) Connected() []Device {
	return l.filter(func(d Device) bool { return d.Connected })
}

// PersistedOnly returns bound devices that are not plugged in.
func (l DeviceList) PersistedOnly() []Device {
	return l.filter(func(d Device) bool { return !d.Connected && d.Persisted })
}

func (l DeviceList) filter(keep func(Device) bool) []Device {
	var out []Device
	for _, d := range l.Devices {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}
