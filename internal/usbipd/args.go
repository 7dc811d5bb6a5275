package usbipd

// Op names an operation for errors, logs and metrics.
type Op string

const (
	OpVersion    Op = "version"
	OpState      Op = "state"
	OpList       Op = "list"
	OpBind       Op = "bind"
	OpUnbind     Op = "unbind"
	OpAttach     Op = "attach"
	OpDetach     Op = "detach"
	OpAutoAttach Op = "auto-attach"
)

// Elevated reports whether usbipd needs administrator rights for op.
func (op Op) Elevated() bool {
	return op == OpBind || op == OpUnbind
}

// The wsl subcommand was folded into attach/detach and `state` was added in
// usbipd 4.0.
const modernMajor = 4

// VersionArgs returns the arguments that print the tool version.
func VersionArgs() []string { return []string{"--version"} }

// StateArgs returns the arguments for the JSON device dump.
func StateArgs() []string { return []string{"state"} }

// ListArgs returns the arguments for the text device table.
func ListArgs(v Version) []string {
	if v.Major < modernMajor {
		return []string{"wsl", "list"}
	}
	return []string{"list"}
}

// SupportsState reports whether v understands `usbipd state`.
func SupportsState(v Version) bool { return v.Major >= modernMajor }

// BindArgs shares a connected device.
func BindArgs(busID string, force bool) []string {
	if force {
		return []string{"bind", "--force", "--busid", busID}
	}
	return []string{"bind", "--busid", busID}
}

// UnbindArgs stops sharing a device, by bus ID when it is connected and by
// GUID otherwise.
func UnbindArgs(d Device) []string {
	if d.BusID != "" {
		return []string{"unbind", "--busid", d.BusID}
	}
	return []string{"unbind", "--guid", d.PersistedGUID}
}

// AttachArgs connects a bound device to WSL.
func AttachArgs(v Version, busID string) []string {
	if v.Major < modernMajor {
		return []string{"wsl", "attach", "--busid", busID}
	}
	return []string{"attach", "--wsl", "--busid", busID}
}

// DetachArgs disconnects a device from its client.
func DetachArgs(v Version, busID string) []string {
	if v.Major < modernMajor {
		return []string{"wsl", "detach", "--busid", busID}
	}
	return []string{"detach", "--busid", busID}
}

// AutoAttachArgs starts the long-running watcher that re-attaches the device
// whenever it reappears.
func AutoAttachArgs(v Version, busID string) []string {
	if v.Major < modernMajor {
		return []string{"wsl", "attach", "--auto-attach", "--busid", busID}
	}
	return []string{"attach", "--wsl", "--auto-attach", "--busid", busID}
}
