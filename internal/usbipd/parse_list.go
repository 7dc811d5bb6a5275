package usbipd

import (
	"regexp"
	"strings"
)

var (
	columnSepRe = regexp.MustCompile(`\s{2,}`)
	busIDRe     = regexp.MustCompile(`^\d+-\d+(\.\d+)*$`)
	vidPIDRe    = regexp.MustCompile(`^[0-9a-fA-F]{4}:[0-9a-fA-F]{4}$`)
	guidRe      = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

type listSection int

const (
	sectionConnected listSection = iota
	sectionPersisted
	sectionUnknown
)

// ParseList parses the text table printed by `usbipd list` (4.x, with
// Connected: and Persisted: sections) and `usbipd wsl list` (2.x and 3.x, one
// unnamed table). Columns are separated by two or more spaces, so widths may
// vary. Rows that cannot be read are dropped with a warning. Output without
// any table, or whose rows all had to be dropped, is a ParseError.
func ParseList(out []byte) (ParseResult, error) {
	text := strings.ReplaceAll(string(out), "\x00", "")
	text = strings.ReplaceAll(text, "\r", "")
	if strings.TrimSpace(text) == "" {
		return ParseResult{}, &ParseError{Reason: "empty list output"}
	}

	m := newMerger()
	section := sectionConnected
	sawHeader := false
	rows := 0

	for i, line := range strings.Split(text, "\n") {
		lineNo := i + 1
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		switch {
		case strings.EqualFold(trimmed, "Connected:"):
			section = sectionConnected
			continue
		case strings.EqualFold(trimmed, "Persisted:"):
			section = sectionPersisted
			continue
		case strings.HasSuffix(trimmed, ":") && !columnSepRe.MatchString(trimmed):
			section = sectionUnknown
			continue
		}

		fields := columnSepRe.Split(trimmed, -1)
		if isHeader(fields) {
			sawHeader = true
			continue
		}
		rows++

		switch section {
		case sectionConnected:
			d, reason := parseConnectedRow(fields)
			if reason != "" {
				m.warn(Warning{Line: lineNo, Content: trimmed, Reason: reason})
				continue
			}
			m.add(lineNo, trimmed, d)
		case sectionPersisted:
			d, reason := parsePersistedRow(fields)
			if reason != "" {
				m.warn(Warning{Line: lineNo, Content: trimmed, Reason: reason})
				continue
			}
			m.add(lineNo, trimmed, d)
		default:
			m.warn(Warning{Line: lineNo, Content: trimmed, Reason: "row outside a known section"})
		}
	}

	res := m.result()
	if !sawHeader && len(res.Devices) == 0 {
		return ParseResult{}, &ParseError{Content: strings.TrimSpace(text), Reason: "no device table found"}
	}
	if rows > 0 && len(res.Devices) == 0 {
		return ParseResult{}, m.unusable()
	}
	return res, nil
}

func isHeader(fields []string) bool {
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "BUSID", "GUID":
		return true
	}
	return false
}

func parseConnectedRow(fields []string) (Device, string) {
	if len(fields) < 4 {
		return Device{}, "expected BUSID, VID:PID, DEVICE and STATE columns"
	}
	busID, vidPID := fields[0], fields[1]
	if !busIDRe.MatchString(busID) {
		return Device{}, "invalid bus ID"
	}
	if !vidPIDRe.MatchString(vidPID) {
		return Device{}, "invalid VID:PID"
	}

	last := len(fields) - 1
	d := Device{
		BusID:       busID,
		VIDPID:      strings.ToLower(vidPID),
		Description: strings.Join(fields[2:last], "  "),
		Connected:   true,
	}

	state := fields[last]
	if s, ok := strings.CutSuffix(state, "(forced)"); ok {
		d.Forced = true
		state = strings.TrimSpace(s)
	}
	switch {
	case strings.EqualFold(state, string(StateNotShared)):
	case strings.EqualFold(state, string(StateShared)), strings.EqualFold(state, "Not attached"):
		d.Bound = true
	case strings.HasPrefix(strings.ToLower(state), "attached"):
		d.Bound = true
		d.Attached = true
	default:
		return Device{}, "unknown state " + state
	}
	// usbipd keeps a persisted entry for every shared device; list only
	// prints it separately once the device is unplugged.
	d.Persisted = d.Bound
	return d, ""
}

func parsePersistedRow(fields []string) (Device, string) {
	if len(fields) < 1 || !guidRe.MatchString(fields[0]) {
		return Device{}, "invalid GUID"
	}
	return Device{
		PersistedGUID: strings.ToLower(fields[0]),
		Description:   strings.Join(fields[1:], "  "),
		Persisted:     true,
	}, ""
}
