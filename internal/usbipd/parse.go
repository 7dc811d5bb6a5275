package usbipd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseResult is a parsed device list plus the rows that had to be dropped.
type ParseResult struct {
	Devices  []Device
	Warnings []Warning
}

var versionRe = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`)

// ParseVersion extracts the first major.minor.patch triple from the output of
// `usbipd --version`, e.g. "4.3.0+42.Branch.master.Sha.abc".
func ParseVersion(out []byte) (Version, error) {
	text := strings.TrimSpace(string(out))
	m := versionRe.FindStringSubmatch(text)
	if m == nil {
		return Version{}, &ParseError{Line: 1, Content: text, Reason: "no major.minor.patch version"}
	}
	var nums [3]int
	for i := range nums {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Version{}, &ParseError{Line: 1, Content: text, Reason: "version component out of range"}
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// stateDevice mirrors one entry of `usbipd state`.
type stateDevice struct {
	BusID            *string `json:"BusId"`
	ClientIPAddress  *string `json:"ClientIPAddress"`
	Description      *string `json:"Description"`
	InstanceID       *string `json:"InstanceId"`
	IsForced         bool    `json:"IsForced"`
	PersistedGUID    *string `json:"PersistedGuid"`
	StubInstanceGUID *string `json:"StubInstanceGuid"`
}

// ParseState parses the JSON document printed by `usbipd state`. Entries
// without a bus ID or GUID, and entries that claim to be attached without
// being bound, are dropped with a warning. A document in which no entry
// survives is a ParseError.
func ParseState(out []byte) (ParseResult, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return ParseResult{}, &ParseError{Reason: "empty state output"}
	}

	var doc struct {
		Devices *[]json.RawMessage `json:"Devices"`
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return ParseResult{}, &ParseError{Content: string(trimmed), Reason: "invalid state JSON: " + err.Error()}
	}
	if doc.Devices == nil {
		return ParseResult{}, &ParseError{Content: string(trimmed), Reason: "state JSON has no Devices"}
	}

	m := newMerger()
	for i, raw := range *doc.Devices {
		var sd stateDevice
		if err := json.Unmarshal(raw, &sd); err != nil {
			m.warn(Warning{Line: i + 1, Content: string(raw), Reason: "malformed device entry"})
			continue
		}
		d := Device{
			BusID:         deref(sd.BusID),
			PersistedGUID: deref(sd.PersistedGUID),
			InstanceID:    deref(sd.InstanceID),
			Description:   deref(sd.Description),
			ClientIP:      deref(sd.ClientIPAddress),
			Forced:        sd.IsForced,
		}
		d.VIDPID = vidPIDFromInstance(d.InstanceID)
		d.Connected = d.BusID != ""
		d.Bound = d.Connected && d.PersistedGUID != ""
		d.Attached = d.Connected && d.ClientIP != ""
		d.Persisted = d.PersistedGUID != ""
		m.add(i+1, string(raw), d)
	}
	res := m.result()
	if len(*doc.Devices) > 0 && len(res.Devices) == 0 {
		return ParseResult{}, m.unusable()
	}
	return res, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// merger combines rows that refer to the same locator.
type merger struct {
	order    []string
	byKey    map[string]*Device
	warnings []Warning
}

func newMerger() *merger {
	return &merger{byKey: make(map[string]*Device)}
}

func (m *merger) warn(w Warning) { m.warnings = append(m.warnings, w) }

func (m *merger) add(line int, content string, d Device) {
	key := d.Locator()
	if key == "" {
		m.warn(Warning{Line: line, Content: content, Reason: "no bus ID or GUID"})
		return
	}
	if d.Attached && !d.Bound {
		m.warn(Warning{Line: line, Content: content, Reason: "attached device is not bound"})
		return
	}
	if prev, ok := m.byKey[key]; ok {
		mergeInto(prev, d)
		return
	}
	cp := d
	m.byKey[key] = &cp
	m.order = append(m.order, key)
}

func mergeInto(dst *Device, src Device) {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&dst.BusID, src.BusID)
	fill(&dst.PersistedGUID, src.PersistedGUID)
	fill(&dst.InstanceID, src.InstanceID)
	fill(&dst.VIDPID, src.VIDPID)
	fill(&dst.Description, src.Description)
	fill(&dst.ClientIP, src.ClientIP)
	dst.Forced = dst.Forced || src.Forced
	dst.Connected = dst.Connected || src.Connected
	dst.Bound = dst.Bound || src.Bound
	dst.Attached = dst.Attached || src.Attached
	dst.Persisted = dst.Persisted || src.Persisted
}

// unusable reports a response in which every row had to be dropped.
func (m *merger) unusable() *ParseError {
	w := m.warnings[0]
	return &ParseError{Line: w.Line, Content: w.Content, Reason: fmt.Sprintf("none of %d device rows could be read: %s", len(m.warnings), w.Reason)}
}

func (m *merger) result() ParseResult {
	res := ParseResult{Warnings: m.warnings, Devices: make([]Device, 0, len(m.order))}
	for _, k := range m.order {
		res.Devices = append(res.Devices, *m.byKey[k])
	}
	return res
}
