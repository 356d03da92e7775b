// Package catalog is the command catalog described in spec.md §4.3: a
// table keyed by (profile, command) that yields a JSON payload template
// and an optional command-code override.
package catalog

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Command is a Tuya command code (spec.md §4.3's canonical list).
type Command uint32

const (
	CmdAPConfig              Command = 1
	CmdActive                Command = 2
	CmdSessionKeyNegStart    Command = 3
	CmdSessionKeyNegResponse Command = 4
	CmdSessionKeyNegFinish   Command = 5
	CmdUnbind                Command = 6
	CmdControl               Command = 7
	CmdStatus                Command = 8
	CmdHeartbeat             Command = 9
	CmdDpQuery               Command = 10
	CmdTokenBind             Command = 12
	CmdControlNew            Command = 13
	CmdDpQueryNew            Command = 16
	CmdUpdateDps             Command = 18
	CmdUDPNew                Command = 19
	CmdBroadcastLPV34        Command = 35
	CmdRequestDevInfo        Command = 37
	CmdLanExtStream          Command = 64
)

// payloadShape selects which fields Build fills in for a template.
type payloadShape int

const (
	shapeNone        payloadShape = iota // "{}"
	shapeDps                            // top-level "dps"
	shapeDpIDs                          // top-level "dpId"
	shapeNestedDps                      // {"protocol":5,"data":{"dps":...}}
	shapeEmptyForced                    // literal "{}", ignores every other field
)

// Template describes one (profile, command) catalog entry.
type Template struct {
	IncludeGwID     bool
	IncludeDevID    bool
	IncludeUID      bool
	TimeAsInt       bool // adds "t" as integer epoch seconds; false omits "t" (no decimal-string form is produced)
	Shape           payloadShape
	InjectClusterID bool // zigbee profile: adds "cid" into the dps payload
	CommandOverride Command
}

// profileTable is keyed by profile name, then command.
type profileTable map[string]map[Command]Template

// Device-profile names accepted by IsKnownProfile and Params.Profile.
const (
	ProfileDefault  = "default"
	ProfileDevice22 = "device22"
	ProfileZigbee   = "zigbee"
)

var defaultTemplates = map[Command]Template{
	CmdControl: {
		IncludeDevID: true,
		IncludeUID:   true,
		TimeAsInt:    true,
		Shape:        shapeDps,
	},
	CmdStatus: {
		IncludeGwID:  true,
		IncludeDevID: true,
		IncludeUID:   true,
		TimeAsInt:    true,
		Shape:        shapeNone,
	},
	CmdDpQuery: {
		IncludeGwID:  true,
		IncludeDevID: true,
		IncludeUID:   true,
		TimeAsInt:    true,
		Shape:        shapeNone,
	},
	CmdHeartbeat: {
		Shape: shapeNone,
	},
	CmdUpdateDps: {
		Shape: shapeDpIDs,
	},
}

// versionOverlay is used for both "3.4" and "3.5" — spec.md §4.3 groups
// their command overrides together ("control -> controlNew for v3.4/
// v3.5", "dpQuery -> dpQueryNew for v3.4/v3.5").
var versionOverlay = map[Command]Template{
	CmdControl: {
		TimeAsInt:       true,
		Shape:           shapeNestedDps,
		CommandOverride: CmdControlNew,
	},
	CmdDpQuery: {
		Shape:           shapeEmptyForced,
		CommandOverride: CmdDpQueryNew,
	},
}

var device22Overlay = map[Command]Template{
	CmdDpQuery: {
		IncludeDevID:    true,
		IncludeUID:      true,
		TimeAsInt:       true,
		Shape:           shapeDps,
		CommandOverride: CmdControlNew,
	},
}

var zigbeeOverlay = map[Command]Template{
	CmdControl: {
		IncludeDevID:    true,
		IncludeUID:      true,
		TimeAsInt:       true,
		Shape:           shapeDps,
		InjectClusterID: true,
	},
}

var profiles = profileTable{
	ProfileDevice22: device22Overlay,
	ProfileZigbee:   zigbeeOverlay,
}

// IsKnownProfile reports whether name is a profile tag the catalog
// recognizes ("" and ProfileDefault both mean the default template set).
func IsKnownProfile(name string) bool {
	if name == "" || name == ProfileDefault {
		return true
	}
	_, ok := profiles[name]
	return ok
}

// versionProfileKey maps a protocol version to its overlay key. 3.4 and
// 3.5 share the same command-override behavior (spec.md §4.3).
func versionProfileKey(version string) string {
	switch version {
	case "3.4", "3.5":
		return "v3.4"
	default:
		return ""
	}
}

// lookup resolves the effective template for (profile, version, cmd):
// default, then version overlay, then device-profile overlay — each
// layer replaces the whole template when it defines an entry, per the
// "deep-copied template" design in spec.md §9.
func lookup(profile, version string, cmd Command) Template {
	tmpl := defaultTemplates[cmd]

	if vk := versionProfileKey(version); vk != "" {
		if t, ok := versionOverlay[cmd]; ok {
			tmpl = t
		}
	}
	if profile != "" && profile != ProfileDefault {
		if overlay, ok := profiles[profile]; ok {
			if t, ok := overlay[cmd]; ok {
				tmpl = t
			}
		}
	}
	return tmpl
}

// Params carries everything Build needs to render one outgoing payload.
type Params struct {
	Profile   string // device-profile tag; "" means ProfileDefault
	Version   string // "3.1", "3.3", "3.4", "3.5"
	Command   Command
	DeviceID  string
	Dps       map[string]any // for control / setValue / setMultipleValues
	DpIDs     []int          // for update-dps (data-point refresh)
	ClusterID *int           // zigbee sub-device cluster id
	Now       func() time.Time
}

// Build resolves the catalog entry for Params and renders the
// no-whitespace JSON payload, returning the (possibly overridden)
// command code the frame should actually be sent under.
func Build(p Params) (effectiveCommand Command, payload []byte, err error) {
	tmpl := lookup(p.Profile, p.Version, p.Command)

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	obj := map[string]any{}
	if tmpl.IncludeGwID {
		obj["gwId"] = p.DeviceID
	}
	if tmpl.IncludeDevID {
		obj["devId"] = p.DeviceID
	}
	if tmpl.IncludeUID {
		obj["uid"] = p.DeviceID
	}
	if tmpl.TimeAsInt {
		obj["t"] = now().Unix()
	}

	switch tmpl.Shape {
	case shapeNone:
		// no payload-bearing field
	case shapeEmptyForced:
		effectiveCommand = resolveOverride(tmpl, p.Command)
		data, mErr := json.Marshal(map[string]any{})
		return effectiveCommand, data, mErr
	case shapeDps:
		dps := cloneDps(p.Dps)
		if tmpl.InjectClusterID && p.ClusterID != nil {
			dps["cid"] = *p.ClusterID
		}
		obj["dps"] = dps
	case shapeDpIDs:
		obj["dpId"] = p.DpIDs
	case shapeNestedDps:
		obj["protocol"] = 5
		obj["data"] = map[string]any{"dps": cloneDps(p.Dps)}
	}

	effectiveCommand = resolveOverride(tmpl, p.Command)
	data, mErr := json.Marshal(obj)
	if mErr != nil {
		return 0, nil, fmt.Errorf("catalog: marshal payload: %w", mErr)
	}
	return effectiveCommand, data, nil
}

func resolveOverride(tmpl Template, original Command) Command {
	if tmpl.CommandOverride != 0 {
		return tmpl.CommandOverride
	}
	return original
}

// cloneDps deep-copies the caller's dps map so a catalog template never
// mutates the caller's data, matching spec.md §9's "templates are never
// mutated in place".
func cloneDps(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
