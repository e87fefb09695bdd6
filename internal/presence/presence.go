// Package presence defines the watched signals and the wire shape of
// their state payloads. The payload field name and the discovery value
// template are both derived from [Definition.Field] so the state a
// signal publishes is always readable by the template HA is given.
package presence

import (
	"encoding/json"
	"fmt"
)

// Key identifies a watched signal.
type Key int

const (
	// UserActive is true while the user has provided input recently.
	UserActive Key = iota
	// WorkstationLocked is true while the session is locked.
	WorkstationLocked
)

// String returns the signal's object ID.
func (k Key) String() string {
	if d, ok := Lookup(k); ok {
		return d.ObjectID
	}
	return fmt.Sprintf("signal(%d)", int(k))
}

// Definition is the static description of a signal.
type Definition struct {
	Key      Key
	ObjectID string // topic segment and unique ID suffix source
	Name     string // entity name shown in HA, relative to the device
	Icon     string
	Field    string // JSON field carrying the boolean in state payloads
	OnLabel  string // rendered state when Field is true
	OffLabel string // rendered state when Field is false

	// UniqueSuffix is appended to the device slug to form the entity's
	// unique ID.
	UniqueSuffix string
}

var definitions = []Definition{
	{
		Key:          UserActive,
		ObjectID:     "user_active",
		Name:         "User Active",
		Icon:         "mdi:motion-sensor",
		Field:        "active",
		OnLabel:      "Active",
		OffLabel:     "Inactive",
		UniqueSuffix: "active",
	},
	{
		Key:          WorkstationLocked,
		ObjectID:     "workstation_locked",
		Name:         "Workstation Locked",
		Icon:         "mdi:lock",
		Field:        "locked",
		OnLabel:      "Locked",
		OffLabel:     "Unlocked",
		UniqueSuffix: "locked",
	},
}

// Definitions returns every signal definition in a stable order.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Lookup returns the definition for k.
func Lookup(k Key) (Definition, bool) {
	for _, d := range definitions {
		if d.Key == k {
			return d, true
		}
	}
	return Definition{}, false
}

// StatePayload encodes a known value as {"<field>": true|false}.
func StatePayload(d Definition, value bool) ([]byte, error) {
	return json.Marshal(map[string]*bool{d.Field: &value})
}

// PlaceholderPayload encodes the "unknown" state as {"<field>": null}.
func PlaceholderPayload(d Definition) ([]byte, error) {
	return json.Marshal(map[string]*bool{d.Field: nil})
}

// ValueTemplate returns the HA template that extracts the display state
// from a payload produced by [StatePayload] or [PlaceholderPayload].
func ValueTemplate(d Definition) string {
	ref := "value_json." + d.Field
	return fmt.Sprintf("{%% if %s is none %%}unknown{%% elif %s %%}%s{%% else %%}%s{%% endif %%}",
		ref, ref, d.OnLabel, d.OffLabel)
}
