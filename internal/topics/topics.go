// Package topics maps a device identity and a signal to MQTT topic
// names following the Home Assistant discovery layout:
//
//	<discovery_prefix>/sensor/<device_slug>/<object_id>/config
//	<state_prefix>/<device_slug>/<object_id>/state
//	<state_prefix>/<device_slug>/availability
//
// Topics are derived from the identity on every call. A change of
// identity between runs moves every topic.
package topics

import (
	"fmt"
	"strings"

	"github.com/nugget/deskpresence/internal/identity"
	"github.com/nugget/deskpresence/internal/presence"
)

// Component is the HA entity platform every signal is announced as.
const Component = "sensor"

// Kind selects which topic of a signal is wanted.
type Kind int

const (
	// State is the topic the signal's value is published to.
	State Kind = iota
	// DiscoveryConfig is the retained HA discovery topic.
	DiscoveryConfig
)

func (k Kind) String() string {
	switch k {
	case State:
		return "state"
	case DiscoveryConfig:
		return "config"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Namer holds the two configured prefixes. The zero value is not
// useful; prefixes are validated by the config package.
type Namer struct {
	DiscoveryPrefix string
	StatePrefix     string
}

// Topic returns the topic of the given kind for signal key on the
// device described by id. Unknown keys and kinds yield "".
func (n Namer) Topic(id identity.Identity, key presence.Key, kind Kind) string {
	return n.SlugTopic(id.Slug(), key, kind)
}

// SlugTopic is [Namer.Topic] for an already derived device slug, such
// as one recorded by a previous run.
func (n Namer) SlugTopic(slug string, key presence.Key, kind Kind) string {
	def, ok := presence.Lookup(key)
	if !ok || slug == "" {
		return ""
	}

	switch kind {
	case State:
		return n.StatePrefix + "/" + slug + "/" + def.ObjectID + "/state"
	case DiscoveryConfig:
		return n.DiscoveryPrefix + "/" + Component + "/" + slug + "/" + def.ObjectID + "/config"
	default:
		return ""
	}
}

// Availability returns the device's online/offline topic.
func (n Namer) Availability(id identity.Identity) string {
	return n.StatePrefix + "/" + id.Slug() + "/availability"
}

// Valid reports whether topic can be published to: non-empty, no
// wildcards, no empty levels, no leading or trailing separator, and
// printable ASCII only.
func Valid(topic string) bool {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return false
	}
	if strings.HasPrefix(topic, "/") || strings.HasSuffix(topic, "/") || strings.Contains(topic, "//") {
		return false
	}
	for i := 0; i < len(topic); i++ {
		if topic[i] < 0x21 || topic[i] > 0x7e {
			return false
		}
	}
	return true
}
