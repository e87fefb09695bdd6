package topics

import (
	"testing"

	"github.com/nugget/deskpresence/internal/identity"
	"github.com/nugget/deskpresence/internal/presence"
)

var namer = Namer{DiscoveryPrefix: "homeassistant", StatePrefix: "deskpresence"}

func TestTopic_Paths(t *testing.T) {
	hostOnly := identity.Identity{HostName: "PC1"}
	withHW := identity.Identity{HostName: "PC1", HardwareID: "CPU123"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"state active host only", namer.Topic(hostOnly, presence.UserActive, State), "deskpresence/PC1/user_active/state"},
		{"config locked host only", namer.Topic(hostOnly, presence.WorkstationLocked, DiscoveryConfig), "homeassistant/sensor/PC1/workstation_locked/config"},
		{"state active hw", namer.Topic(withHW, presence.UserActive, State), "deskpresence/CPU123_PC1/user_active/state"},
		{"state locked hw", namer.Topic(withHW, presence.WorkstationLocked, State), "deskpresence/CPU123_PC1/workstation_locked/state"},
		{"config active hw", namer.Topic(withHW, presence.UserActive, DiscoveryConfig), "homeassistant/sensor/CPU123_PC1/user_active/config"},
		{"availability", namer.Availability(withHW), "deskpresence/CPU123_PC1/availability"},
		{"unknown key", namer.Topic(withHW, presence.Key(99), State), ""},
		{"unknown kind", namer.Topic(withHW, presence.UserActive, Kind(7)), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestTopic_Injective(t *testing.T) {
	ids := []identity.Identity{
		{HostName: "PC1"},
		{HostName: "PC1", HardwareID: "CPU123"},
		{HostName: "PC1", HardwareID: "CPU456"},
		{HostName: "PC2", HardwareID: "CPU123"},
	}
	seen := map[string]string{}
	for _, id := range ids {
		for _, d := range presence.Definitions() {
			for _, kind := range []Kind{State, DiscoveryConfig} {
				topic := namer.Topic(id, d.Key, kind)
				label := id.Slug() + "/" + d.ObjectID + "/" + kind.String()
				if prev, dup := seen[topic]; dup {
					t.Errorf("topic %q produced by both %s and %s", topic, prev, label)
				}
				seen[topic] = label
				if !Valid(topic) {
					t.Errorf("%s: invalid topic %q", label, topic)
				}
			}
		}
	}
}

func TestTopic_Deterministic(t *testing.T) {
	id := identity.Identity{HostName: "desk.lan", HardwareID: "abc"}
	a := namer.Topic(id, presence.UserActive, State)
	b := namer.Topic(id, presence.UserActive, State)
	if a != b {
		t.Errorf("Topic not deterministic: %q vs %q", a, b)
	}
}

func TestTopic_SanitizedHostStaysValid(t *testing.T) {
	id := identity.Identity{HostName: "my host+#/x"}
	for _, d := range presence.Definitions() {
		if topic := namer.Topic(id, d.Key, State); !Valid(topic) {
			t.Errorf("invalid topic %q", topic)
		}
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		topic string
		want  bool
	}{
		{"a/b/c", true},
		{"", false},
		{"a/+/c", false},
		{"a/#", false},
		{"/a/b", false},
		{"a/b/", false},
		{"a//b", false},
		{"a b", false},
		{"a/\x00", false},
		{"café", false},
	}
	for _, tt := range tests {
		if got := Valid(tt.topic); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.topic, got, tt.want)
		}
	}
}

func TestSlugTopic(t *testing.T) {
	if got := namer.SlugTopic("OLD_PC1", presence.UserActive, DiscoveryConfig); got != "homeassistant/sensor/OLD_PC1/user_active/config" {
		t.Errorf("SlugTopic = %q", got)
	}
	if got := namer.SlugTopic("", presence.UserActive, State); got != "" {
		t.Errorf("SlugTopic with empty slug = %q, want empty", got)
	}
}
