package discovery

import (
	"runtime"

	"github.com/nugget/deskpresence/internal/buildinfo"
	"github.com/nugget/deskpresence/internal/identity"
)

// DeviceInfo holds the Home Assistant device registry fields shared by
// every sensor this bridge announces, so HA groups them under one
// device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// OriginInfo tells HA which application published the discovery
// message.
type OriginInfo struct {
	Name       string `json:"name"`
	SWVersion  string `json:"sw_version"`
	SupportURL string `json:"support_url,omitempty"`
}

// SensorConfig is the JSON payload of an HA MQTT sensor discovery
// message. It is published retained to the signal's config topic.
type SensorConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic,omitempty"`
	ValueTemplate     string     `json:"value_template,omitempty"`
	Icon              string     `json:"icon,omitempty"`
	Device            DeviceInfo `json:"device"`
	Origin            OriginInfo `json:"origin"`
}

// NewDeviceInfo builds the device block for id. The slug is the device
// identifier so a hardware ID change registers a new device instead of
// merging two machines.
func NewDeviceInfo(id identity.Identity) DeviceInfo {
	sw := id.OSVersion
	if sw == "" {
		sw = runtime.GOOS
	}
	return DeviceInfo{
		Identifiers:  []string{id.Slug()},
		Name:         id.HostName,
		Manufacturer: buildinfo.Name,
		Model:        "Workstation",
		SWVersion:    sw,
	}
}

func newOriginInfo() OriginInfo {
	return OriginInfo{
		Name:       buildinfo.Name,
		SWVersion:  buildinfo.Version,
		SupportURL: buildinfo.SupportURL,
	}
}
