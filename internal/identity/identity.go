// Package identity derives the device identity that every topic name
// and discovery unique ID is built from. The identity combines the
// host name with an optional hardware identifier so two machines that
// share a host name still land on distinct topics.
package identity

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
)

// fallbackHostName is used when the OS refuses to report a host name.
const fallbackHostName = "unknown-host"

// Identity is the resolved device identity. It is computed once at
// startup and never mutated.
type Identity struct {
	HostName   string `json:"host_name"`
	HardwareID string `json:"hardware_id,omitempty"`

	// OSVersion is reported in the discovery device block. It does not
	// take part in topic derivation.
	OSVersion string `json:"os_version,omitempty"`
}

// Slug returns the topic-safe device segment: "<hardware>_<host>"
// when a hardware ID is known, otherwise the host name alone.
//
// Clean components pass through unchanged. Only the separator of the
// composite form is a guaranteed '_': the hardware part and a bare
// host name never contain one, so the two forms cannot meet and the
// first '_' splits the composite. A component that had to be rewritten
// carries a short hash of its original value, so identities differing
// only in replaced characters still get distinct slugs (short of an
// 8-hex-digit hash collision or a host literally ending in that hash).
func (i Identity) Slug() string {
	if i.HardwareID == "" {
		return encodeComponent(i.HostName, '-', false)
	}
	return encodeComponent(i.HardwareID, '-', false) + "_" + encodeComponent(i.HostName, '_', true)
}

// encodeComponent keeps [A-Za-z0-9-] (and '_' when allowUnderscore is
// set). If any other rune is present, each one becomes repl and
// "-<hash>" is appended, the hash being the first 8 hex digits of a
// name-based UUID of the raw value.
func encodeComponent(s string, repl rune, allowUnderscore bool) string {
	dirty := false
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		case r == '_' && allowUnderscore:
			return r
		default:
			dirty = true
			return repl
		}
	}, s)
	if !dirty {
		return out
	}
	return out + "-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(s)).String()[:8]
}

// Options override parts of the resolved identity.
type Options struct {
	HostName      string
	HardwareID    string
	UseHardwareID bool
}

// Resolver looks up the identity on first use and caches it for the
// process lifetime. The lookup functions are fields so tests can
// replace the OS-facing sources.
type Resolver struct {
	opts   Options
	logger *slog.Logger

	hostName   func() (string, error)
	hardwareID func(ctx context.Context) (string, error)
	osVersion  func(ctx context.Context) (string, error)

	once sync.Once
	id   Identity
}

// NewResolver creates a Resolver backed by the operating system.
func NewResolver(opts Options, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		opts:       opts,
		logger:     logger,
		hostName:   os.Hostname,
		hardwareID: host.HostIDWithContext,
		osVersion:  platformString,
	}
}

// Resolve returns the device identity. It never fails: a missing
// hardware ID or OS version is logged and left empty.
func (r *Resolver) Resolve(ctx context.Context) Identity {
	r.once.Do(func() {
		r.id = r.resolve(ctx)
		r.logger.Info("device identity resolved",
			"host_name", r.id.HostName,
			"hardware_id", r.id.HardwareID,
			"slug", r.id.Slug(),
		)
	})
	return r.id
}

func (r *Resolver) resolve(ctx context.Context) Identity {
	var id Identity

	id.HostName = strings.TrimSpace(r.opts.HostName)
	if id.HostName == "" {
		name, err := r.hostName()
		name = strings.TrimSpace(name)
		if err != nil || name == "" {
			r.logger.Warn("host name unavailable, using fallback",
				"fallback", fallbackHostName, "error", err)
			name = fallbackHostName
		}
		id.HostName = name
	}

	if r.opts.UseHardwareID {
		id.HardwareID = strings.TrimSpace(r.opts.HardwareID)
		if id.HardwareID == "" {
			hw, err := r.hardwareID(ctx)
			if err != nil {
				r.logger.Warn("hardware id unavailable, using host name only", "error", err)
			} else {
				id.HardwareID = strings.TrimSpace(hw)
			}
		}
	}

	osv, err := r.osVersion(ctx)
	if err != nil {
		r.logger.Debug("os version unavailable", "error", err)
	}
	id.OSVersion = osv

	return id
}

// platformString renders "<platform> <version> (<os>)", e.g.
// "ubuntu 24.04 (linux)".
func platformString(ctx context.Context) (string, error) {
	platform, _, version, err := host.PlatformInformationWithContext(ctx)
	if err != nil {
		return "", err
	}
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return strings.TrimSpace(platform + " " + version), nil
	}
	return strings.TrimSpace(platform+" "+version) + " (" + info.OS + ")", nil
}
