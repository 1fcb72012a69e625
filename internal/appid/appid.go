// Package appid exposes the application identity used for help text, config
// discovery and telemetry namespacing.
package appid

import (
	"context"
	"os"
	"strings"
)

// EnvIdentityName overrides the binary name reported by Get. It is mostly
// useful when the gateway is embedded under another name.
const EnvIdentityName = "CHGATE_APP_NAME"

// Identity describes the application.
type Identity struct {
	BinaryName  string
	ConfigName  string
	EnvPrefix   string
	Description string
}

var defaultIdentity = Identity{
	BinaryName:  "chgate",
	ConfigName:  "chgate",
	EnvPrefix:   "CHGATE_",
	Description: "Rate-limited, caching gateway for the Companies House API",
}

// Get returns the application identity.
func Get(ctx context.Context) (*Identity, error) {
	identity := defaultIdentity
	if name := strings.TrimSpace(os.Getenv(EnvIdentityName)); name != "" {
		identity.BinaryName = name
	}
	return &identity, nil
}

// TelemetryNamespace returns the prefix used for metric names.
func (i *Identity) TelemetryNamespace() string {
	if i == nil || strings.TrimSpace(i.BinaryName) == "" {
		return defaultIdentity.BinaryName
	}
	return strings.ReplaceAll(strings.ToLower(i.BinaryName), "-", "_")
}

// Prefix returns EnvPrefix with a trailing underscore.
func (i *Identity) Prefix() string {
	prefix := defaultIdentity.EnvPrefix
	if i != nil && strings.TrimSpace(i.EnvPrefix) != "" {
		prefix = i.EnvPrefix
	}
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return prefix
}
