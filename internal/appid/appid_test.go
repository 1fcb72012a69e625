package appid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetDefaults(t *testing.T) {
	t.Setenv(EnvIdentityName, "")

	identity, err := Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "chgate", identity.BinaryName)
	require.Equal(t, "CHGATE_", identity.Prefix())
	require.Equal(t, "chgate", identity.TelemetryNamespace())
}

func TestGetBinaryNameOverride(t *testing.T) {
	t.Setenv(EnvIdentityName, "ch-gateway")

	identity, err := Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ch-gateway", identity.BinaryName)
	require.Equal(t, "chgate", identity.ConfigName)
	require.Equal(t, "ch_gateway", identity.TelemetryNamespace())
}

func TestPrefixAddsUnderscore(t *testing.T) {
	identity := &Identity{EnvPrefix: "CH"}
	require.Equal(t, "CH_", identity.Prefix())

	var missing *Identity
	require.Equal(t, "CHGATE_", missing.Prefix())
}
