package versions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtLeast(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		version  string
		minimum  string
		expected bool
		wantErr  bool
	}{
		{name: "newer major version", version: "9.0.0", minimum: "8.0.0", expected: true},
		{name: "newer minor version", version: "8.400.1", minimum: "8.300.0", expected: true},
		{name: "equal versions", version: "8.0.0", minimum: "8.0.0", expected: true},
		{name: "older patch version", version: "8.0.0", minimum: "8.0.1", expected: false},
		{name: "older major version", version: "7.9.9", minimum: "8.0.0", expected: false},
		{name: "prerelease is older than release", version: "8.0.0-rc1", minimum: "8.0.0", expected: false},
		{name: "v prefix", version: "v8.1.0", minimum: "8.0.0", expected: true},
		{name: "short version", version: "8.1", minimum: "8", expected: true},
		{name: "invalid version", version: "latest", minimum: "8.0.0", wantErr: true},
		{name: "invalid minimum", version: "8.0.0", minimum: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ok, err := AtLeast(tt.version, tt.minimum)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ok)
		})
	}
}

func TestGetVersionInfoWithValues(t *testing.T) {
	t.Parallel()

	info := getVersionInfoWithValues("v1.2.3", "abcdef0123456789", "2026-01-02T03:04:05Z")
	assert.Equal(t, "v1.2.3", info.Version)
	assert.Equal(t, "abcdef0123456789", info.Commit)
	assert.Equal(t, "2026-01-02 03:04:05 UTC", info.BuildDate)
	assert.NotEmpty(t, info.GoVersion)

	dev := getVersionInfoWithValues("dev", "abcdef0123456789", unknownStr)
	assert.Equal(t, "build-abcdef01", dev.Version)
}
