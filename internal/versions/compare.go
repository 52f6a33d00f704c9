package versions

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// AtLeast reports whether version is greater than or equal to minimum.
// Both must be valid semantic versions; a leading "v" is accepted.
func AtLeast(version, minimum string) (bool, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("invalid version %q: %w", version, err)
	}
	m, err := semver.NewVersion(minimum)
	if err != nil {
		return false, fmt.Errorf("invalid minimum version %q: %w", minimum, err)
	}
	return !v.LessThan(m), nil
}
