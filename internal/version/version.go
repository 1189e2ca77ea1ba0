// Package version compares workflow release strings.
//
// Releases in the catalog are loosely formatted semantic versions: a leading
// "v" or "b" and a trailing "-beta" are common and are ignored here.
package version

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Parse normalizes a release string and parses it as a semantic version.
func Parse(s string) (*semver.Version, error) {
	norm := strings.TrimSpace(s)
	norm = strings.TrimPrefix(norm, "b")
	norm = strings.TrimPrefix(norm, "v")
	norm = strings.TrimSuffix(norm, "-beta")
	v, err := semver.NewVersion(norm)
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return v, nil
}

// WithinRange reports whether two releases are interchangeable for
// scheduling purposes: major and minor must match, patch is ignored. With
// force set, the versions must be identical. Unparseable input is never in
// range.
func WithinRange(a, b string, force bool) bool {
	va, errA := Parse(a)
	vb, errB := Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	if force {
		return va.Equal(vb)
	}
	return va.Major() == vb.Major() && va.Minor() == vb.Minor()
}

// WithinMajor is the looser check used when filtering execution records:
// only the major component must match, or the full version when force is
// set.
func WithinMajor(a, b string, force bool) bool {
	va, errA := Parse(a)
	vb, errB := Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	if force {
		return va.Equal(vb)
	}
	return va.Major() == vb.Major()
}

// Compare orders two releases by major, then minor, then patch. It returns
// -1, 0 or 1.
func Compare(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}
