// Package version handles release version parsing, comparison, and
// resolution against the remote release catalog.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	versionRegex = regexp.MustCompile(`^v?(\d+)(?:\.(\d+))?(?:\.(\d+))?(?:-([a-zA-Z0-9.-]+))?$`)
	strictRegex  = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

	// prereleaseRegex marks a tag as belonging to the unstable channel.
	prereleaseRegex = regexp.MustCompile(`(?i)(rc|pre|dev|unstable)`)
)

// Channel is a release stream. The stable channel excludes any version
// carrying a prerelease tag.
type Channel string

const (
	ChannelStable   Channel = "stable"
	ChannelUnstable Channel = "unstable"
)

// ParseChannel parses a channel name.
func ParseChannel(s string) (Channel, error) {
	switch s {
	case "stable", "":
		return ChannelStable, nil
	case "unstable":
		return ChannelUnstable, nil
	default:
		return "", fmt.Errorf("unknown channel: %s", s)
	}
}

// Version is a semantic version triple with an optional prerelease tag.
// Missing minor/patch components default to 0. The tag never participates
// in ordering; it only decides channel membership.
type Version struct {
	Major int
	Minor int
	Patch int
	Tag   string
}

// Parse parses a version string such as "1.19.4", "v1.19", or
// "1.20.1-rc.1". Missing trailing components default to 0.
func Parse(s string) (*Version, error) {
	matches := versionRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("invalid version format: %q", s)
	}

	major, _ := strconv.Atoi(matches[1])
	minor := 0
	if matches[2] != "" {
		minor, _ = strconv.Atoi(matches[2])
	}
	patch := 0
	if matches[3] != "" {
		patch, _ = strconv.Atoi(matches[3])
	}

	return &Version{
		Major: major,
		Minor: minor,
		Patch: patch,
		Tag:   matches[4],
	}, nil
}

// ParseStrict parses a bare "major.minor.patch" string. Prefixes, tags,
// and missing components are rejected. Update targets must pass this
// before any side effect occurs.
func ParseStrict(s string) (*Version, error) {
	if !strictRegex.MatchString(s) {
		return nil, fmt.Errorf("invalid version format: %q (expected major.minor.patch, e.g. 1.20.4)", s)
	}
	return Parse(s)
}

// String returns the canonical representation.
func (v *Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Tag != "" {
		s += "-" + v.Tag
	}
	return s
}

// IsPrerelease reports whether the version belongs to the unstable channel.
func (v *Version) IsPrerelease() bool {
	return v.Tag != "" && prereleaseRegex.MatchString(v.Tag)
}

// InChannel reports whether the version is a candidate for the channel.
func (v *Version) InChannel(c Channel) bool {
	if c == ChannelStable {
		return !v.IsPrerelease()
	}
	return true
}

// Compare compares two versions numerically on (major, minor, patch).
// Returns 1 if v > other, -1 if v < other, 0 otherwise. Prerelease tags
// are ignored: "1.2.3-rc.1" and "1.2.3" compare as equal.
func (v *Version) Compare(other *Version) int {
	if v.Major != other.Major {
		if v.Major > other.Major {
			return 1
		}
		return -1
	}
	if v.Minor != other.Minor {
		if v.Minor > other.Minor {
			return 1
		}
		return -1
	}
	if v.Patch != other.Patch {
		if v.Patch > other.Patch {
			return 1
		}
		return -1
	}
	return 0
}

// Newer reports whether v is strictly newer than other.
func (v *Version) Newer(other *Version) bool {
	return v.Compare(other) > 0
}

// CompareStrings compares two version strings, tolerating a "v" prefix
// and missing trailing components.
func CompareStrings(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", a, err)
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", b, err)
	}
	return va.Compare(vb), nil
}

// Normalize strips a leading "v" prefix.
func Normalize(s string) string {
	return strings.TrimPrefix(s, "v")
}
