package poller

import (
	"github.com/Masterminds/semver/v3"

	errs "github.com/matzehuels/distwatch/pkg/errors"
	"github.com/matzehuels/distwatch/pkg/registry"
)

// Stability is a runtime override for one version.
type Stability int

const (
	// Stable is the default for every version.
	Stable Stability = iota
	// Unstable versions are never selected.
	Unstable
)

func (s Stability) String() string {
	if s == Unstable {
		return "unstable"
	}
	return "stable"
}

// Resolve selects the version to install for tag.
//
// Candidates are the plain MAJOR.MINOR.PATCH versions on the tag's major
// line, no newer than the tag, and not marked Unstable. If the tag's own
// version is Unstable the highest stable candidate below it is chosen
// instead. previous is that highest stable candidate below the tag, or the
// highest candidate when none is below it.
func Resolve(m *registry.Metadata, tag string, stability map[string]Stability) (version, previous string, err error) {
	tagVersion, ok := m.DistTags[tag]
	if !ok || tagVersion == "" {
		return "", "", errs.New(errs.ErrCodeChannelNotFound, "no %s tag found for %s - %v", tag, m.Name, m.DistTags)
	}

	tv, err := semver.NewVersion(tagVersion)
	if err != nil {
		return "", "", errs.Wrap(errs.ErrCodeNoEligibleVersion, err, "%s tag of %s points at invalid version %q", tag, m.Name, tagVersion)
	}
	tagUnstable := stability[tagVersion] == Unstable

	candidates := m.ExactVersions()
	var eligible, below []*semver.Version
	for _, v := range candidates {
		if v.Major() != tv.Major() || v.GreaterThan(tv) || stability[v.Original()] == Unstable {
			continue
		}
		eligible = append(eligible, v)
		if v.LessThan(tv) {
			below = append(below, v)
		}
	}

	if tagUnstable && len(below) == 0 {
		return "", "", errs.New(errs.ErrCodeNoStableFallback,
			"%s@%s is unstable and no previous stable version to fall back on", m.Name, tagVersion)
	}
	if len(eligible) == 0 {
		return "", "", errs.New(errs.ErrCodeNoEligibleVersion,
			"no eligible versions found for %s -- from %v", m.Name, originals(candidates))
	}

	// candidates are sorted descending, so the first element is the maximum.
	if len(below) > 0 {
		previous = below[0].Original()
	} else {
		previous = eligible[0].Original()
	}

	if tagUnstable {
		return previous, previous, nil
	}
	return tagVersion, previous, nil
}

func originals(vs []*semver.Version) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Original()
	}
	return out
}
