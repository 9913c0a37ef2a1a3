package registry

import (
	"sort"

	"github.com/Masterminds/semver/v3"

	errs "github.com/matzehuels/distwatch/pkg/errors"
)

// Metadata is the subset of a registry package document the watcher needs.
// A fetch always produces a new value; callers must not mutate it.
type Metadata struct {
	Name     string                  `json:"name"`
	Versions map[string]VersionEntry `json:"versions"`
	DistTags map[string]string       `json:"dist-tags"`
}

// VersionEntry describes one published version.
type VersionEntry struct {
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Tarball      string            `json:"tarball"`
}

// Result is a fetched document together with where it came from.
type Result struct {
	Metadata *Metadata `json:"metadata"`
	FromCDN  bool      `json:"from_cdn"`
}

// rawPackage is the registry wire format.
type rawPackage struct {
	Name     string `json:"name"`
	Versions map[string]struct {
		Dependencies map[string]string `json:"dependencies"`
		Dist         struct {
			Tarball string `json:"tarball"`
		} `json:"dist"`
	} `json:"versions"`
	DistTags map[string]string `json:"dist-tags"`
}

func (r *rawPackage) normalize() *Metadata {
	m := &Metadata{
		Name:     r.Name,
		Versions: make(map[string]VersionEntry, len(r.Versions)),
		DistTags: make(map[string]string, len(r.DistTags)),
	}
	for v, entry := range r.Versions {
		m.Versions[v] = VersionEntry{Dependencies: entry.Dependencies, Tarball: entry.Dist.Tarball}
	}
	for tag, v := range r.DistTags {
		m.DistTags[tag] = v
	}
	return m
}

// ExactVersions returns the plain MAJOR.MINOR.PATCH versions of m in
// descending order. Pre-release and build-metadata versions are omitted.
func (m *Metadata) ExactVersions() []*semver.Version {
	out := make([]*semver.Version, 0, len(m.Versions))
	for v := range m.Versions {
		if !errs.IsExactVersion(v) {
			continue
		}
		sv, err := semver.StrictNewVersion(v)
		if err != nil {
			continue
		}
		out = append(out, sv)
	}
	sort.Sort(sort.Reverse(semver.Collection(out)))
	return out
}
