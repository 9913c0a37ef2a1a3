package buildinfo

import (
	"strings"
	"testing"
)

func TestShort(t *testing.T) {
	defer func(v, c string) { Version, Commit = v, c }(Version, Commit)

	Version, Commit = "v1.2.0", "3f2a9c1e8b7d"
	if got := Short(); got != "v1.2.0 (3f2a9c1)" {
		t.Errorf("Short() = %q", got)
	}
	Commit = "none"
	if got := Short(); got != "v1.2.0 (none)" {
		t.Errorf("Short() = %q", got)
	}
}

func TestUserAgentAndTemplate(t *testing.T) {
	if !strings.HasPrefix(UserAgent(), "distwatch/") {
		t.Errorf("UserAgent() = %q", UserAgent())
	}
	if !strings.Contains(Template(), "{{.Name}} "+Version) {
		t.Errorf("Template() = %q", Template())
	}
}
