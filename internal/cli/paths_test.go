package cli

import (
	"path/filepath"
	"testing"

	"github.com/matzehuels/distwatch/internal/config"
)

func TestCacheDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "")
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir, err := cacheDir()
	if err != nil {
		t.Fatalf("cacheDir() error: %v", err)
	}
	if want := filepath.Join(home, ".cache", "distwatch"); dir != want {
		t.Errorf("cacheDir() = %q, want %q", dir, want)
	}
}

func TestCacheDirXDG(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", xdg)

	dir, err := cacheDir()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(xdg, "distwatch"); dir != want {
		t.Errorf("cacheDir() = %q, want %q", dir, want)
	}
}

func TestFileCacheDir(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", xdg)

	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{"default", config.Config{}, filepath.Join(xdg, "distwatch", "metadata")},
		{"configured", config.Config{Cache: config.CacheConfig{Dir: "/srv/cache"}}, "/srv/cache"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fileCacheDir(tt.cfg)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("fileCacheDir() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInstallsRoot(t *testing.T) {
	got, err := installsRoot(config.Config{Root: "/srv/modules"})
	if err != nil || got != "/srv/modules" {
		t.Errorf("installsRoot() = %q, %v", got, err)
	}

	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	got, err = installsRoot(config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(got) != "modules" {
		t.Errorf("default root = %q", got)
	}
}
