package cli

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

// registryServer serves widget@1.0.0 and widget@1.1.0, with latest on 1.1.0.
func registryServer(t *testing.T) *httptest.Server {
	t.Helper()
	archives := map[string][]byte{}
	versions := map[string]any{}
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if data, ok := archives[r.URL.Path]; ok {
			w.Write(data)
			return
		}
		if r.URL.Path == "/widget" {
			json.NewEncoder(w).Encode(map[string]any{
				"name":      "widget",
				"versions":  versions,
				"dist-tags": map[string]string{"latest": "1.1.0"},
			})
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	for _, v := range []string{"1.0.0", "1.1.0"} {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		tw := tar.NewWriter(gz)
		body := fmt.Sprintf(`{"name":"widget","version":%q}`, v)
		tw.WriteHeader(&tar.Header{Name: "package/package.json", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg})
		tw.Write([]byte(body))
		tw.Close()
		gz.Close()

		path := "/widget/-/widget-" + v + ".tgz"
		archives[path] = buf.Bytes()
		versions[v] = map[string]any{"dist": map[string]string{"tarball": srv.URL + path}}
	}
	return srv
}

// runCLI executes the root command with args in an isolated environment.
func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	c := New(io.Discard, LogInfo)
	root := c.RootCommand()
	root.SetArgs(args)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return root.ExecuteContext(ctx)
}

func TestInstallCommand(t *testing.T) {
	srv := registryServer(t)
	prefix := filepath.Join(t.TempDir(), "vendor")

	err := runCLI(t, "install", "widget", "1.0.0", "--registry", srv.URL, "--cache", "none", "--prefix", prefix)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(prefix, "node_modules", "widget", "package.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"1.0.0"`) {
		t.Errorf("installed manifest = %s", data)
	}
}

func TestInstallCommandDefaultPrefix(t *testing.T) {
	srv := registryServer(t)
	root := t.TempDir()

	if err := runCLI(t, "install", "widget", "1.1.0", "--registry", srv.URL, "--cache", "none", "--root", root); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "npm", "widget_1.1.0", "node_modules", "widget", "package.json")); err != nil {
		t.Errorf("default prefix not used: %v", err)
	}
}

func TestInstallCommandValidation(t *testing.T) {
	if err := runCLI(t, "install", "widget", "^1.0.0", "--cache", "none"); err == nil {
		t.Error("a range should be rejected")
	}
	if err := runCLI(t, "install", "Widget", "1.0.0", "--cache", "none"); err == nil {
		t.Error("an invalid package name should be rejected")
	}
}

func TestResolveCommand(t *testing.T) {
	srv := registryServer(t)
	if err := runCLI(t, "resolve", "widget", "--registry", srv.URL, "--cache", "none", "--unstable", "1.1.0"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := runCLI(t, "resolve", "widget", "--registry", srv.URL, "--cache", "none", "--unstable", "latest"); err == nil {
		t.Error("--unstable should require exact versions")
	}
	if err := runCLI(t, "resolve", "missing", "--registry", srv.URL, "--cache", "none"); err == nil {
		t.Error("an unknown package should fail")
	}
}

func TestCleanCommand(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "npm", "widget_0.9.0")
	fresh := filepath.Join(root, "npm", "widget_1.0.0")
	os.MkdirAll(stale, 0o755)
	os.MkdirAll(fresh, 0o755)
	old := time.Now().Add(-48 * time.Hour)
	os.Chtimes(stale, old, old)

	if err := runCLI(t, "clean", "--root", root); err != nil {
		t.Fatalf("clean: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale install should be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh install should survive")
	}
}

func TestCacheClearCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	os.WriteFile(cfgPath, []byte(fmt.Sprintf("[cache]\ndir = %q\n", dir)), 0o644)
	os.MkdirAll(filepath.Join(dir, "ab"), 0o755)
	os.WriteFile(filepath.Join(dir, "ab", "cdef.json"), []byte("{}"), 0o644)

	if err := runCLI(t, "cache", "clear", "--config", cfgPath); err != nil {
		t.Fatalf("cache clear: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("cache dir not emptied: %v", entries)
	}

	if err := runCLI(t, "cache", "clear", "--cache", "none"); err == nil {
		t.Error("clearing everything should need the file backend")
	}
	if err := runCLI(t, "cache", "clear", "widget", "--cache", "none"); err != nil {
		t.Errorf("clearing one package: %v", err)
	}
}

func TestUnknownConfigKeyFails(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	os.WriteFile(cfgPath, []byte("colour = \"blue\"\n"), 0o644)
	if err := runCLI(t, "cache", "path", "--config", cfgPath); err == nil {
		t.Error("unknown config keys should fail")
	}
}
