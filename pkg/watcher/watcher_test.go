package watcher

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/matzehuels/distwatch/pkg/cache"
	errs "github.com/matzehuels/distwatch/pkg/errors"
	"github.com/matzehuels/distwatch/pkg/poller"
)

type fakeRegistry struct {
	t        *testing.T
	server   *httptest.Server
	mu       sync.Mutex
	docs     map[string]map[string]any
	archives map[string][]byte
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	f := &fakeRegistry{t: t, docs: map[string]map[string]any{}, archives: map[string][]byte{}}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRegistry) publish(name, version string, deps map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for file, body := range map[string]string{
		"package.json": fmt.Sprintf(`{"name":%q,"version":%q}`, name, version),
		"index.js":     "module.exports = " + fmt.Sprintf("%q", version) + ";",
	} {
		tw.WriteHeader(&tar.Header{Name: "package/" + file, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg})
		tw.Write([]byte(body))
	}
	tw.Close()
	gz.Close()

	path := fmt.Sprintf("/%s/-/%s.tgz", name, version)
	f.archives[path] = buf.Bytes()

	doc, ok := f.docs[name]
	if !ok {
		doc = map[string]any{"name": name, "versions": map[string]any{}, "dist-tags": map[string]string{}}
		f.docs[name] = doc
	}
	doc["versions"].(map[string]any)[version] = map[string]any{
		"dependencies": deps,
		"dist":         map[string]string{"tarball": f.server.URL + path},
	}
	doc["dist-tags"].(map[string]string)["latest"] = version
}

func (f *fakeRegistry) tag(name, tag, version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[name]["dist-tags"].(map[string]string)[tag] = version
}

func (f *fakeRegistry) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.archives[r.URL.Path]; ok {
		w.Write(data)
		return
	}
	if doc, ok := f.docs[strings.TrimPrefix(r.URL.Path, "/")]; ok {
		json.NewEncoder(w).Encode(doc)
		return
	}
	http.NotFound(w, r)
}

func watch(t *testing.T, f *fakeRegistry, name string, opts Options) *Watcher {
	t.Helper()
	opts.Registry = f.server.URL
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	if opts.Period == 0 {
		opts.Period = 10 * time.Millisecond
	}
	if opts.OnError == nil {
		opts.OnError = func(error) {}
	}
	w, err := Watch(context.Background(), name, opts)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(func() {
		w.Cancel()
		w.Wait()
	})
	return w
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWatchGet(t *testing.T) {
	f := newFakeRegistry(t)
	f.publish("helper", "2.0.0", nil)
	f.publish("widget", "1.0.0", map[string]string{"helper": "2.0.0"})

	root := t.TempDir()
	w := watch(t, f, "widget", Options{Root: root, Dependencies: true})

	d, err := w.Get(ctxTimeout(t), "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.Version != "1.0.0" || d.PreviousVersion != "1.0.0" {
		t.Errorf("version = %s previous = %s", d.Version, d.PreviousVersion)
	}
	wantPrefix := filepath.Join(root, "npm", "widget_1.0.0")
	if d.ModulePath != filepath.Join(wantPrefix, "node_modules", "widget") {
		t.Errorf("ModulePath = %s", d.ModulePath)
	}
	if d.NodeModulesPath != filepath.Join(wantPrefix, "node_modules") {
		t.Errorf("NodeModulesPath = %s", d.NodeModulesPath)
	}
	dep, ok := d.Dependencies["helper"]
	if !ok || dep.Version != "2.0.0" {
		t.Fatalf("Dependencies = %+v", d.Dependencies)
	}
	if _, err := os.Stat(filepath.Join(dep.Path, "package.json")); err != nil {
		t.Errorf("dependency not installed: %v", err)
	}

	if got := w.Snapshot()["latest"]; got == nil || got.Version != "1.0.0" {
		t.Errorf("Snapshot = %+v", w.Snapshot())
	}
	if w.Name() != "widget" || w.Dir() != filepath.Join(root, "npm") {
		t.Errorf("Name = %s Dir = %s", w.Name(), w.Dir())
	}
}

func TestWatchValidation(t *testing.T) {
	if _, err := Watch(context.Background(), "Bad Name", Options{Root: t.TempDir()}); !errs.Is(err, errs.ErrCodeInvalidPackage) {
		t.Errorf("bad name: %v", err)
	}
	if _, err := Watch(context.Background(), "widget", Options{Root: t.TempDir(), Registry: "ftp://x"}); !errs.Is(err, errs.ErrCodeInvalidInput) {
		t.Errorf("bad registry: %v", err)
	}
}

func TestFileAccess(t *testing.T) {
	f := newFakeRegistry(t)
	f.publish("helper", "2.0.0", nil)
	f.publish("widget", "1.0.0", map[string]string{"helper": "2.0.0"})
	w := watch(t, f, "widget", Options{Dependencies: true})
	ctx := ctxTimeout(t)

	data, err := w.Read(ctx, "index.js", "")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != `module.exports = "1.0.0";` {
		t.Errorf("Read = %q", data)
	}

	p, err := w.ResolvePath(ctx, "lib/x.js", "latest")
	if err != nil {
		t.Fatal(err)
	}
	d, _ := w.Get(ctx, "")
	if p != filepath.Join(d.ModulePath, "lib", "x.js") {
		t.Errorf("ResolvePath = %s", p)
	}

	p, err = w.ResolveDependencyPath(ctx, "helper", "index.js", "")
	if err != nil {
		t.Fatal(err)
	}
	if p != filepath.Join(d.NodeModulesPath, "helper", "index.js") {
		t.Errorf("ResolveDependencyPath = %s", p)
	}
	if _, err := w.ResolveDependencyPath(ctx, "missing", "index.js", ""); !errs.Is(err, errs.ErrCodeNotFound) {
		t.Errorf("missing dependency: %v", err)
	}

	v, err := w.Import(ctx, LoaderFunc(func(_ context.Context, path string) (any, error) {
		return os.ReadFile(path)
	}), "package.json", "")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(v.([]byte), []byte(`"widget"`)) {
		t.Errorf("Import = %s", v)
	}

	for _, bad := range []string{"../secret", "/etc/passwd", `a\b`} {
		if _, err := w.Read(ctx, bad, ""); !errs.Is(err, errs.ErrCodeInvalidPath) {
			t.Errorf("Read(%q) = %v, want INVALID_PATH", bad, err)
		}
	}
}

func TestReadCacheAndFlush(t *testing.T) {
	f := newFakeRegistry(t)
	f.publish("widget", "1.0.0", nil)
	w := watch(t, f, "widget", Options{})
	ctx := ctxTimeout(t)

	if _, err := w.Read(ctx, "index.js", ""); err != nil {
		t.Fatal(err)
	}
	file, _ := w.ResolvePath(ctx, "index.js", "")
	if err := os.WriteFile(file, []byte("changed"), 0o644); err != nil {
		t.Fatal(err)
	}

	data, _ := w.Read(ctx, "index.js", "")
	if string(data) == "changed" {
		t.Error("Read should serve the cached contents")
	}
	if err := w.FlushCache(ctx); err != nil {
		t.Fatal(err)
	}
	data, _ = w.Read(ctx, "index.js", "")
	if string(data) != "changed" {
		t.Errorf("Read after flush = %q", data)
	}
}

func TestTagSelection(t *testing.T) {
	f := newFakeRegistry(t)
	f.publish("widget", "1.0.0", nil)
	f.publish("widget", "2.0.0", nil)
	f.tag("widget", "latest", "1.0.0")
	f.tag("widget", "beta", "2.0.0")
	ctx := ctxTimeout(t)

	w := watch(t, f, "widget", Options{Tags: []string{"latest", "beta"}})
	if got := w.Tags(); len(got) != 2 || got[0] != "beta" || got[1] != "latest" {
		t.Errorf("Tags = %v", got)
	}
	d, err := w.Get(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if d.Version != "1.0.0" {
		t.Errorf("default tag resolved %s, want latest", d.Version)
	}
	if _, err := w.Get(ctx, "next"); !errs.Is(err, errs.ErrCodeInvalidTag) {
		t.Errorf("unwatched tag: %v", err)
	}

	only := watch(t, f, "widget", Options{Tags: []string{"beta"}})
	d, err = only.Get(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if d.Version != "2.0.0" {
		t.Errorf("sole tag resolved %s", d.Version)
	}

	noLatest := watch(t, f, "widget", Options{Tags: []string{"beta", "next"}})
	if _, err := noLatest.Get(ctx, ""); !errs.Is(err, errs.ErrCodeInvalidTag) {
		t.Errorf("ambiguous tag: %v", err)
	}
}

func TestMarkUnstable(t *testing.T) {
	f := newFakeRegistry(t)
	f.publish("widget", "1.0.0", nil)
	f.publish("widget", "1.1.0", nil)
	w := watch(t, f, "widget", Options{})
	ctx := ctxTimeout(t)

	d, err := w.Get(ctx, "")
	if err != nil || d.Version != "1.1.0" {
		t.Fatalf("Get = %+v, %v", d, err)
	}

	w.MarkUnstable("1.1.0")
	if w.Stability()["1.1.0"] != poller.Unstable {
		t.Errorf("Stability = %v", w.Stability())
	}
	waitVersion(t, w, "1.0.0")

	w.MarkStable("1.1.0")
	waitVersion(t, w, "1.1.0")
}

func waitVersion(t *testing.T, w *Watcher, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d, ok := w.Snapshot()["latest"]; ok && d.Version == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("version never became %s: %+v", want, w.Snapshot())
}

// writeModule creates node_modules/<name>/package.json under dir.
func writeModule(t *testing.T, dir, name, version string, deps map[string]string) string {
	t.Helper()
	modDir := filepath.Join(dir, "node_modules", filepath.FromSlash(name))
	if err := os.MkdirAll(modDir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(map[string]any{"name": name, "version": version, "dependencies": deps})
	if err := os.WriteFile(filepath.Join(modDir, "package.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	return modDir
}

func TestFallback(t *testing.T) {
	f := newFakeRegistry(t)
	ctx := ctxTimeout(t)

	app := t.TempDir()
	modDir := writeModule(t, app, "widget", "0.9.0", map[string]string{"helper": "^1.0.0"})
	writeModule(t, app, "helper", "1.4.0", nil)
	os.WriteFile(filepath.Join(modDir, "index.js"), []byte("local"), 0o644)

	w := watch(t, f, "widget", Options{Fallback: true, FallbackPaths: []string{filepath.Join(app, "src")}})
	d, err := w.Get(ctx, "")
	if err != nil {
		t.Fatalf("Get with fallback: %v", err)
	}
	if d.Version != "0.9.0" || d.ModulePath != modDir {
		t.Errorf("fallback details = %+v", d)
	}
	if d.Dependencies["helper"].Version != "1.4.0" {
		t.Errorf("fallback dependencies = %+v", d.Dependencies)
	}
	data, err := w.Read(ctx, "index.js", "")
	if err != nil || string(data) != "local" {
		t.Errorf("Read via fallback = %q, %v", data, err)
	}

	off := watch(t, f, "widget", Options{FallbackPaths: []string{app}})
	if _, err := off.Get(ctx, ""); !errs.Is(err, errs.ErrCodeFetch) {
		t.Errorf("without fallback: %v", err)
	}

	nothing := watch(t, f, "widget", Options{Fallback: true, FallbackPaths: []string{t.TempDir()}})
	_, err = nothing.Get(ctx, "")
	if !errs.Is(err, errs.ErrCodeFallbackResolution) {
		t.Fatalf("failed fallback: %v", err)
	}
	if !errs.Is(err, errs.ErrCodeFetch) {
		t.Errorf("fallback error should carry the live error: %v", err)
	}
}

func TestCancelOnContext(t *testing.T) {
	f := newFakeRegistry(t)
	f.publish("widget", "1.0.0", nil)

	ctx, cancel := context.WithCancel(context.Background())
	w, err := Watch(ctx, "widget", Options{Registry: f.server.URL, Root: t.TempDir(), Period: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pollers still running after context cancellation")
	}
	w.Cancel()
}

func TestWatchersShareCleanupPerRoot(t *testing.T) {
	f := newFakeRegistry(t)
	f.publish("alpha", "1.0.0", nil)
	f.publish("beta", "1.0.0", nil)
	ctx := ctxTimeout(t)

	root := t.TempDir()
	opts := Options{Root: root, CleanupInterval: 20 * time.Millisecond, CleanupThreshold: 50 * time.Millisecond}
	alpha := watch(t, f, "alpha", opts)
	beta := watch(t, f, "beta", opts)

	var installed []string
	for _, w := range []*Watcher{alpha, beta} {
		d, err := w.Get(ctx, "")
		if err != nil {
			t.Fatalf("%s: %v", w.Name(), err)
		}
		installed = append(installed, d.ModulePath)
	}

	stale := filepath.Join(root, "npm", "gamma_0.1.0")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	os.Chtimes(stale, old, old)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(stale); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stale install was never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	for _, dir := range installed {
		if _, err := os.Stat(filepath.Join(dir, "package.json")); err != nil {
			t.Errorf("active install %s was swept: %v", dir, err)
		}
	}
}

func TestTagUpdateSeenWithPersistentCache(t *testing.T) {
	f := newFakeRegistry(t)
	f.publish("widget", "1.0.0", nil)
	store, err := cache.NewFileCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	w := watch(t, f, "widget", Options{Cache: store, MemoryTTL: time.Millisecond})
	d, err := w.Get(ctxTimeout(t), "")
	if err != nil || d.Version != "1.0.0" {
		t.Fatalf("Get = %+v, %v", d, err)
	}

	f.publish("widget", "1.1.0", nil)
	waitVersion(t, w, "1.1.0")
}
