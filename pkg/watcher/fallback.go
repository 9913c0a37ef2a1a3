package watcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/matzehuels/distwatch/pkg/install"
	"github.com/matzehuels/distwatch/pkg/poller"
)

type manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies"`
}

func readManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, install.Manifest))
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Join(dir, install.Manifest), err)
	}
	return &m, nil
}

// resolveModuleDir finds name the way node does: in node_modules of from
// and of each ancestor of from. It returns "" when nothing matches.
func resolveModuleDir(name string, from ...string) string {
	for _, start := range from {
		dir, err := filepath.Abs(start)
		if err != nil {
			continue
		}
		for {
			candidate := install.ModuleDir(dir, name)
			if _, err := os.Stat(filepath.Join(candidate, install.Manifest)); err == nil {
				return candidate
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return ""
}

// within reports whether path is root or inside it.
func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// localDetails builds ModuleDetails for a copy of name installed outside the
// managed root, searching upward from each of paths.
func localDetails(name, managedRoot string, paths []string) (*poller.ModuleDetails, error) {
	modulePath := resolveModuleDir(name, paths...)
	if modulePath == "" {
		return nil, fmt.Errorf("can not find module path for fallback for %s", name)
	}
	if managedRoot != "" && within(modulePath, managedRoot) {
		return nil, fmt.Errorf("fallback for %s resolved inside the managed root %s", name, managedRoot)
	}

	pkg, err := readManifest(modulePath)
	if err != nil {
		return nil, err
	}

	details := &poller.ModuleDetails{
		NodeModulesPath: nodeModulesOf(modulePath, name),
		ModulePath:      modulePath,
		Version:         pkg.Version,
		PreviousVersion: pkg.Version,
		Dependencies:    make(map[string]poller.Dependency, len(pkg.Dependencies)),
	}
	for dep := range pkg.Dependencies {
		depPath := resolveModuleDir(dep, modulePath)
		if depPath == "" {
			return nil, fmt.Errorf("can not resolve dependency for fallback: %s / %s", dep, modulePath)
		}
		depPkg, err := readManifest(depPath)
		if err != nil {
			return nil, err
		}
		details.Dependencies[dep] = poller.Dependency{Version: depPkg.Version, Path: depPath}
	}
	return details, nil
}

// nodeModulesOf returns the node_modules directory holding modulePath.
func nodeModulesOf(modulePath, name string) string {
	dir := modulePath
	for range strings.Count(name, "/") + 1 {
		dir = filepath.Dir(dir)
	}
	return dir
}
