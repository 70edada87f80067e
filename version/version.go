// Package version exposes build and dependency information embedded
// by the Go toolchain.
package version

import (
	"runtime/debug"
	"sort"
)

// Version is the release tag, set at build time with
// -ldflags "-X github.com/drivelinehq/driveline/version.Version=v1.2.3".
var Version = "dev"

// DependencyInfo is one module dependency and its resolved version.
type DependencyInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// BuildInfo is the binary's build-time summary.
type BuildInfo struct {
	Version      string           `json:"version"`
	GoVersion    string           `json:"goVersion"`
	MainModule   string           `json:"mainModule"`
	Revision     string           `json:"revision,omitempty"`
	Dependencies []DependencyInfo `json:"dependencies"`
}

// GetBuildInfo reads the module information the toolchain embedded in
// the running binary.
func GetBuildInfo() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{
			Version:      Version,
			GoVersion:    "unknown",
			MainModule:   "unknown",
			Dependencies: []DependencyInfo{},
		}
	}

	out := &BuildInfo{
		Version:      Version,
		GoVersion:    info.GoVersion,
		MainModule:   info.Path,
		Dependencies: make([]DependencyInfo, 0, len(info.Deps)),
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			out.Revision = setting.Value
		}
	}

	for _, dep := range info.Deps {
		di := DependencyInfo{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			di.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		out.Dependencies = append(out.Dependencies, di)
	}
	sort.Slice(out.Dependencies, func(i, j int) bool {
		return out.Dependencies[i].Path < out.Dependencies[j].Path
	})
	return out
}

// GetDependency returns the resolved version of one dependency, nil
// when the module is not linked in.
func GetDependency(modulePath string) *DependencyInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			di := &DependencyInfo{Path: dep.Path, Version: dep.Version}
			if dep.Replace != nil {
				di.Replace = dep.Replace.Path + "@" + dep.Replace.Version
			}
			return di
		}
	}
	return nil
}
