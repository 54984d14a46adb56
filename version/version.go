// Package version exposes the build metadata the Go toolchain embeds
// in the binary.
package version

import (
	"fmt"
	"runtime/debug"
	"sort"
)

// Version is the release version, overridden at build time via
//
//	go build -ldflags "-X flow.evalgo.org/version.Version=v1.2.3"
var Version = "v0.1.0"

// Dependency is one module requirement of the binary.
type Dependency struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// Info is the build metadata reported by flowd version and /health.
type Info struct {
	Version      string       `json:"version"`
	GoVersion    string       `json:"go_version"`
	Revision     string       `json:"revision,omitempty"`
	Modified     bool         `json:"modified,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// Get reads the build info embedded in the running binary.
// Dependencies come back sorted by path.
func Get() Info {
	out := Info{Version: Version, GoVersion: "unknown"}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}

	out.GoVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.Revision = setting.Value
		case "vcs.modified":
			out.Modified = setting.Value == "true"
		}
	}

	for _, dep := range info.Deps {
		d := Dependency{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			d.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		out.Dependencies = append(out.Dependencies, d)
	}
	sort.Slice(out.Dependencies, func(i, j int) bool {
		return out.Dependencies[i].Path < out.Dependencies[j].Path
	})

	return out
}

// String renders the one-line form used by flowd version.
func (i Info) String() string {
	s := fmt.Sprintf("flowd %s (%s)", i.Version, i.GoVersion)
	if i.Revision == "" {
		return s
	}

	rev := i.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if i.Modified {
		rev += "+dirty"
	}
	return s + " " + rev
}
