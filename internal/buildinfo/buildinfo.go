// Package buildinfo holds the version stamped into the binary at link time
// and renders it for the version command and the /version endpoint.
package buildinfo

import (
	"runtime"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/crucible"
)

// Info is the ldflags-injected build metadata.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

var (
	mu      sync.RWMutex
	current = Info{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// Set records the build metadata. Empty values keep the defaults.
func Set(version, commit, buildDate string) {
	mu.Lock()
	defer mu.Unlock()
	if version != "" {
		current.Version = version
	}
	if commit != "" {
		current.Commit = commit
	}
	if buildDate != "" {
		current.BuildDate = buildDate
	}
}

// Get returns the current build metadata.
func Get() Info {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Report is the full version document.
type Report struct {
	App          App          `json:"app"`
	Dependencies Dependencies `json:"dependencies"`
	Runtime      Runtime      `json:"runtime"`
}

type App struct {
	Name string `json:"name"`
	Info
	GoVersion string `json:"go_version"`
}

type Dependencies struct {
	Gofulmen string `json:"gofulmen"`
	Crucible string `json:"crucible"`
}

type Runtime struct {
	Platform      string `json:"platform"`
	NumCPU        int    `json:"num_cpu"`
	NumGoroutines int    `json:"num_goroutines"`
}

// NewReport assembles the version document for the named binary.
func NewReport(name string) Report {
	deps := crucible.GetVersion()
	return Report{
		App: App{
			Name:      name,
			Info:      Get(),
			GoVersion: runtime.Version(),
		},
		Dependencies: Dependencies{
			Gofulmen: deps.Gofulmen,
			Crucible: deps.Crucible,
		},
		Runtime: Runtime{
			Platform:      runtime.GOOS + "/" + runtime.GOARCH,
			NumCPU:        runtime.NumCPU(),
			NumGoroutines: runtime.NumGoroutine(),
		},
	}
}

// UserAgent appends the version to product unless product already carries
// one.
func UserAgent(product string) string {
	v := Get().Version
	if product == "" || v == "" {
		return product
	}
	if strings.Contains(product, "/") {
		return product
	}
	return product + "/" + v
}
