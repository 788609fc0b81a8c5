// Package buildinfo reports the agent's version, the commit it was built
// from, and the runtime it is running on.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Stamped with -ldflags "-X github.com/nugget/beacon/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Build describes one running binary.
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

// Field is one labelled line of a Build, in display order.
type Field struct {
	Name  string
	Value string
}

// Fields lists the build-time properties of b for text output. Uptime
// is left out.
func (b Build) Fields() []Field {
	return []Field{
		{"version", b.Version},
		{"git_commit", b.GitCommit},
		{"build_time", b.BuildTime},
		{"go_version", b.GoVersion},
		{"os", b.OS},
		{"arch", b.Arch},
	}
}

// Current returns the metadata of the running binary.
func Current() Build {
	return Build{
		Version:   Version,
		GitCommit: commit(),
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
}

// Uptime returns the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent returns the User-Agent sent on outbound HTTP requests.
func UserAgent() string {
	if c := shortCommit(); c != "" {
		return fmt.Sprintf("beacon/%s (%s)", Version, c)
	}
	return "beacon/" + Version
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("beacon %s (%s) built %s", Version, commit(), BuildTime)
}

// vcsRevision is the commit recorded by the go toolchain, for builds
// made without ldflags.
var vcsRevision = sync.OnceValue(func() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	rev, dirty := "", false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev != "" && dirty {
		rev += "-dirty"
	}
	return rev
})

func commit() string {
	if GitCommit != "unknown" && GitCommit != "" {
		return GitCommit
	}
	if rev := vcsRevision(); rev != "" {
		return rev
	}
	return "unknown"
}

func shortCommit() string {
	c := commit()
	if c == "unknown" {
		return ""
	}
	if len(c) > 7 {
		return c[:7]
	}
	return c
}
