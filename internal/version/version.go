package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Set at build time with -ldflags "-X keyreg/internal/version.Version=...".
// Commit and Date fall back to the VCS stamp the go tool embeds.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info describes the running keyreg binary.
type Info struct {
	Version  string
	Commit   string
	Date     string
	Modified bool
}

// Current returns the injected build values, completed from the embedded
// VCS settings when ldflags left them unset.
func Current() Info {
	info := Info{Version: Version, Commit: Commit, Date: Date}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "none" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "unknown" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// BuildInfo returns the startup log line, including how many services the
// loaded key table covers.
func BuildInfo(services int) string {
	info := Current()
	noun := "services"
	if services == 1 {
		noun = "service"
	}
	return fmt.Sprintf("keyreg %s@%s serving %d %s (%s)",
		info.Version, info.revision(), services, noun, runtime.Version())
}

// Full returns the text printed by -version.
func Full() string {
	info := Current()
	var b strings.Builder
	fmt.Fprintf(&b, "keyreg %s\n", info.Version)
	fmt.Fprintf(&b, "  revision  %s\n", info.Commit)
	if info.Modified {
		b.WriteString("  tree      modified\n")
	}
	fmt.Fprintf(&b, "  built     %s\n", info.Date)
	fmt.Fprintf(&b, "  runtime   %s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return b.String()
}

func (i Info) revision() string {
	rev := i.Commit
	if len(rev) > 7 {
		rev = rev[:7]
	}
	if i.Modified {
		rev += "+dirty"
	}
	return rev
}
