package version

import (
	"fmt"
	"runtime"
)

// Build information, injected via ldflags at build time
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info holds complete build information
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// String is the short form advertised in instance heartbeats.
func (i Info) String() string {
	if i.Commit == "unknown" || i.Commit == "" {
		return i.Version
	}
	short := i.Commit
	if len(short) > 7 {
		short = short[:7]
	}
	return fmt.Sprintf("%s+%s", i.Version, short)
}
