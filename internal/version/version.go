// Package version reports the build version of cdpreplay.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

// Module is the module path of this program.
const Module = "pkt.systems/cdpreplay"

// buildVersion is set with -ldflags "-X pkt.systems/cdpreplay/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"goVersion,omitempty"`
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Read collects version details from the linker flag and build info.
func Read() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(buildVersion, info)
}

// String renders the info for the version command.
func (i Info) String() string {
	out := "cdpreplay " + i.Version
	if i.Revision != "" {
		out += fmt.Sprintf(" (%s", i.Revision)
		if i.Modified {
			out += ", modified"
		}
		out += ")"
	}
	if i.GoVersion != "" {
		out += " " + i.GoVersion
	}
	return out
}

func fromBuildInfo(linked string, info *debug.BuildInfo) Info {
	out := Info{Version: "v0.0.0-unknown"}
	var vcsTime time.Time
	if info != nil {
		out.GoVersion = info.GoVersion
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				out.Revision = setting.Value
			case "vcs.time":
				vcsTime, _ = time.Parse(time.RFC3339, setting.Value)
			case "vcs.modified":
				out.Modified = setting.Value == "true"
			}
		}
		if len(out.Revision) > 12 {
			out.Revision = out.Revision[:12]
		}
	}
	switch {
	case strings.TrimSpace(linked) != "":
		out.Version = strings.TrimSpace(linked)
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = info.Main.Version
	case out.Revision != "" && !vcsTime.IsZero():
		out.Version = "v0.0.0-" + vcsTime.UTC().Format("20060102150405") + "-" + out.Revision
	}
	return out
}
