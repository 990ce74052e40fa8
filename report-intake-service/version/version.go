package version

import (
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X civicportal/report-intake-service/version.BuildVersion=..."
var BuildVersion = "dev"

type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get describes the running binary, reading VCS details from the build info
func Get(service string) Info {
	info := Info{
		Service:   service,
		Version:   BuildVersion,
		GoVersion: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Revision = s.Value
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	return info
}
