package version

import "runtime"

// Set at build time with
// -ldflags "-X edgeguard/internal/app/version.buildVersion=... -X edgeguard/internal/app/version.builtAt=...".
var (
	buildVersion = "dev"
	builtAt      = "unknown"
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	BuiltAt   string `json:"built_at"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func Get() Info {
	return Info{
		Version:   buildVersion,
		BuiltAt:   builtAt,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	return "edgeguard " + i.Version + " (built " + i.BuiltAt + ", " + i.GoVersion + " " + i.Platform + ")"
}
