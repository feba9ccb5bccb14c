// Package version reports the build identity of the remediator binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const defaultVersion = "0.1.0-dev"

// Version can be set at build time with
// -ldflags "-X github.com/notready-remediator/notready-remediator/pkg/version.Version=<value>".
var Version = defaultVersion

var readBuildInfo = debug.ReadBuildInfo

// Info is the resolved build identity.
type Info struct {
	Version   string
	Revision  string
	Modified  bool
	GoVersion string
}

// Get resolves the build identity from the ldflags override and the embedded build info.
func Get() Info {
	info := Info{Version: Version, GoVersion: runtime.Version()}

	bi, ok := readBuildInfo()
	if !ok || bi == nil {
		return info
	}
	if bi.GoVersion != "" {
		info.GoVersion = bi.GoVersion
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Revision = strings.TrimSpace(s.Value)
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}

	if Version != "" && Version != defaultVersion {
		return info
	}
	if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
		info.Version = v
		return info
	}
	if info.Revision != "" {
		info.Version = "devel+" + shortRevision(info.Revision, info.Modified)
	}
	return info
}

// String renders the one-line form printed by the version command.
func (i Info) String() string {
	s := i.Version
	if i.Revision != "" && !strings.HasPrefix(s, "devel+") {
		s += " (" + shortRevision(i.Revision, i.Modified) + ")"
	}
	return fmt.Sprintf("%s %s", s, i.GoVersion)
}

// UserAgent identifies the binary to the Kubernetes API server.
func UserAgent() string {
	return "notready-remediator/" + Get().Version
}

func shortRevision(revision string, modified bool) string {
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if modified {
		revision += "-dirty"
	}
	return revision
}
