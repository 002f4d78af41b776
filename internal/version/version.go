// Package version reports the taskrun build version.
package version

import "runtime/debug"

// version is stamped with -ldflags "-X taskrun/internal/version.version=v1.2.3".
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the stamped version. Unstamped binaries installed with
// `go install module@version` report the module version instead; anything
// else is "dev".
func String() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && moduleVersion(info.Main.Version) != "" {
		return info.Main.Version
	}
	return version
}

func moduleVersion(v string) string {
	if v == "" || v == "(devel)" {
		return ""
	}
	return v
}
