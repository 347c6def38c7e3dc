// Package version holds the build-time version string, overridden via
// -ldflags "-X github.com/user/mqttrelay/internal/version.Version=..." in
// release builds.
package version

var Version = "dev"
