// Package version exposes build metadata injected at link time via -ldflags.
package version

// Version is the semantic version the binary was built from. Empty in
// development builds.
var Version string

// GitCommit is the short git hash the binary was built from.
var GitCommit string

// String returns a human-readable version string, or "dev" when no build
// metadata was injected.
func String() string {
	switch {
	case Version == "" && GitCommit == "":
		return "dev"
	case GitCommit == "":
		return Version
	default:
		return Version + " (" + GitCommit + ")"
	}
}
