package server

const (
	// RuntimeName is reported by Version.
	RuntimeName = "crius"

	runtimeAPIVersion = "v1"
	kubeAPIVersion    = "0.1.0"
)

// Version is the crius release, overridden at build time with
// -ldflags "-X crius/pkg/server.Version=...".
var Version = "0.1.0"
