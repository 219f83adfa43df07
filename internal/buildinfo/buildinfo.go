// Package buildinfo carries values stamped at link time.
package buildinfo

// Version is overridden with -ldflags "-X go2tv.app/caststream/internal/buildinfo.Version=...".
var Version = "dev"

const Name = "caststream"
