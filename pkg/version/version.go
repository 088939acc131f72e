package version

// Version is the application version. Overridden at build time via -ldflags "-X sightline/pkg/version.Version=...".
var Version = "v0.3.0"
