package version

// Value is set at build time via -ldflags.
var Value = "dev"
