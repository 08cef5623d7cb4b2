package config

// Build-time OAuth client defaults, injected via
// -ldflags "-X .../internal/config.DefaultClientID=... ".
var (
	DefaultClientID     = ""
	DefaultClientSecret = ""
)
