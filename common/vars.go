package common

// Version is overridden at build time with -ldflags "-X .../common.Version=...".
var Version = "dev"

// PackageName is used as the metrics namespace and in user-agent strings.
const PackageName = "master_key_backup"
