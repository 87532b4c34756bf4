package chronicle

import "embed"

// EmbeddedConfigFS provides the default server configuration and party definitions.
//
//go:embed config
var EmbeddedConfigFS embed.FS
