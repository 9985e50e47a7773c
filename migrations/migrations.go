// Package migrations embeds the goose SQL migrations for the detector
// schema so binaries and tests do not depend on the working directory.
package migrations

import "embed"

// FS holds every migration file at its root.
//
//go:embed *.sql
var FS embed.FS
