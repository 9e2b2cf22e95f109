// Package templates embeds the built-in workflow catalog.
package templates

import "embed"

// FS holds manifest.yaml and the workflow graphs it references.
//
//go:embed manifest.yaml *.json
var FS embed.FS
