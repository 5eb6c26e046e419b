// Package prompts provides the role system prompts and the plan and execute
// message templates, with project and user override directories.
package prompts

import "embed"

//go:embed roles/*.md plan/*.md execute/*.md
var embeddedFS embed.FS
