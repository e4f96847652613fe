// Package migrations embeds the versioned MySQL schema for the workflows and
// chat_tasks tables. internal/storage/mysql applies them in file-name order.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
