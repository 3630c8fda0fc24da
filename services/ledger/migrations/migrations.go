// Package migrations — SQL миграции леджера, встроенные в бинарник.
package migrations

import "embed"

// FS содержит файлы NNNNNN_name.{up,down}.sql для golang-migrate.
//
//go:embed *.sql
var FS embed.FS
