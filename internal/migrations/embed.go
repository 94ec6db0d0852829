// Package migrations embeds the schema for every supported database. Each dialect lives in its
// own directory (postgres, mysql, sqllite3) and is fed to golang-migrate through the iofs source.
package migrations

import "embed"

//go:embed postgres mysql sqllite3
var FS embed.FS
