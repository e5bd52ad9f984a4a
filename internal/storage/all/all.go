// Package all registers every storage backend via side-effect imports.
package all

import (
	_ "csvload/internal/storage/mssql"
	_ "csvload/internal/storage/postgres"
	_ "csvload/internal/storage/sqlite"
)
