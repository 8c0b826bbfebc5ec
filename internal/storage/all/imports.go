// Package all wires all built-in storage backends into the storage factory.
//
// Importing it for side effects makes these kinds available to storage.Open:
//
//   - "sqlite"   (koboetl/internal/storage/sqlite)
//   - "postgres" (koboetl/internal/storage/postgres)
//   - "mysql"    (koboetl/internal/storage/mysql)
//   - "mssql"    (koboetl/internal/storage/mssql)
//
// A binary that needs only a subset of backends can import those packages
// directly instead.
package all

import (
	_ "koboetl/internal/storage/mssql"
	_ "koboetl/internal/storage/mysql"
	_ "koboetl/internal/storage/postgres"
	_ "koboetl/internal/storage/sqlite"
)
