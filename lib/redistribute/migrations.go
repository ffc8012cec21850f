/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package redistribute

import (
	"database/sql"
	"embed"

	"github.com/gravitational/trace"
	"github.com/pressly/goose/v3"

	// registers the "pgx" database/sql driver name goose.Up dials through.
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ApplySchema runs the embedded expand schema migrations against dsn,
// creating schema expand with the status/status_detail tables and the
// two progress views. It is the one place this package reaches past
// dbclient.Client to a raw *sql.DB, because goose only drives
// database/sql.
func ApplySchema(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return trace.Wrap(err, "failed to open migration connection")
	}
	defer db.Close()

	goose.SetBaseFS(migrationFiles)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return trace.Wrap(err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return trace.Wrap(err, "failed to apply expand schema migrations")
	}
	return nil
}
