// Copyright 2015 Comcast Cable Communications Management, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// End Copyright

package store

import (
	"embed"

	"github.com/pressly/goose/v3"

	"github.com/eventcore/rulesengine/core"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every pending goose migration in migrations/ to the
// schema in §3/§6: the five tables plus their indices. boot.Build
// (used by cmd/server and cmd/worker) calls this once at startup so a
// fresh deployment doesn't need a
// separate migration step wired into its release pipeline.
func (s *Store) Migrate() error {
	goose.SetBaseFS(migrationFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return core.AsProblem(err)
	}
	if err := goose.Up(s.db.DB, "migrations"); err != nil {
		return core.AsProblem(err)
	}
	return nil
}
