/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/schema"
)

// Synchronize brings the tables of the registered entities up to date,
// lowest priority first, then applies the constraints listed in the foreign
// key files. Missing tables are created. Existing tables get the columns and
// unique indexes they lack; columns are never modified, renamed or dropped.
func (c *Connection) Synchronize(ctx context.Context) error {
	db := c.DB()
	if db == nil {
		return fmt.Errorf("connection %q: %w", c.options.Name, ErrNotConnected)
	}

	for _, model := range c.entities.Instances() {
		if err := c.syncTable(ctx, db, model); err != nil {
			return fmt.Errorf("failed to synchronize table %T: %w", model, err)
		}
	}

	if len(c.options.ForeignKeyFiles) == 0 {
		c.logger.Info("Schema synchronized", "connection", c.options.Name, "tables", c.entities.Len())
		return nil
	}

	fkm, err := LoadForeignKeyManager(c.logger, c.options.ForeignKeyFiles...)
	if err != nil {
		return err
	}
	if errs := fkm.ValidateConstraints(); len(errs) > 0 {
		return fmt.Errorf("%w: %d errors in total: %w", ErrInvalidForeignKey, len(errs), errors.Join(errs...))
	}

	added := fkm.AddAllForeignKeys(ctx, db)
	c.logger.Info("Schema synchronized",
		"connection", c.options.Name,
		"tables", c.entities.Len(),
		"foreign_keys", added,
	)
	return nil
}

type indexSpec struct {
	Name    string
	Unique  bool
	Columns []string
}

func (c *Connection) syncTable(ctx context.Context, db *bun.DB, model interface{}) error {
	table := db.Table(reflect.TypeOf(model))

	existing, err := listColumns(ctx, db, table.Name)
	if err != nil {
		return fmt.Errorf("failed to list columns of %s: %w", table.Name, err)
	}
	if len(existing) == 0 {
		_, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx)
		return err
	}

	for _, field := range table.Fields {
		if field.IsPK || existing[strings.ToLower(field.Name)] {
			continue
		}
		if _, err := db.ExecContext(ctx, "ALTER TABLE ? ADD COLUMN ? ?",
			table.SQLName, field.SQLName, bun.Safe(columnDefinition(field))); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", table.Name, field.Name, err)
		}
		c.logger.Info("Column added", "connection", c.options.Name, "table", table.Name, "column", field.Name)
	}

	indexes, err := listIndexes(ctx, db, table.Name)
	if err != nil {
		return fmt.Errorf("failed to list indexes of %s: %w", table.Name, err)
	}
	for _, want := range uniqueIndexes(table) {
		if coveredByUnique(indexes, want.Columns) {
			continue
		}
		quoted := make([]string, len(want.Columns))
		for i, col := range want.Columns {
			quoted[i] = string(table.FieldMap[col].SQLName)
		}
		if _, err := db.ExecContext(ctx, "CREATE UNIQUE INDEX ? ON ? (?)",
			bun.Ident(want.Name), table.SQLName, bun.Safe(strings.Join(quoted, ", "))); err != nil {
			return fmt.Errorf("failed to create unique index %s: %w", want.Name, err)
		}
		c.logger.Info("Unique index created", "connection", c.options.Name, "table", table.Name, "index", want.Name)
	}
	return nil
}

// columnDefinition renders the type and constraints of an added column.
// NOT NULL needs a default, otherwise rows already in the table violate it.
func columnDefinition(field *schema.Field) string {
	def := field.CreateTableSQLType
	if field.NotNull && field.SQLDefault != "" {
		def += " NOT NULL"
	}
	if field.SQLDefault != "" {
		def += " DEFAULT " + field.SQLDefault
	}
	return def
}

// uniqueIndexes lists the unique constraints declared by bun tags. A bare
// "unique" gives every column its own index named uk_<table>_<column>.
func uniqueIndexes(table *schema.Table) []indexSpec {
	names := make([]string, 0, len(table.Unique))
	for name := range table.Unique {
		names = append(names, name)
	}
	sort.Strings(names)

	var specs []indexSpec
	for _, name := range names {
		fields := table.Unique[name]
		if name == "" {
			for _, f := range fields {
				specs = append(specs, indexSpec{
					Name:    fmt.Sprintf("uk_%s_%s", table.Name, f.Name),
					Unique:  true,
					Columns: []string{f.Name},
				})
			}
			continue
		}
		spec := indexSpec{Name: name, Unique: true}
		for _, f := range fields {
			spec.Columns = append(spec.Columns, f.Name)
		}
		specs = append(specs, spec)
	}
	return specs
}

func coveredByUnique(indexes []indexSpec, columns []string) bool {
	want := columnSet(columns)
	for _, idx := range indexes {
		if idx.Unique && columnSet(idx.Columns) == want {
			return true
		}
	}
	return false
}

func columnSet(columns []string) string {
	set := make([]string, len(columns))
	for i, col := range columns {
		set[i] = strings.ToLower(strings.TrimSpace(col))
	}
	sort.Strings(set)
	return strings.Join(set, ",")
}

func listColumns(ctx context.Context, db *bun.DB, table string) (map[string]bool, error) {
	var query string
	switch db.Dialect().Name() {
	case dialect.PG:
		query = "SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ?"
	case dialect.MySQL:
		query = "SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?"
	default:
		query = "SELECT name FROM pragma_table_info(?)"
	}

	var names []string
	if err := db.NewRaw(query, table).Scan(ctx, &names); err != nil {
		return nil, err
	}
	cols := make(map[string]bool, len(names))
	for _, name := range names {
		cols[strings.ToLower(name)] = true
	}
	return cols, nil
}

func listIndexes(ctx context.Context, db *bun.DB, table string) ([]indexSpec, error) {
	switch db.Dialect().Name() {
	case dialect.PG:
		var rows []struct {
			Name string `bun:"name"`
			Def  string `bun:"def"`
		}
		err := db.NewRaw("SELECT indexname AS name, indexdef AS def FROM pg_indexes WHERE schemaname = current_schema() AND tablename = ?", table).
			Scan(ctx, &rows)
		if err != nil {
			return nil, err
		}
		specs := make([]indexSpec, 0, len(rows))
		for _, row := range rows {
			spec := indexSpec{Name: row.Name, Unique: strings.Contains(strings.ToUpper(row.Def), "UNIQUE")}
			open, end := strings.Index(row.Def, "("), strings.LastIndex(row.Def, ")")
			if open > 0 && end > open {
				for _, col := range strings.Split(row.Def[open+1:end], ",") {
					spec.Columns = append(spec.Columns, strings.Trim(strings.TrimSpace(col), `"`))
				}
			}
			specs = append(specs, spec)
		}
		return specs, nil

	case dialect.MySQL:
		var rows []struct {
			Name      string `bun:"name"`
			Column    string `bun:"col"`
			NonUnique int    `bun:"non_unique"`
		}
		err := db.NewRaw("SELECT INDEX_NAME AS name, COLUMN_NAME AS col, NON_UNIQUE AS non_unique FROM INFORMATION_SCHEMA.STATISTICS WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? ORDER BY INDEX_NAME, SEQ_IN_INDEX", table).
			Scan(ctx, &rows)
		if err != nil {
			return nil, err
		}
		var specs []indexSpec
		for _, row := range rows {
			if n := len(specs); n > 0 && specs[n-1].Name == row.Name {
				specs[n-1].Columns = append(specs[n-1].Columns, row.Column)
				continue
			}
			specs = append(specs, indexSpec{Name: row.Name, Unique: row.NonUnique == 0, Columns: []string{row.Column}})
		}
		return specs, nil

	default:
		var rows []struct {
			Name   string `bun:"name"`
			Unique int    `bun:"is_unique"`
		}
		if err := db.NewRaw(`SELECT name, "unique" AS is_unique FROM pragma_index_list(?)`, table).Scan(ctx, &rows); err != nil {
			return nil, err
		}
		specs := make([]indexSpec, 0, len(rows))
		for _, row := range rows {
			spec := indexSpec{Name: row.Name, Unique: row.Unique == 1}
			if err := db.NewRaw("SELECT name FROM pragma_index_info(?) ORDER BY seqno", row.Name).
				Scan(ctx, &spec.Columns); err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
		return specs, nil
	}
}
