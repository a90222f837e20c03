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
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

var (
	ErrDriverNotSpecified  = errors.New("database driver type not specified")
	ErrUnsupportedDriver   = errors.New("unsupported database driver type")
	ErrPathNotFound        = errors.New("configured path does not exist")
	ErrDuplicateName       = errors.New("duplicate connection name")
	ErrConnectionExists    = errors.New("connection already exists")
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrNotConnected        = errors.New("database not connected")
	ErrNoMigrationSources  = errors.New("no migration directories configured")
	ErrInvalidForeignKey   = errors.New("invalid foreign key constraint")
	ErrManagerUnavailable  = errors.New("connection manager unavailable")
	ErrConnectionNameEmpty = errors.New("connection name cannot be empty")
)

type SQLError int

const (
	UnknownErr SQLError = iota
	NoRowsErr
	NoIndexErr
	NoColumnErr
	ExistIndexErr
	ExistColumnErr
	NoTableErr
	ExistTableErr
	DuplicateKeyErr
	NotNullViolationErr
	ForeignKeyViolationErr
	CheckConstraintViolationErr
	DataTruncatedErr
	InvalidTypeCastErr
)

var mysqlErrorCodes = map[uint16]SQLError{
	1046: UnknownErr,
	1049: UnknownErr,
	1048: NotNullViolationErr,
	1050: ExistTableErr,
	1054: NoColumnErr,
	1060: ExistColumnErr,
	1061: ExistIndexErr,
	1062: DuplicateKeyErr,
	1091: NoIndexErr,
	1146: NoTableErr,
	1216: ForeignKeyViolationErr,
	1217: ForeignKeyViolationErr,
	1265: DataTruncatedErr,
	3819: CheckConstraintViolationErr,
}

var postgresErrorCodes = map[pq.ErrorCode]SQLError{
	"42703": NoColumnErr,
	"42704": NoIndexErr,
	"42P01": NoTableErr,
	"42P07": ExistTableErr,
	"42701": ExistColumnErr,
	"23505": DuplicateKeyErr,
	"23502": NotNullViolationErr,
	"23503": ForeignKeyViolationErr,
	"23514": CheckConstraintViolationErr,
	"22001": DataTruncatedErr,
	"42804": InvalidTypeCastErr,
}

// messagePatterns is evaluated in order; every fragment of an entry must match.
var messagePatterns = []struct {
	all  []string
	kind SQLError
}{
	{[]string{"sqlstate 42703"}, NoColumnErr},
	{[]string{"undefined column"}, NoColumnErr},
	{[]string{"no such column"}, NoColumnErr},
	{[]string{"sqlstate 42704"}, NoIndexErr},
	{[]string{"no such index"}, NoIndexErr},
	{[]string{"does not exist", "index"}, NoIndexErr},
	{[]string{"sqlstate 42p01"}, NoTableErr},
	{[]string{"undefined table"}, NoTableErr},
	{[]string{"no such table"}, NoTableErr},
	{[]string{"already exists", "index"}, ExistIndexErr},
	{[]string{"already exists", "table"}, ExistTableErr},
	{[]string{"relation", "already exists"}, ExistTableErr},
	{[]string{"duplicate column name"}, ExistColumnErr},
	{[]string{"duplicate key value"}, DuplicateKeyErr},
	{[]string{"unique constraint failed"}, DuplicateKeyErr},
	{[]string{"sqlstate 23505"}, DuplicateKeyErr},
	{[]string{"not-null constraint"}, NotNullViolationErr},
	{[]string{"sqlstate 23502"}, NotNullViolationErr},
	{[]string{"not null constraint failed"}, NotNullViolationErr},
	{[]string{"foreign key violation"}, ForeignKeyViolationErr},
	{[]string{"foreign key constraint failed"}, ForeignKeyViolationErr},
	{[]string{"sqlstate 23503"}, ForeignKeyViolationErr},
	{[]string{"check constraint"}, CheckConstraintViolationErr},
	{[]string{"sqlstate 23514"}, CheckConstraintViolationErr},
	{[]string{"string data right truncation"}, DataTruncatedErr},
	{[]string{"sqlstate 22001"}, DataTruncatedErr},
	{[]string{"data truncated"}, DataTruncatedErr},
	{[]string{"datatype mismatch"}, InvalidTypeCastErr},
	{[]string{"sqlstate 42804"}, InvalidTypeCastErr},
}

// IsSqlError classifies a driver error. MySQL and PostgreSQL errors are
// matched on their codes, anything else (SQLite, pgx-style wrapping) on the
// message text.
func IsSqlError(err error) (is bool, sqlErr SQLError) {
	if err == nil {
		return false, UnknownErr
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		if kind, ok := mysqlErrorCodes[mysqlErr.Number]; ok {
			return true, kind
		}
		return true, UnknownErr
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if kind, ok := postgresErrorCodes[pqErr.Code]; ok {
			return true, kind
		}
		return true, UnknownErr
	}

	s := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		if containsAll(s, p.all) {
			return true, p.kind
		}
	}
	return false, UnknownErr
}

func containsAll(s string, fragments []string) bool {
	for _, f := range fragments {
		if !strings.Contains(s, f) {
			return false
		}
	}
	return true
}
