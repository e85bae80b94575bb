// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package sqldb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "modernc.org/sqlite"

	"github.com/relayq/relayq/internal/errors"
)

// Dialect selects the SQL flavor the store speaks. Queries are written with
// "?" placeholders and rebound per dialect; the handful of divergent clauses
// (row locking, DSN shape) hang off methods here.
type Dialect int

const (
	// SQLite uses modernc.org/sqlite. Writes are serialized on a single
	// connection, so row locking clauses are unnecessary.
	SQLite Dialect = iota

	// Postgres uses the pgx driver through database/sql. Concurrent claimers
	// coordinate with FOR UPDATE SKIP LOCKED.
	Postgres
)

func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "postgres"
	}
	return "unknown"
}

// driverName returns the database/sql driver name registered by the
// dialect's driver package.
func (d Dialect) driverName() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "pgx"
	}
	panic(fmt.Sprintf("sqldb: unknown dialect %d", d))
}

// rebind rewrites "?" placeholders into the dialect's native form.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// lockSuffix returns the row locking clause appended to claiming SELECTs.
func (d Dialect) lockSuffix() string {
	if d == Postgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// isUniqueViolation reports whether err is a primary key or unique
// constraint violation in this dialect.
func (d Dialect) isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	switch d {
	case SQLite:
		var serr *sqlite3.Error
		if !errors.As(err, &serr) {
			return false
		}
		// Extended sqlite result codes include the base code in the lower
		// 8 bits; 19 is SQLITE_CONSTRAINT.
		return serr.Code()&0xff == 19
	case Postgres:
		var perr *pgconn.PgError
		return errors.As(err, &perr) && perr.Code == "23505"
	}
	return false
}
