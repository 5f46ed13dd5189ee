// Copyright 2025 The agentmesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// SQLTable implements Table on any database/sql driver via sqlx.
type SQLTable struct {
	db *sqlx.DB
}

// NewSQLTable wraps an open connection pool.
func NewSQLTable(db *sqlx.DB) *SQLTable {
	return &SQLTable{db: db}
}

func isQuery(sql string) bool {
	s := strings.ToUpper(strings.TrimSpace(sql))
	return strings.HasPrefix(s, "SELECT") || strings.HasPrefix(s, "WITH")
}

func (t *SQLTable) Execute(ctx context.Context, sql string, params ...any) TableResult {
	if isQuery(sql) {
		rows, err := t.db.QueryxContext(ctx, sql, params...)
		if err != nil {
			return TableResult{Err: fmt.Errorf("query: %w", err)}
		}
		defer rows.Close()

		var results []map[string]any
		for rows.Next() {
			row := map[string]any{}
			if err := rows.MapScan(row); err != nil {
				return TableResult{Err: fmt.Errorf("scan: %w", err)}
			}
			// sqlx surfaces text columns as []byte; normalize for JSON callers.
			for k, v := range row {
				if b, ok := v.([]byte); ok {
					row[k] = string(b)
				}
			}
			results = append(results, row)
		}
		if err := rows.Err(); err != nil {
			return TableResult{Err: fmt.Errorf("rows: %w", err)}
		}
		return TableResult{
			Success: true,
			Results: results,
			Meta:    map[string]any{"rows": len(results)},
		}
	}

	res, err := t.db.ExecContext(ctx, sql, params...)
	if err != nil {
		return TableResult{Err: fmt.Errorf("exec: %w", err)}
	}
	affected, _ := res.RowsAffected()
	return TableResult{
		Success: true,
		Meta:    map[string]any{"rows_affected": affected},
	}
}

// Batch runs the statements inside a single transaction. The first failure
// rolls everything back; its result carries the error and subsequent
// statements are not attempted.
func (t *SQLTable) Batch(ctx context.Context, stmts []Statement) []TableResult {
	out := make([]TableResult, 0, len(stmts))

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return []TableResult{{Err: fmt.Errorf("begin: %w", err)}}
	}
	for _, s := range stmts {
		res, err := tx.ExecContext(ctx, s.SQL, s.Params...)
		if err != nil {
			_ = tx.Rollback()
			out = append(out, TableResult{Err: fmt.Errorf("exec: %w", err)})
			return out
		}
		affected, _ := res.RowsAffected()
		out = append(out, TableResult{
			Success: true,
			Meta:    map[string]any{"rows_affected": affected},
		})
	}
	if err := tx.Commit(); err != nil {
		return append(out, TableResult{Err: fmt.Errorf("commit: %w", err)})
	}
	return out
}
