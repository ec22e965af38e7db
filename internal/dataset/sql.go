package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vnihit/ontask2-UNSW/internal/rules"
)

// SQLSource reads records from a relational database
type SQLSource struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens a source for driver "sqlite3" or "postgres"
func OpenSQL(driver, dsn string) (*SQLSource, error) {
	switch driver {
	case "sqlite3":
		// Ensure directory exists
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn += "?_busy_timeout=5000"
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported datasource driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open datasource: %w", err)
	}
	return &SQLSource{db: db, driver: driver}, nil
}

// NewSQLSource wraps an already opened database
func NewSQLSource(db *sql.DB, driver string) *SQLSource {
	return &SQLSource{db: db, driver: driver}
}

// Query runs query and returns one record per row plus the column types
// mapped to datalab field types.
func (s *SQLSource) Query(ctx context.Context, query string, args ...any) ([]rules.Record, map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query datasource: %w", err)
	}
	defer rows.Close()

	cols, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read columns: %w", err)
	}

	types := make(map[string]string, len(cols))
	for _, c := range cols {
		types[c.Name()] = fieldType(c.DatabaseTypeName())
	}

	var records []rules.Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}

		rec := make(rules.Record, len(cols))
		for i, c := range cols {
			rec[c.Name()] = normalize(values[i])
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return records, types, nil
}

// Close closes the underlying database
func (s *SQLSource) Close() error {
	return s.db.Close()
}

func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC()
	}
	return v
}

func fieldType(dbType string) string {
	switch dbType {
	case "INTEGER", "INT", "INT2", "INT4", "INT8", "BIGINT", "SMALLINT",
		"REAL", "FLOAT", "FLOAT4", "FLOAT8", "DOUBLE", "NUMERIC", "DECIMAL":
		return "number"
	case "DATE", "DATETIME", "TIMESTAMP", "TIMESTAMPTZ":
		return "date"
	case "BOOL", "BOOLEAN":
		return "boolean"
	}
	return "text"
}

// Import replaces the datalab's data with records and makes the source its
// first step, keyed by primary.
func (d *Datalab) Import(sourceID, primary string, records []rules.Record, types map[string]string) error {
	if _, ok := types[primary]; !ok {
		return fmt.Errorf("primary field %q not in datasource", primary)
	}

	seen := make(map[string]bool, len(records))
	for i, r := range records {
		key := fmt.Sprint(r[primary])
		if seen[key] {
			return fmt.Errorf("row %d: duplicate primary key %q", i, key)
		}
		seen[key] = true
	}

	fields := make([]string, 0, len(types))
	for f := range types {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	step := NewDatasource(DatasourceModule{
		ID:      sourceID,
		Primary: primary,
		Name:    sourceID,
		Fields:  fields,
		Types:   types,
	})
	if len(d.Steps) > 0 && d.Steps[0].Type == TypeDatasource {
		d.Steps[0] = step
	} else {
		d.Steps = append([]Module{step}, d.Steps...)
	}
	d.Data = records
	d.UpdatedAt = time.Now()
	return nil
}
