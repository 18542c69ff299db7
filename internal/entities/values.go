package entities

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/timetable-import/internal/core"
)

// columnValue converts a normalized cell into the Go value pgx binds for the
// field's column. Empty cells become NULL.
func columnValue(spec core.FieldSpec, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	switch spec.Type {
	case core.FieldNumeric:
		n, ok := core.ParseNumber(raw)
		if !ok {
			return nil, fmt.Errorf("%s: %q is not a number", spec.Name, raw)
		}
		return n, nil
	case core.FieldDate:
		d, ok := core.ParseDate(raw)
		if !ok {
			return nil, fmt.Errorf("%s: %q is not a date", spec.Name, raw)
		}
		return d, nil
	case core.FieldBool:
		b, ok := core.ParseBool(raw)
		if !ok {
			return nil, fmt.Errorf("%s: %q is not a boolean", spec.Name, raw)
		}
		return b, nil
	case core.FieldTime:
		clock, ok := core.ParseClock(raw)
		if !ok {
			return nil, fmt.Errorf("%s: %q is not a time of day", spec.Name, raw)
		}
		t, err := time.Parse("15:04", clock)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.Name, err)
		}
		micros := int64(t.Hour())*int64(time.Hour/time.Microsecond) +
			int64(t.Minute())*int64(time.Minute/time.Microsecond)
		return pgtype.Time{Microseconds: micros, Valid: true}, nil
	}
	return raw, nil
}

// row is one record's column list and bound values, in field order.
type row struct {
	columns []string
	values  []any
}

// buildRow converts the populated fields of values. Fields missing from
// values are left out so updates never blank existing columns.
func buildRow(def core.EntityDefinition, values map[string]string) (row, error) {
	var r row
	for _, spec := range def.Fields {
		raw, ok := values[spec.Name]
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		v, err := columnValue(spec, raw)
		if err != nil {
			return row{}, err
		}
		r.columns = append(r.columns, spec.DBColumn)
		r.values = append(r.values, v)
	}
	return r, nil
}

// quoteIdentifier safely quotes a PostgreSQL identifier.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
