package coremerge

import (
	"database/sql"
	"time"
)

// scanRow converts one *sql.Rows cursor position into a Row, using
// database/sql's generic any-scan idiom (scan into *any placeholders,
// then classify the driver value by Go type) since staging tables have a
// different column set per entity and the core merger cannot know them at
// compile time (spec §9 "Dynamic row shapes" design note).
func scanRow(rows *sql.Rows) (Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	row := make(Row, len(cols))
	for i, col := range cols {
		row[col] = driverValueToValue(raw[i])
	}
	return row, nil
}

func driverValueToValue(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case []byte:
		return StringValue(string(t))
	case string:
		return StringValue(t)
	case int64:
		return NumberValue(float64(t))
	case int:
		return NumberValue(float64(t))
	case float64:
		return NumberValue(t)
	case float32:
		return NumberValue(float64(t))
	case bool:
		return BoolValue(t)
	case time.Time:
		return TimeValue(t)
	default:
		return Null()
	}
}
