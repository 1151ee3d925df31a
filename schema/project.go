package schema

import (
	"fmt"
	"math"

	"github.com/orian/sheetsmith/format"
	"github.com/orian/sheetsmith/models"
)

// Check reports whether s can project rows whose fields have the given wire
// kinds. Rows may carry more fields than the schema names; the extra ones
// are not projected.
func Check(s models.SheetSchema, kinds []format.FieldKind) error {
	if len(s.Columns) > len(kinds) {
		return fmt.Errorf("%w: %s@%s names %d columns for %s, rows have %d",
			models.ErrSchemaUnavailable, s.Source, short(s.Ref), len(s.Columns), s.Sheet, len(kinds))
	}
	for i, c := range s.Columns {
		if !fits(c.Type, kinds[i]) {
			return fmt.Errorf("%w: column %s of %s is %s, field %d does not fit",
				models.ErrSchemaUnavailable, c.Name, s.Sheet, c.Type, i)
		}
	}
	return nil
}

func fits(t models.ColumnType, k format.FieldKind) bool {
	switch t {
	case models.ColumnString:
		return k == format.FieldString
	case models.ColumnBool:
		return k == format.FieldBool
	case models.ColumnInt, models.ColumnUint:
		return k.Signed() || k.Unsigned()
	case models.ColumnFloat:
		return k == format.FieldFloat32 || k.Signed() || k.Unsigned()
	}
	return false
}

// Project names and types the fields of one row.
func Project(s models.SheetSchema, id uint32, fields []format.Value) (models.IndexDocument, error) {
	doc := models.IndexDocument{Sheet: s.Sheet, RowID: id, Fields: make([]models.Field, len(s.Columns))}
	if len(fields) < len(s.Columns) {
		return doc, fmt.Errorf("%w: %s row %d has %d fields, schema names %d",
			models.ErrSchemaUnavailable, s.Sheet, id, len(fields), len(s.Columns))
	}
	for i, c := range s.Columns {
		v, err := convert(c.Type, fields[i])
		if err != nil {
			return doc, fmt.Errorf("%w: %s row %d column %s: %v", models.ErrSchemaUnavailable, s.Sheet, id, c.Name, err)
		}
		doc.Fields[i] = models.Field{Name: c.Name, Value: v}
	}
	return doc, nil
}

func convert(t models.ColumnType, f format.Value) (any, error) {
	switch t {
	case models.ColumnString:
		if s, ok := f.V.(string); ok {
			return s, nil
		}
	case models.ColumnBool:
		if b, ok := f.V.(bool); ok {
			return b, nil
		}
	case models.ColumnInt:
		switch v := f.V.(type) {
		case int64:
			return v, nil
		case uint64:
			if v > math.MaxInt64 {
				return nil, fmt.Errorf("%d overflows int", v)
			}
			return int64(v), nil
		}
	case models.ColumnUint:
		switch v := f.V.(type) {
		case uint64:
			return v, nil
		case int64:
			if v < 0 {
				return nil, fmt.Errorf("%d is negative", v)
			}
			return uint64(v), nil
		}
	case models.ColumnFloat:
		switch v := f.V.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case uint64:
			return float64(v), nil
		}
	}
	return nil, fmt.Errorf("%s field does not fit %s", f.Kind, t)
}
