package search

import (
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/orian/sheetsmith/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnsignedValuesKeepPrecision(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "u.db"))
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("CREATE TABLE t (_row INTEGER PRIMARY KEY, c0 %s)", sqlType(models.ColumnUint)))
	require.NoError(t, err)

	values := []uint64{0, 7, math.MaxInt64, math.MaxInt64 + 1, 9300000000000000000, math.MaxUint64}
	for i, v := range values {
		_, err := db.Exec("INSERT INTO t VALUES (?, ?)", i, toSQL(v))
		require.NoError(t, err)
	}

	read := func(t *testing.T, cond string, args ...any) []uint64 {
		t.Helper()
		rows, err := db.Query("SELECT c0 FROM t WHERE "+cond+" ORDER BY _row", args...)
		require.NoError(t, err)
		defer rows.Close()
		var out []uint64
		for rows.Next() {
			var v any
			require.NoError(t, rows.Scan(&v))
			u, ok := fromSQL(models.ColumnUint, v).(uint64)
			require.True(t, ok, "%T", v)
			out = append(out, u)
		}
		require.NoError(t, rows.Err())
		return out
	}
	assert.Equal(t, values, read(t, "1"))

	tests := []struct {
		name  string
		op    string
		value any
		want  []uint64
	}{
		{name: "above int64", op: ">", value: fmt.Sprint(uint64(math.MaxInt64)), want: []uint64{math.MaxInt64 + 1, 9300000000000000000, math.MaxUint64}},
		{name: "exact max", op: "=", value: fmt.Sprint(uint64(math.MaxUint64)), want: []uint64{math.MaxUint64}},
		{name: "between large", op: "<", value: uint64(10000000000000000000), want: []uint64{0, 7, math.MaxInt64, math.MaxInt64 + 1, 9300000000000000000}},
		{name: "small", op: "<=", value: "7", want: []uint64{0, 7}},
		{name: "negative bound", op: ">", value: "-1", want: values},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arg, err := coerce(models.ColumnUint, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, read(t, "c0 "+tt.op+" ?", arg))
		})
	}

	_, err = coerce(models.ColumnUint, "18446744073709551616")
	assert.Error(t, err)
}
