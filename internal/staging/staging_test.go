package staging_test

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdwh/query-engine/internal/staging"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := staging.NewWriter(&buf)

	names := []string{"n", "s", "f", "b", "blob", "ts", "nothing"}
	types := []string{"int8", "text", "float8", "bool", "bytea", "timestamptz", "text"}
	require.NoError(t, w.WriteHeader(names, types))

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := [][]staging.Value{
		{staging.Int64(1), staging.String("a"), staging.Float64(1.5), staging.Bool(true), staging.Bytes([]byte{1, 2, 3}), staging.Timestamp(ts), staging.Null()},
		{staging.Int64(-5), staging.String(""), staging.Float64(0), staging.Bool(false), staging.Bytes(nil), staging.Timestamp(ts.Add(time.Hour)), staging.Null()},
	}
	for _, row := range rows {
		require.NoError(t, w.WriteRow(row))
	}

	r := staging.NewReader(&buf)
	gotNames, gotTypes, err := r.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, names, gotNames)
	assert.Equal(t, types, gotTypes)

	var got [][]staging.Value
	for {
		row, err := r.ReadRow()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, row)
	}
	require.Len(t, got, len(rows))
	for i := range rows {
		require.Len(t, got[i], len(rows[i]))
		for j := range rows[i] {
			assert.Equal(t, rows[i][j].Kind, got[i][j].Kind)
			switch rows[i][j].Kind {
			case staging.KindInt64:
				assert.Equal(t, rows[i][j].Int, got[i][j].Int)
			case staging.KindFloat64:
				assert.Equal(t, rows[i][j].Float, got[i][j].Float)
			case staging.KindBool:
				assert.Equal(t, rows[i][j].Bool, got[i][j].Bool)
			case staging.KindString:
				assert.Equal(t, rows[i][j].Str, got[i][j].Str)
			case staging.KindBytes:
				assert.Equal(t, rows[i][j].Bytes, got[i][j].Bytes)
			case staging.KindTimestamp:
				assert.True(t, rows[i][j].Time.Equal(got[i][j].Time))
			}
		}
	}
}

func TestReadRowEOFOnCleanEnd(t *testing.T) {
	var buf bytes.Buffer
	w := staging.NewWriter(&buf)
	require.NoError(t, w.WriteHeader([]string{"a"}, []string{"int8"}))
	require.NoError(t, w.WriteRow([]staging.Value{staging.Int64(1)}))

	r := staging.NewReader(&buf)
	_, _, err := r.ReadHeader()
	require.NoError(t, err)
	_, err = r.ReadRow()
	require.NoError(t, err)
	_, err = r.ReadRow()
	assert.ErrorIs(t, err, io.EOF)
}

func TestTruncatedRecordIsHardError(t *testing.T) {
	var buf bytes.Buffer
	w := staging.NewWriter(&buf)
	require.NoError(t, w.WriteHeader([]string{"a"}, []string{"int8"}))
	require.NoError(t, w.WriteRow([]staging.Value{staging.Int64(1)}))

	full := buf.Bytes()
	truncated := bytes.NewReader(full[:len(full)-2])
	r := staging.NewReader(truncated)
	_, _, err := r.ReadHeader()
	require.NoError(t, err)
	_, err = r.ReadRow()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}
