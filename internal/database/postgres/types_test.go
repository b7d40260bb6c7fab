package postgres

import (
	"encoding/json"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawJSON_RoundTrip(t *testing.T) {
	m := pgtype.NewMap()
	registerRawJSON(m)

	docs := []string{
		`"hello"`,
		`null`,
		`{"n": 9007199254740993}`,
		`[1, "two", {"three": 3.0}]`,
	}

	for _, oid := range []uint32{pgtype.JSONOID, pgtype.JSONBOID} {
		for _, doc := range docs {
			t.Run(doc, func(t *testing.T) {
				var v any
				require.NoError(t, m.Scan(oid, pgtype.TextFormatCode, []byte(doc), &v))
				require.IsType(t, json.RawMessage{}, v)
				assert.Equal(t, doc, string(v.(json.RawMessage)))

				bound, err := m.Encode(oid, pgtype.TextFormatCode, v, nil)
				require.NoError(t, err)
				assert.Equal(t, doc, string(bound))
			})
		}
	}
}

func TestRawJSON_BinaryJSONB(t *testing.T) {
	m := pgtype.NewMap()
	registerRawJSON(m)

	var v any
	src := append([]byte{1}, `{"n": 9007199254740993}`...)
	require.NoError(t, m.Scan(pgtype.JSONBOID, pgtype.BinaryFormatCode, src, &v))
	assert.Equal(t, json.RawMessage(`{"n": 9007199254740993}`), v)
}

func TestRawJSON_SQLNullAndTypedTargets(t *testing.T) {
	m := pgtype.NewMap()
	registerRawJSON(m)

	var v any = "stale"
	require.NoError(t, m.Scan(pgtype.JSONBOID, pgtype.TextFormatCode, nil, &v))
	assert.Nil(t, v)

	var doc map[string]int
	require.NoError(t, m.Scan(pgtype.JSONBOID, pgtype.TextFormatCode, []byte(`{"a": 1}`), &doc))
	assert.Equal(t, map[string]int{"a": 1}, doc)
}
