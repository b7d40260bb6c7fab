package postgres

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// registerRawJSON replaces the json and jsonb codecs so that a document
// scanned into *any arrives as json.RawMessage holding the server's bytes,
// and is bound again unchanged. Typed scan targets still go through
// json.Unmarshal.
func registerRawJSON(m *pgtype.Map) {
	jsonType := &pgtype.Type{
		Name:  "json",
		OID:   pgtype.JSONOID,
		Codec: &pgtype.JSONCodec{Marshal: json.Marshal, Unmarshal: unmarshalRaw},
	}
	jsonbType := &pgtype.Type{
		Name:  "jsonb",
		OID:   pgtype.JSONBOID,
		Codec: &pgtype.JSONBCodec{Marshal: json.Marshal, Unmarshal: unmarshalRaw},
	}

	m.RegisterType(jsonType)
	m.RegisterType(jsonbType)
	m.RegisterType(&pgtype.Type{Name: "_json", OID: pgtype.JSONArrayOID, Codec: &pgtype.ArrayCodec{ElementType: jsonType}})
	m.RegisterType(&pgtype.Type{Name: "_jsonb", OID: pgtype.JSONBArrayOID, Codec: &pgtype.ArrayCodec{ElementType: jsonbType}})
}

func unmarshalRaw(data []byte, v any) error {
	if p, ok := v.(*any); ok {
		*p = json.RawMessage(bytes.Clone(data))
		return nil
	}
	return json.Unmarshal(data, v)
}

func afterConnect(_ context.Context, conn *pgx.Conn) error {
	registerRawJSON(conn.TypeMap())
	return nil
}
