package service

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mycelica/hypha/internal/entity"
)

func TestParseRecords_Properties(t *testing.T) {
	tests := []struct {
		name string
		cell string
		want entity.Opt[map[string]string]
	}{
		{"object", `"{\"NAME\":\"pBR322\",\"LENGTH\":4361}"`, entity.Some(map[string]string{"NAME": "pBR322", "LENGTH": "4361"})},
		{"key label value list", `"[{\"key\":\"NAME\",\"label\":\"Name\",\"value\":\"x\"}]"`, entity.Some(map[string]string{"NAME": "x"})},
		{"inline object", `{"k":"v"}`, entity.Some(map[string]string{"k": "v"})},
		{"empty string", `""`, entity.Some(map[string]string{})},
		{"empty list", `"[]"`, entity.Some(map[string]string{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := `{"columns":[{"title":"PERM_ID"},{"title":"REFCON"},{"title":"PROPERTIES"}],"rows":[[{"value":"P1"},{"value":"R1"},{"value":` + tt.cell + `}]]}`
			records, err := parseRecords(json.RawMessage(raw))
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, tt.want, records[0].Properties)
		})
	}
}

func TestParseRecords_Images(t *testing.T) {
	raw := `{"columns":[{"title":"PERM_ID"},{"title":"REFCON"},{"title":"IMAGES"}],"rows":[
		[{"value":"P1"},{"value":"R1"},{"value":"{\"MARQUEE\":{\"URL\":\"https://img/p1.png\"}}"}],
		[{"value":"P2"},{"value":"R2"},{"value":""}]
	]}`
	records, err := parseRecords(json.RawMessage(raw))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, entity.Some("https://img/p1.png"), records[0].ImageURL)
	assert.Equal(t, entity.Some(""), records[1].ImageURL)
}

func TestParseRecords_ImageURLColumn(t *testing.T) {
	raw := `{"columns":[{"title":"PERM_ID"},{"title":"REFCON"},{"title":"IMAGE_URL"}],"rows":[[{"value":"P1"},{"value":"R1"},{"value":"https://img/c.png"}]]}`
	records, err := parseRecords(json.RawMessage(raw))
	require.NoError(t, err)
	assert.Equal(t, entity.Some("https://img/c.png"), records[0].ImageURL)
}

func TestParseRecords_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no perm id column", `{"columns":[{"title":"REFCON"}],"rows":[[{"value":"R1"}]]}`},
		{"no refcon column", `{"columns":[{"title":"PERM_ID"}],"rows":[[{"value":"P1"}]]}`},
		{"empty perm id", `{"columns":[{"title":"PERM_ID"},{"title":"REFCON"}],"rows":[[{"value":""},{"value":"R1"}]]}`},
		{"empty refcon", `{"columns":[{"title":"PERM_ID"},{"title":"REFCON"}],"rows":[[{"value":"P1"},{"value":""}]]}`},
		{"null refcon", `{"columns":[{"title":"PERM_ID"},{"title":"REFCON"}],"rows":[[{"value":"P1"},{"value":null}]]}`},
		{"short row", `{"columns":[{"title":"PERM_ID"},{"title":"REFCON"}],"rows":[[{"value":"P1"}]]}`},
		{"bad children", `{"columns":[{"title":"PERM_ID"},{"title":"REFCON"},{"title":"CHILDREN"}],"rows":[[{"value":"P1"},{"value":"R1"},{"value":"[oops"}]]}`},
		{"bad root level", `{"columns":[{"title":"PERM_ID"},{"title":"REFCON"},{"title":"ROOT_LEVEL"}],"rows":[[{"value":"P1"},{"value":"R1"},{"value":"maybe"}]]}`},
		{"not an object", `"tok1"`},
		{"no columns", `{"rows":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRecords(json.RawMessage(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestParseRecords_EmptyTable(t *testing.T) {
	records, err := parseRecords(json.RawMessage(`{"columns":[{"title":"PERM_ID"},{"title":"REFCON"}],"rows":[]}`))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestParseRecords_ExplicitKindWinsOverRefcon(t *testing.T) {
	raw := `{"columns":[{"title":"PERM_ID"},{"title":"REFCON"},{"title":"ENTITY_KIND"}],"rows":[[{"value":"P1"},{"value":"{\"entityKind\":\"SAMPLE\",\"entityType\":\"OLIGO\"}"},{"value":"DATA_SET"}]]}`
	records, err := parseRecords(json.RawMessage(raw))
	require.NoError(t, err)
	assert.Equal(t, entity.Some("DATA_SET"), records[0].Kind)
	assert.Equal(t, entity.Some("OLIGO"), records[0].Type)
}
