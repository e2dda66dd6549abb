package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mycelica/hypha/internal/entity"
)

// Column titles of entity tables.
const (
	ColPermID        = "PERM_ID"
	ColRefcon        = "REFCON"
	ColCategory      = "CATEGORY"
	ColSummaryHeader = "SUMMARY_HEADER"
	ColSummary       = "SUMMARY"
	ColIdentifier    = "IDENTIFIER"
	ColChildren      = "CHILDREN"
	ColImageURL      = "IMAGE_URL"
	ColImages        = "IMAGES"
	ColProperties    = "PROPERTIES"
	ColRootLevel     = "ROOT_LEVEL"
	ColEntityKind    = "ENTITY_KIND"
	ColEntityType    = "ENTITY_TYPE"
)

// PrefRootSetRefreshInterval is the preference key carrying the root-set
// refresh interval in seconds.
const PrefRootSetRefreshInterval = "ROOT_SET_REFRESH_INTERVAL"

type table struct {
	Columns []struct {
		Title string `json:"title"`
	} `json:"columns"`
	Rows [][]struct {
		Value json.RawMessage `json:"value"`
	} `json:"rows"`
}

// row is one decoded table row keyed by column title. A title missing from
// the map was not sent by the server.
type row map[string]json.RawMessage

func decodeTable(raw json.RawMessage) ([]row, error) {
	var t table
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode table: %w", err)
	}
	if t.Columns == nil {
		return nil, fmt.Errorf("decode table: no columns")
	}
	rows := make([]row, 0, len(t.Rows))
	for i, cells := range t.Rows {
		if len(cells) != len(t.Columns) {
			return nil, fmt.Errorf("row %d has %d cells, want %d", i, len(cells), len(t.Columns))
		}
		r := make(row, len(cells))
		for j, c := range cells {
			r[t.Columns[j].Title] = c.Value
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// text returns the cell as a string. Null cells read as "".
func (r row) text(col string) (string, bool, error) {
	raw, ok := r[col]
	if !ok {
		return "", false, nil
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", true, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", true, fmt.Errorf("column %s: %w", col, err)
		}
		return s, true, nil
	}
	return string(raw), true, nil
}

// embedded returns the JSON document a cell carries, either inline or
// encoded as a string. An empty cell yields nil.
func (r row) embedded(col string) ([]byte, bool, error) {
	raw, ok := r[col]
	if !ok {
		return nil, false, nil
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && (raw[0] == '[' || raw[0] == '{') {
		return raw, true, nil
	}
	s, _, err := r.text(col)
	if err != nil {
		return nil, true, err
	}
	if strings.TrimSpace(s) == "" {
		return nil, true, nil
	}
	return []byte(s), true, nil
}

func (r row) optText(col string) (entity.Opt[string], error) {
	s, ok, err := r.text(col)
	if err != nil || !ok {
		return entity.None[string](), err
	}
	return entity.Some(s), nil
}

func (r row) optBool(col string) (entity.Opt[bool], error) {
	s, ok, err := r.text(col)
	if err != nil || !ok {
		return entity.None[bool](), err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return entity.Some(false), nil
	}
	b, err := strconv.ParseBool(strings.ToLower(s))
	if err != nil {
		return entity.None[bool](), fmt.Errorf("column %s: %w", col, err)
	}
	return entity.Some(b), nil
}

func (r row) optChildren() (entity.Opt[[]string], error) {
	doc, ok, err := r.embedded(ColChildren)
	if err != nil || !ok {
		return entity.None[[]string](), err
	}
	ids := []string{}
	if doc != nil {
		if err := json.Unmarshal(doc, &ids); err != nil {
			return entity.None[[]string](), fmt.Errorf("column %s: %w", ColChildren, err)
		}
	}
	return entity.Some(ids), nil
}

type property struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Value any    `json:"value"`
}

func (r row) optProperties() (entity.Opt[map[string]string], error) {
	doc, ok, err := r.embedded(ColProperties)
	if err != nil || !ok {
		return entity.None[map[string]string](), err
	}
	props := map[string]string{}
	if doc == nil {
		return entity.Some(props), nil
	}
	if doc[0] == '[' {
		var list []property
		if err := json.Unmarshal(doc, &list); err != nil {
			return entity.None[map[string]string](), fmt.Errorf("column %s: %w", ColProperties, err)
		}
		for _, p := range list {
			key := p.Key
			if key == "" {
				key = p.Label
			}
			props[key] = scalarString(p.Value)
		}
		return entity.Some(props), nil
	}
	var obj map[string]any
	if err := json.Unmarshal(doc, &obj); err != nil {
		return entity.None[map[string]string](), fmt.Errorf("column %s: %w", ColProperties, err)
	}
	for k, v := range obj {
		props[k] = scalarString(v)
	}
	return entity.Some(props), nil
}

// optImage reads IMAGE_URL, falling back to the MARQUEE entry of IMAGES.
func (r row) optImage() (entity.Opt[string], error) {
	if _, ok := r[ColImageURL]; ok {
		return r.optText(ColImageURL)
	}
	doc, ok, err := r.embedded(ColImages)
	if err != nil || !ok {
		return entity.None[string](), err
	}
	if doc == nil {
		return entity.Some(""), nil
	}
	var images map[string]struct {
		URL string `json:"URL"`
	}
	if err := json.Unmarshal(doc, &images); err != nil {
		return entity.None[string](), fmt.Errorf("column %s: %w", ColImages, err)
	}
	return entity.Some(images["MARQUEE"].URL), nil
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

// parseRecords converts an entity table into records.
func parseRecords(raw json.RawMessage) ([]entity.RawEntityRecord, error) {
	rows, err := decodeTable(raw)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		for _, col := range []string{ColPermID, ColRefcon} {
			if _, ok := rows[0][col]; !ok {
				return nil, fmt.Errorf("missing required column %s", col)
			}
		}
	}
	records := make([]entity.RawEntityRecord, 0, len(rows))
	for i, r := range rows {
		rec, err := parseRecord(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRecord(r row) (entity.RawEntityRecord, error) {
	var rec entity.RawEntityRecord
	var err error

	rec.PermID, _, err = r.text(ColPermID)
	if err != nil {
		return rec, err
	}
	if strings.TrimSpace(rec.PermID) == "" {
		return rec, fmt.Errorf("empty %s", ColPermID)
	}
	if rec.Refcon, _, err = r.text(ColRefcon); err != nil {
		return rec, err
	}
	if strings.TrimSpace(rec.Refcon) == "" {
		return rec, fmt.Errorf("empty %s for %s", ColRefcon, rec.PermID)
	}

	for _, f := range []struct {
		col string
		dst *entity.Opt[string]
	}{
		{ColSummaryHeader, &rec.SummaryHeader},
		{ColSummary, &rec.Summary},
		{ColIdentifier, &rec.Identifier},
		{ColCategory, &rec.Category},
		{ColEntityKind, &rec.Kind},
		{ColEntityType, &rec.Type},
	} {
		if *f.dst, err = r.optText(f.col); err != nil {
			return rec, err
		}
	}
	if rec.ImageURL, err = r.optImage(); err != nil {
		return rec, err
	}
	if rec.Children, err = r.optChildren(); err != nil {
		return rec, err
	}
	if rec.Properties, err = r.optProperties(); err != nil {
		return rec, err
	}
	if rec.RootLevel, err = r.optBool(ColRootLevel); err != nil {
		return rec, err
	}

	if !rec.Kind.Known() || !rec.Type.Known() {
		kind, typ := refconKindType(rec.Refcon)
		if !rec.Kind.Known() {
			rec.Kind = kind
		}
		if !rec.Type.Known() {
			rec.Type = typ
		}
	}
	return rec, nil
}

// refconKindType reads entityKind and entityType from a JSON refcon. Any
// other refcon is opaque and yields nothing.
func refconKindType(refcon string) (entity.Opt[string], entity.Opt[string]) {
	var ref struct {
		Kind *string `json:"entityKind"`
		Type *string `json:"entityType"`
	}
	if !strings.HasPrefix(strings.TrimSpace(refcon), "{") || json.Unmarshal([]byte(refcon), &ref) != nil {
		return entity.None[string](), entity.None[string]()
	}
	kind, typ := entity.None[string](), entity.None[string]()
	if ref.Kind != nil {
		kind = entity.Some(*ref.Kind)
	}
	if ref.Type != nil {
		typ = entity.Some(*ref.Type)
	}
	return kind, typ
}

// parsePreferences reads a KEY/VALUE table. Unknown keys are ignored.
func parsePreferences(raw json.RawMessage) (entity.ClientPreferences, error) {
	prefs := entity.DefaultClientPreferences()
	rows, err := decodeTable(raw)
	if err != nil {
		return prefs, err
	}
	values := make(map[string]string, len(rows))
	for i, r := range rows {
		key, ok, err := r.text("KEY")
		if err != nil || !ok {
			return prefs, fmt.Errorf("row %d: missing KEY", i)
		}
		val, _, err := r.text("VALUE")
		if err != nil {
			return prefs, fmt.Errorf("row %d: %w", i, err)
		}
		values[key] = val
	}
	if s, ok := values[PrefRootSetRefreshInterval]; ok && strings.TrimSpace(s) != "" {
		secs, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || secs <= 0 {
			return prefs, fmt.Errorf("invalid %s %q", PrefRootSetRefreshInterval, s)
		}
		prefs.RootSetRefreshInterval = time.Duration(secs * float64(time.Second))
	}
	return prefs, nil
}
