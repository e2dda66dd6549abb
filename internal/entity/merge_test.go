package entity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const server = "https://lab.example.org/rpc"

func TestMerge_CreatesEntity(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rec := RawEntityRecord{
		PermID:  "P1",
		Refcon:  `{"code":"P1"}`,
		Summary: Some("first"),
	}

	e := Merge(nil, rec, server, now)

	assert.Equal(t, "P1", e.PermID)
	assert.Equal(t, `{"code":"P1"}`, e.Refcon)
	assert.Equal(t, server, e.ServerURL)
	assert.Equal(t, now, e.LastUpdate)
	assert.Equal(t, Some("first"), e.Summary)
	assert.False(t, e.SummaryHeader.Known())
	assert.False(t, e.Properties.Known())
}

func TestMerge_AbsentNeverOverwrites(t *testing.T) {
	cached := &Entity{
		PermID:     "P1",
		Refcon:     "R1",
		ServerURL:  server,
		Properties: Some(map[string]string{"k": "v"}),
		Summary:    Some("old"),
	}
	rec := RawEntityRecord{PermID: "P1", Refcon: "R1", Summary: Some("S")}

	e := Merge(cached, rec, server, time.Now())

	assert.Equal(t, Some("S"), e.Summary)
	props, ok := e.Properties.Get()
	require.True(t, ok)
	assert.Equal(t, map[string]string{"k": "v"}, props)
}

func TestMerge_PresentEmptyOverwrites(t *testing.T) {
	cached := &Entity{
		PermID:   "P1",
		Refcon:   "R1",
		Summary:  Some("something"),
		Children: Some([]string{"C1"}),
	}
	rec := RawEntityRecord{
		PermID:   "P1",
		Refcon:   "R1",
		Summary:  Some(""),
		Children: Some[[]string](nil),
	}

	e := Merge(cached, rec, server, time.Now())

	v, ok := e.Summary.Get()
	assert.True(t, ok)
	assert.Equal(t, "", v)
	kids, ok := e.Children.Get()
	assert.True(t, ok)
	assert.NotNil(t, kids)
	assert.Empty(t, kids)
}

func TestMerge_Idempotent(t *testing.T) {
	rec := RawEntityRecord{
		PermID:        "P1",
		Refcon:        "R1",
		SummaryHeader: Some("H"),
		Children:      Some([]string{"C1", "C2"}),
		Properties:    Some(map[string]string{"a": "b"}),
		RootLevel:     Some(true),
	}
	t1 := time.Unix(100, 0)
	t2 := time.Unix(200, 0)

	once := Merge(nil, rec, server, t1)
	twice := Merge(once, rec, server, t2)

	once.LastUpdate = time.Time{}
	twice.LastUpdate = time.Time{}
	assert.Equal(t, once, twice)
}

func TestMerge_KeepsIdentityOnUpdate(t *testing.T) {
	cached := &Entity{PermID: "P1", Refcon: "R1", ServerURL: server}
	rec := RawEntityRecord{PermID: "P1", Refcon: "R2"}

	e := Merge(cached, rec, "https://other.example.org", time.Now())

	assert.Equal(t, "R1", e.Refcon)
	assert.Equal(t, server, e.ServerURL)
}

func TestMerge_DoesNotAliasRecord(t *testing.T) {
	kids := []string{"C1"}
	props := map[string]string{"k": "v"}
	rec := RawEntityRecord{PermID: "P1", Children: Some(kids), Properties: Some(props)}

	e := Merge(nil, rec, server, time.Now())
	kids[0] = "changed"
	props["k"] = "changed"

	got, _ := e.Children.Get()
	assert.Equal(t, []string{"C1"}, got)
	gotProps, _ := e.Properties.Get()
	assert.Equal(t, "v", gotProps["k"])
}

func TestOpt_JSON(t *testing.T) {
	type wrapper struct {
		A Opt[string] `json:"a"`
		B Opt[string] `json:"b"`
	}
	out, err := json.Marshal(wrapper{A: Some("")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"","b":null}`, string(out))

	var back wrapper
	require.NoError(t, json.Unmarshal(out, &back))
	assert.True(t, back.A.Known())
	assert.False(t, back.B.Known())
}

func TestOpt_Or(t *testing.T) {
	assert.Equal(t, "def", None[string]().Or("def"))
	assert.Equal(t, "", Some("").Or("def"))
}
