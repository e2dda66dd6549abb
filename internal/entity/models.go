// Package entity holds the cached entity model and the merge rules that
// fill it in as the server reveals more of each entity.
package entity

import "time"

// DefaultRefreshInterval applies until the server sends its own preference.
const DefaultRefreshInterval = 30 * time.Minute

// Ref addresses an entity on the server: the permId plus the refcon the
// server handed out with it.
type Ref struct {
	PermID string `json:"perm_id"`
	Refcon string `json:"refcon"`
}

// Entity is a cached remote entity. Every field after LastUpdate is
// progressively known.
type Entity struct {
	PermID     string    `json:"perm_id"`
	Refcon     string    `json:"refcon"`
	ServerURL  string    `json:"server"`
	LastUpdate time.Time `json:"last_update"`

	SummaryHeader Opt[string]            `json:"summary_header"`
	Summary       Opt[string]            `json:"summary"`
	Identifier    Opt[string]            `json:"identifier"`
	Category      Opt[string]            `json:"category"`
	ImageURL      Opt[string]            `json:"image_url"`
	Children      Opt[[]string]          `json:"children"`
	Properties    Opt[map[string]string] `json:"properties"`
	RootLevel     Opt[bool]              `json:"root_level"`
	Kind          Opt[string]            `json:"kind"`
	Type          Opt[string]            `json:"type"`
}

// Ref returns the address used to ask the server about e again.
func (e *Entity) Ref() Ref {
	return Ref{PermID: e.PermID, Refcon: e.Refcon}
}

// IsRootLevel reports whether e is known to belong to the root set.
func (e *Entity) IsRootLevel() bool {
	return e.RootLevel.Or(false)
}

// RawEntityRecord is one entity as parsed from a server response, before it
// is merged into the cache.
type RawEntityRecord struct {
	PermID string
	Refcon string

	SummaryHeader Opt[string]
	Summary       Opt[string]
	Identifier    Opt[string]
	Category      Opt[string]
	ImageURL      Opt[string]
	Children      Opt[[]string]
	Properties    Opt[map[string]string]
	RootLevel     Opt[bool]
	Kind          Opt[string]
	Type          Opt[string]
}

// Ref returns the record's address.
func (r RawEntityRecord) Ref() Ref {
	return Ref{PermID: r.PermID, Refcon: r.Refcon}
}

// ServerInfo is the per-server sync bookkeeping.
type ServerInfo struct {
	URL             string
	LastRootSync    time.Time
	RefreshInterval time.Duration
}

// ClientPreferences is server-supplied configuration for this client.
type ClientPreferences struct {
	RootSetRefreshInterval time.Duration
}

// DefaultClientPreferences returns the preferences used before the server
// has been asked.
func DefaultClientPreferences() ClientPreferences {
	return ClientPreferences{RootSetRefreshInterval: DefaultRefreshInterval}
}

// PermIDs returns the permIds of refs in order.
func PermIDs(refs []Ref) []string {
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.PermID
	}
	return ids
}

// Refcons returns the refcons of refs in order.
func Refcons(refs []Ref) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.Refcon
	}
	return out
}
