package entity

import (
	"maps"
	"slices"
	"time"
)

// Merge applies rec onto existing and returns the updated entity. A nil
// existing creates a new entity owned by serverURL.
//
// Only known fields of rec are copied. An absent field never clears a value
// the cache already holds. PermID, Refcon and ServerURL are set only when
// the entity is created.
func Merge(existing *Entity, rec RawEntityRecord, serverURL string, now time.Time) *Entity {
	var e Entity
	if existing == nil {
		e = Entity{
			PermID:    rec.PermID,
			Refcon:    rec.Refcon,
			ServerURL: serverURL,
		}
	} else {
		e = *existing
	}

	mergeOpt(&e.SummaryHeader, rec.SummaryHeader)
	mergeOpt(&e.Summary, rec.Summary)
	mergeOpt(&e.Identifier, rec.Identifier)
	mergeOpt(&e.Category, rec.Category)
	mergeOpt(&e.ImageURL, rec.ImageURL)
	mergeOpt(&e.RootLevel, rec.RootLevel)
	mergeOpt(&e.Kind, rec.Kind)
	mergeOpt(&e.Type, rec.Type)
	if v, ok := rec.Children.Get(); ok {
		e.Children = Some(slices.Clone(nonNilSlice(v)))
	}
	if v, ok := rec.Properties.Get(); ok {
		e.Properties = Some(maps.Clone(nonNilMap(v)))
	}

	e.LastUpdate = now
	return &e
}

func mergeOpt[T any](dst *Opt[T], src Opt[T]) {
	if src.Known() {
		*dst = src
	}
}

func nonNilSlice(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilMap(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}
