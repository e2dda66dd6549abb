package db

import (
	"encoding/json"
	"fmt"
	"time"

	"mycelica/hypha/internal/entity"
)

// entityRow is a row of the entities table. A nil column is a field the
// server has not revealed yet.
type entityRow struct {
	PermID        string
	Refcon        string
	ServerURL     string
	LastUpdate    int64 // Unix millis
	SummaryHeader *string
	Summary       *string
	Identifier    *string
	Category      *string
	ImageURL      *string
	Children      *string // JSON list
	Properties    *string // JSON object
	RootLevel     *bool
	Kind          *string
	Type          *string
}

const entityColumns = `perm_id, refcon, server_url, last_update,
	summary_header, summary, identifier, category, image_url,
	children, properties, root_level, kind, type`

// scanEntity scans a row into an entityRow. The row must have all 14 columns in standard order.
func scanEntity(scanner interface{ Scan(dest ...any) error }) (entityRow, error) {
	var r entityRow
	err := scanner.Scan(
		&r.PermID, &r.Refcon, &r.ServerURL, &r.LastUpdate,
		&r.SummaryHeader, &r.Summary, &r.Identifier, &r.Category, &r.ImageURL,
		&r.Children, &r.Properties, &r.RootLevel, &r.Kind, &r.Type,
	)
	return r, err
}

func (r entityRow) args() []any {
	return []any{
		r.PermID, r.Refcon, r.ServerURL, r.LastUpdate,
		r.SummaryHeader, r.Summary, r.Identifier, r.Category, r.ImageURL,
		r.Children, r.Properties, r.RootLevel, r.Kind, r.Type,
	}
}

func toRow(e *entity.Entity) (entityRow, error) {
	r := entityRow{
		PermID:        e.PermID,
		Refcon:        e.Refcon,
		ServerURL:     e.ServerURL,
		LastUpdate:    e.LastUpdate.UnixMilli(),
		SummaryHeader: ptrOf(e.SummaryHeader),
		Summary:       ptrOf(e.Summary),
		Identifier:    ptrOf(e.Identifier),
		Category:      ptrOf(e.Category),
		ImageURL:      ptrOf(e.ImageURL),
		RootLevel:     ptrOf(e.RootLevel),
		Kind:          ptrOf(e.Kind),
		Type:          ptrOf(e.Type),
	}
	var err error
	if r.Children, err = jsonPtr(e.Children); err != nil {
		return r, fmt.Errorf("encoding children of %s: %w", e.PermID, err)
	}
	if r.Properties, err = jsonPtr(e.Properties); err != nil {
		return r, fmt.Errorf("encoding properties of %s: %w", e.PermID, err)
	}
	return r, nil
}

func (r entityRow) toEntity() (entity.Entity, error) {
	e := entity.Entity{
		PermID:        r.PermID,
		Refcon:        r.Refcon,
		ServerURL:     r.ServerURL,
		LastUpdate:    time.UnixMilli(r.LastUpdate),
		SummaryHeader: optOf(r.SummaryHeader),
		Summary:       optOf(r.Summary),
		Identifier:    optOf(r.Identifier),
		Category:      optOf(r.Category),
		ImageURL:      optOf(r.ImageURL),
		RootLevel:     optOf(r.RootLevel),
		Kind:          optOf(r.Kind),
		Type:          optOf(r.Type),
	}
	var err error
	if e.Children, err = jsonOpt[[]string](r.Children); err != nil {
		return e, fmt.Errorf("decoding children of %s: %w", r.PermID, err)
	}
	if e.Properties, err = jsonOpt[map[string]string](r.Properties); err != nil {
		return e, fmt.Errorf("decoding properties of %s: %w", r.PermID, err)
	}
	return e, nil
}

func ptrOf[T any](o entity.Opt[T]) *T {
	v, ok := o.Get()
	if !ok {
		return nil
	}
	return &v
}

func optOf[T any](p *T) entity.Opt[T] {
	if p == nil {
		return entity.None[T]()
	}
	return entity.Some(*p)
}

func jsonPtr[T any](o entity.Opt[T]) (*string, error) {
	v, ok := o.Get()
	if !ok {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func jsonOpt[T any](p *string) (entity.Opt[T], error) {
	if p == nil {
		return entity.None[T](), nil
	}
	var v T
	if err := json.Unmarshal([]byte(*p), &v); err != nil {
		return entity.None[T](), err
	}
	return entity.Some(v), nil
}
