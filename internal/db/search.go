package db

import (
	"context"
	"strings"
	"unicode"

	"mycelica/hypha/internal/entity"
)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "in": true, "on": true,
	"at": true, "to": true, "for": true, "of": true, "is": true,
	"it": true, "and": true, "or": true, "with": true, "from": true,
	"by": true, "this": true, "that": true, "as": true, "be": true,
}

// SearchTerms preprocesses a natural language query for a local lookup.
// Splits on whitespace, removes stopwords and words < 3 chars, trims punctuation.
func SearchTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(query) {
		// Trim non-letter/digit chars from both ends
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
		})
		if len(trimmed) < 3 {
			continue
		}
		if stopwords[strings.ToLower(trimmed)] {
			continue
		}
		terms = append(terms, trimmed)
	}
	return terms
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchLocal finds cached entities whose summary header, summary, identifier
// or properties mention any term of query. It never contacts the server.
// Returns empty slice if the preprocessed query is empty.
func (c *Cache) SearchLocal(ctx context.Context, query string, limit int) ([]entity.Entity, error) {
	terms := SearchTerms(query)
	if len(terms) == 0 {
		return []entity.Entity{}, nil
	}
	if limit <= 0 {
		limit = 50
	}

	var clauses []string
	args := []any{c.server}
	for _, term := range terms {
		clauses = append(clauses, `(summary_header LIKE ? ESCAPE '\' OR summary LIKE ? ESCAPE '\'
			OR identifier LIKE ? ESCAPE '\' OR properties LIKE ? ESCAPE '\')`)
		pattern := "%" + likeEscaper.Replace(term) + "%"
		args = append(args, pattern, pattern, pattern, pattern)
	}
	args = append(args, limit)

	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.q().QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE server_url = ? AND (`+strings.Join(clauses, " OR ")+`)
		ORDER BY summary_header, perm_id
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, persistErr("search", err)
	}
	out, err := collectEntities(rows)
	if err != nil {
		return nil, persistErr("search", err)
	}
	if out == nil {
		out = []entity.Entity{}
	}
	return out, nil
}
