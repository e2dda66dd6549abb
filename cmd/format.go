package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"mycelica/hypha/internal/entity"
)

// FormatDurationShort formats a duration compactly.
//
//	<1s  -> "0.Xs"
//	<1m  -> "X.Xs"
//	<1h  -> "XmYs"
//	else -> "XhYm"
func FormatDurationShort(d time.Duration) string {
	ms := d.Milliseconds()
	switch {
	case ms < 1000:
		return fmt.Sprintf("0.%ds", ms/100)
	case ms < 60000:
		return fmt.Sprintf("%d.%ds", ms/1000, (ms%1000)/100)
	case ms < 3600000:
		return fmt.Sprintf("%dm%ds", ms/60000, (ms%60000)/1000)
	default:
		return fmt.Sprintf("%dh%dm", ms/3600000, (ms%3600000)/60000)
	}
}

// TruncateMiddle shortens s by replacing the middle with "..." when it
// exceeds maxLen.
func TruncateMiddle(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	available := maxLen - 3
	firstHalf := (available + 1) / 2
	lastHalf := available / 2
	return s[:firstHalf] + "..." + s[len(s)-lastHalf:]
}

// title is the best display name of e.
func title(e *entity.Entity) string {
	for _, o := range []entity.Opt[string]{e.SummaryHeader, e.Identifier, e.Summary} {
		if v, ok := o.Get(); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return e.PermID
}

// syncAge renders when the root set was last synced.
func syncAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printEntities lists entities one per line, or as JSON with --json.
func printEntities(w io.Writer, es []entity.Entity) error {
	if jsonOut {
		if es == nil {
			es = []entity.Entity{}
		}
		return writeJSON(w, es)
	}
	if len(es) == 0 {
		fmt.Fprintln(w, "No entities.")
		return nil
	}
	for i := range es {
		e := &es[i]
		marker := "   "
		if e.IsRootLevel() {
			marker = "[R]"
		}
		kids := ""
		if c, ok := e.Children.Get(); ok && len(c) > 0 {
			kids = fmt.Sprintf(" (%d children)", len(c))
		}
		fmt.Fprintf(w, "  %s %-24s %s%s\n", marker, e.PermID, TruncateMiddle(title(e), 60), kids)
	}
	fmt.Fprintf(w, "\n%d entit%s\n", len(es), plural(len(es), "y", "ies"))
	return nil
}

// printGrouped lists root-level entities under their category.
func printGrouped(w io.Writer, es []entity.Entity) error {
	if jsonOut || len(es) == 0 {
		return printEntities(w, es)
	}
	var order []string
	groups := map[string][]*entity.Entity{}
	for i := range es {
		cat := es[i].Category.Or("")
		if _, ok := groups[cat]; !ok {
			order = append(order, cat)
		}
		groups[cat] = append(groups[cat], &es[i])
	}
	for _, cat := range order {
		name := cat
		if name == "" {
			name = "(uncategorized)"
		}
		fmt.Fprintf(w, "%s\n", name)
		for _, e := range groups[cat] {
			fmt.Fprintf(w, "  %-24s %s\n", e.PermID, TruncateMiddle(title(e), 60))
		}
	}
	fmt.Fprintf(w, "\n%d root-level entit%s in %d categor%s\n",
		len(es), plural(len(es), "y", "ies"), len(order), plural(len(order), "y", "ies"))
	return nil
}

// printEntity prints every known field of e.
func printEntity(w io.Writer, e *entity.Entity, children []entity.Entity) error {
	if jsonOut {
		return writeJSON(w, struct {
			*entity.Entity
			Resolved []entity.Entity `json:"resolved_children,omitempty"`
		}{e, children})
	}
	fmt.Fprintf(w, "%s\n", title(e))
	fmt.Fprintf(w, "  perm_id:     %s\n", e.PermID)
	fmt.Fprintf(w, "  refcon:      %s\n", TruncateMiddle(e.Refcon, 60))
	field := func(label string, o entity.Opt[string]) {
		if v, ok := o.Get(); ok {
			fmt.Fprintf(w, "  %-12s %s\n", label+":", v)
		}
	}
	field("identifier", e.Identifier)
	field("category", e.Category)
	field("kind", e.Kind)
	field("type", e.Type)
	field("summary", e.Summary)
	field("image", e.ImageURL)
	if v, ok := e.RootLevel.Get(); ok {
		fmt.Fprintf(w, "  root_level:  %t\n", v)
	}
	fmt.Fprintf(w, "  updated:     %s\n", humanize.Time(e.LastUpdate))

	if props, ok := e.Properties.Get(); ok && len(props) > 0 {
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "  properties:")
		for _, k := range keys {
			fmt.Fprintf(w, "    %s = %s\n", k, props[k])
		}
	}

	ids, ok := e.Children.Get()
	switch {
	case !ok:
		fmt.Fprintln(w, "  children:    unknown (run details)")
	case len(ids) == 0:
		fmt.Fprintln(w, "  children:    none")
	default:
		fmt.Fprintf(w, "  children:    %d (%d cached)\n", len(ids), len(children))
		for i := range children {
			fmt.Fprintf(w, "    %-24s %s\n", children[i].PermID, TruncateMiddle(title(&children[i]), 60))
		}
	}
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
