package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mycelica/hypha/internal/entity"
)

func TestFormatDurationShort(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0.0s"},
		{500 * time.Millisecond, "0.5s"},
		{1200 * time.Millisecond, "1.2s"},
		{65 * time.Second, "1m5s"},
		{61*time.Minute + 40*time.Second, "1h1m"},
		{720 * time.Hour, "720h0m"},
	}

	for _, tt := range tests {
		got := FormatDurationShort(tt.d)
		if got != tt.want {
			t.Errorf("FormatDurationShort(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestTruncateMiddle(t *testing.T) {
	tests := []struct {
		s      string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},           // under limit
		{"exact", 5, "exact"},            // exactly at limit
		{"abcdefghij", 7, "ab...ij"},     // over limit
		{"hello world!", 9, "hel...ld!"}, // asymmetric
		{"abcd", 3, "abc"},               // maxLen <= 3 edge case
	}

	for _, tt := range tests {
		got := TruncateMiddle(tt.s, tt.maxLen)
		if got != tt.want {
			t.Errorf("TruncateMiddle(%q, %d) = %q, want %q", tt.s, tt.maxLen, got, tt.want)
		}
		if len(got) > tt.maxLen {
			t.Errorf("TruncateMiddle(%q, %d) length %d exceeds max %d", tt.s, tt.maxLen, len(got), tt.maxLen)
		}
	}
}

func TestTitle(t *testing.T) {
	tests := []struct {
		name string
		e    entity.Entity
		want string
	}{
		{"summary header wins", entity.Entity{PermID: "P", SummaryHeader: entity.Some("H"), Identifier: entity.Some("/S/I")}, "H"},
		{"blank header skipped", entity.Entity{PermID: "P", SummaryHeader: entity.Some(" "), Identifier: entity.Some("/S/I")}, "/S/I"},
		{"summary last", entity.Entity{PermID: "P", Summary: entity.Some("sum")}, "sum"},
		{"perm id fallback", entity.Entity{PermID: "P"}, "P"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := title(&tt.e); got != tt.want {
				t.Errorf("title() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrintEntityChildrenStates(t *testing.T) {
	tests := []struct {
		name     string
		children entity.Opt[[]string]
		want     string
	}{
		{"unknown", entity.None[[]string](), "unknown (run details)"},
		{"empty", entity.Some([]string{}), "children:    none"},
		{"known", entity.Some([]string{"C1", "C2"}), "children:    2 (1 cached)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			e := &entity.Entity{PermID: "P1", Children: tt.children, LastUpdate: time.Now()}
			kids := []entity.Entity{{PermID: "C1"}}
			if err := printEntity(&buf, e, kids); err != nil {
				t.Fatalf("printEntity: %v", err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestImageFileName(t *testing.T) {
	tests := []struct {
		permID, url, ctype, want string
	}{
		{"P1", "http://srv/img/a.png", "image/png", "P1.png"},
		{"P1", "http://srv/thumbnail", "image/png", "P1.png"},
		{"P1", "http://srv/download?id=7", "application/x-unknown-hypha", "P1"},
		{"20120814110011738-105", "http://srv/img/a.jpg", "image/jpeg", "20120814110011738-105.jpg"},
		{"../../tmp/evil", "/img/x.png", "image/png", "_.._tmp_evil.png"},
		{"/etc/passwd", "/img/x.png", "image/png", "_etc_passwd.png"},
		{`..\windows\x`, "/img/x.png", "image/png", "_windows_x.png"},
		{"..", "/img/x.png", "image/png", "image.png"},
	}
	for _, tt := range tests {
		got := imageFileName(tt.permID, tt.url, tt.ctype)
		if got != tt.want {
			t.Errorf("imageFileName(%q, %q, %q) = %q, want %q", tt.permID, tt.url, tt.ctype, got, tt.want)
		}
		if filepath.Dir(got) != "." || filepath.IsAbs(got) {
			t.Errorf("imageFileName(%q) = %q escapes the working directory", tt.permID, got)
		}
	}
}
