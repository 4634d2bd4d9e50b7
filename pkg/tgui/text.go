package tgui

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// TruncRunes returns s truncated to at most n runes.
// It appends an ellipsis "…" when truncated.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	cut := 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}

// Bar renders a fixed-width bar for pct in [0,100].
func Bar(pct float64, width int, fill, empty string) string {
	if width <= 0 {
		return ""
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	n := int(pct * float64(width) / 100)
	if n > width {
		n = width
	}
	return strings.Repeat(fill, n) + strings.Repeat(empty, width-n)
}

// Span formats d as "1d, 2h, 3m, 4s", dropping zero units. Anything below
// one second renders as "0s".
func Span(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return "0s"
	}
	days := secs / 86400
	secs %= 86400
	hours := secs / 3600
	secs %= 3600
	mins := secs / 60
	secs %= 60

	parts := make([]string, 0, 4)
	for _, p := range []struct {
		v    int64
		unit string
	}{{days, "d"}, {hours, "h"}, {mins, "m"}, {secs, "s"}} {
		if p.v > 0 {
			parts = append(parts, strconv.FormatInt(p.v, 10)+p.unit)
		}
	}
	return strings.Join(parts, ", ")
}
