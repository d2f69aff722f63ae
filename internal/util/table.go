package util

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"
)

// TableColumn is one column of a rendered table.
type TableColumn struct {
	Header string
	Key    string // row map key
	Width  int
}

var ansiCode = regexp.MustCompile("\033\\[[0-9;]*m")

// RenderTable writes rows as a padded table. Column widths fit the widest
// cell, ignoring color codes.
func RenderTable(w io.Writer, columns []TableColumn, rows []map[string]any) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	for i := range columns {
		columns[i].Width = max(columns[i].Width, displayWidth(columns[i].Header))
		for _, row := range rows {
			columns[i].Width = max(columns[i].Width, displayWidth(cell(row, columns[i].Key)))
		}
	}

	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = pad(col.Header, col.Width)
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, " "), " "))
	for i, col := range columns {
		parts[i] = strings.Repeat("-", col.Width)
	}
	fmt.Fprintln(w, strings.Join(parts, " "))

	for _, row := range rows {
		for i, col := range columns {
			parts[i] = pad(cell(row, col.Key), col.Width)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, " "), " "))
	}
}

func cell(row map[string]any, key string) string {
	if v, ok := row[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func displayWidth(s string) int {
	return utf8.RuneCountInString(ansiCode.ReplaceAllString(s, ""))
}

func pad(s string, width int) string {
	if n := displayWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
