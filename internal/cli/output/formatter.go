// Package output renders CLI results as a table, JSON or YAML.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Formatter turns structured command results into text
type Formatter interface {
	// Format renders data. Values implementing Tabular render as a table in
	// table mode; JSON and YAML marshal data as is.
	Format(data any) (string, error)

	// FormatTable renders rows under headers
	FormatTable(headers []string, rows [][]string) (string, error)
}

// Tabular is implemented by results that know their table layout
type Tabular interface {
	Table() (headers []string, rows [][]string)
}

// EnvFormat overrides the default format when no flag is given
const EnvFormat = "DESKSHELL_OUTPUT"

// NewFormatter creates a formatter for format (table, json or yaml, any case).
// w decides whether table output may use terminal decorations.
func NewFormatter(format string, w io.Writer) (Formatter, error) {
	switch strings.ToLower(format) {
	case "json":
		return &JSONFormatter{Indent: true}, nil
	case "yaml":
		return &YAMLFormatter{}, nil
	case "table", "":
		return &TableFormatter{
			Unicode: os.Getenv("NO_COLOR") != "1",
			TTY:     isTerminal(w),
		}, nil
	default:
		return nil, fmt.Errorf("unknown output format: %s (valid: table, json, yaml)", format)
	}
}

// ResolveFormat picks the format: explicit flag, then DESKSHELL_OUTPUT, then table
func ResolveFormat(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvFormat); env != "" {
		return env
	}
	return "table"
}

// rowsToMaps converts a table into one object per row for the marshaling formats
func rowsToMaps(headers []string, rows [][]string) []map[string]string {
	result := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		obj := make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(row) {
				obj[header] = row[i]
			} else {
				obj[header] = ""
			}
		}
		result = append(result, obj)
	}
	return result
}
