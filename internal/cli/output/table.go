package output

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
)

// TableFormatter formats output as an aligned table
type TableFormatter struct {
	Unicode bool // box-drawing rules under the header
	TTY     bool // decorations are only drawn on a terminal
}

// Format renders Tabular values as a table and anything else with %v
func (f *TableFormatter) Format(data any) (string, error) {
	if t, ok := data.(Tabular); ok {
		return f.FormatTable(t.Table())
	}
	return fmt.Sprintf("%v\n", data), nil
}

// FormatTable renders rows aligned under headers
func (f *TableFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	if len(rows) == 0 {
		return "No results found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, strings.Join(headers, "\t"))
	if f.Unicode && f.TTY {
		rules := make([]string, len(headers))
		for i := range rules {
			rules[i] = strings.Repeat("─", len(headers[i]))
		}
		fmt.Fprintln(w, strings.Join(rules, "\t"))
	}
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}

	if err := w.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
