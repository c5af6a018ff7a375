package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

type pairs [][2]string

func (p pairs) Table() ([]string, [][]string) {
	rows := make([][]string, 0, len(p))
	for _, kv := range p {
		rows = append(rows, []string{kv[0], kv[1]})
	}
	return []string{"NAME", "KIND"}, rows
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		format  string
		want    string
		wantErr bool
	}{
		{"", "*output.TableFormatter", false},
		{"table", "*output.TableFormatter", false},
		{"JSON", "*output.JSONFormatter", false},
		{"yaml", "*output.YAMLFormatter", false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			f, err := NewFormatter(tt.format, &bytes.Buffer{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewFormatter(%q) error = %v, wantErr %v", tt.format, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := typeName(f); got != tt.want {
				t.Errorf("NewFormatter(%q) = %s, want %s", tt.format, got, tt.want)
			}
		})
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *TableFormatter:
		return "*output.TableFormatter"
	case *JSONFormatter:
		return "*output.JSONFormatter"
	case *YAMLFormatter:
		return "*output.YAMLFormatter"
	}
	return "unknown"
}

func TestResolveFormat(t *testing.T) {
	t.Setenv(EnvFormat, "")
	if got := ResolveFormat(""); got != "table" {
		t.Errorf("default = %q, want table", got)
	}

	t.Setenv(EnvFormat, "yaml")
	if got := ResolveFormat(""); got != "yaml" {
		t.Errorf("env = %q, want yaml", got)
	}
	if got := ResolveFormat("json"); got != "json" {
		t.Errorf("flag = %q, want json", got)
	}
}

func TestTableFormatterAlignsTabular(t *testing.T) {
	f := &TableFormatter{Unicode: true, TTY: false}

	out, err := f.Format(pairs{{"ping", "sync"}, {"askNative", "async"}})
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2 rows:\n%s", len(lines), out)
	}
	if strings.Contains(out, "─") {
		t.Error("rules drawn when not writing to a terminal")
	}
	// tabwriter aligns the second column
	if strings.Index(lines[1], "sync") != strings.Index(lines[2], "async") {
		t.Errorf("columns not aligned:\n%s", out)
	}

	empty, _ := f.FormatTable([]string{"NAME"}, nil)
	if empty != "No results found\n" {
		t.Errorf("empty table = %q", empty)
	}
}

func TestMarshalingFormattersUseRowObjects(t *testing.T) {
	headers, rows := pairs{{"ping", "sync"}}.Table()

	j, err := (&JSONFormatter{}).FormatTable(headers, rows)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	var fromJSON []map[string]string
	if err := json.Unmarshal([]byte(j), &fromJSON); err != nil {
		t.Fatalf("json output does not parse: %v", err)
	}
	if fromJSON[0]["NAME"] != "ping" || fromJSON[0]["KIND"] != "sync" {
		t.Errorf("json rows = %v", fromJSON)
	}

	y, err := (&YAMLFormatter{}).FormatTable(headers, [][]string{{"short"}})
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	var fromYAML []map[string]string
	if err := yaml.Unmarshal([]byte(y), &fromYAML); err != nil {
		t.Fatalf("yaml output does not parse: %v", err)
	}
	if v, ok := fromYAML[0]["KIND"]; !ok || v != "" {
		t.Errorf("missing cells should be empty strings, got %v", fromYAML)
	}
}
