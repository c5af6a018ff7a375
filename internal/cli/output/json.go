package output

import "encoding/json"

// JSONFormatter formats output as JSON
type JSONFormatter struct {
	Indent bool
}

// Format marshals data to JSON
func (f *JSONFormatter) Format(data any) (string, error) {
	var out []byte
	var err error
	if f.Indent {
		out, err = json.MarshalIndent(data, "", "  ")
	} else {
		out, err = json.Marshal(data)
	}
	if err != nil {
		return "", err
	}
	return string(out) + "\n", nil
}

// FormatTable emits a JSON array with one object per row
func (f *JSONFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	return f.Format(rowsToMaps(headers, rows))
}
