package output

import "gopkg.in/yaml.v3"

// YAMLFormatter formats output as YAML
type YAMLFormatter struct{}

// Format marshals data to YAML
func (f *YAMLFormatter) Format(data any) (string, error) {
	out, err := yaml.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// FormatTable emits a YAML sequence with one mapping per row
func (f *YAMLFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	return f.Format(rowsToMaps(headers, rows))
}
