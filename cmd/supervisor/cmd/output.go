package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// printStructured writes v as JSON or YAML when that output was requested.
// It reports false for table output so the caller renders its own table.
func printStructured(w io.Writer, v interface{}) (bool, error) {
	switch strings.ToLower(outputFormat) {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(w, string(data))
		return true, nil
	case "yaml":
		// Round-trip through JSON so YAML keys follow the json tags
		data, err := json.Marshal(v)
		if err != nil {
			return true, fmt.Errorf("failed to marshal YAML: %w", err)
		}
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return true, fmt.Errorf("failed to marshal YAML: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return true, fmt.Errorf("failed to marshal YAML: %w", err)
		}
		return true, enc.Close()
	default:
		return false, nil
	}
}

// shortChecksum keeps tables readable: "blake3:0123456789ab"
func shortChecksum(sum string) string {
	algo, hex, ok := strings.Cut(sum, ":")
	if !ok || len(hex) <= 12 {
		return sum
	}
	return algo + ":" + hex[:12]
}
