package sandbox

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultShell runs scripts that declare no interpreter
const DefaultShell = "/bin/sh"

// Command resolves the argv used to execute scriptPath. The order is: the
// configured override, the script's shebang, python3 for .py files, then
// DefaultShell.
func Command(scriptPath, override string) ([]string, error) {
	if fields := strings.Fields(override); len(fields) > 0 {
		return append(fields, scriptPath), nil
	}

	shebang, err := readShebang(scriptPath)
	if err != nil {
		return nil, err
	}
	if fields := strings.Fields(shebang); len(fields) > 0 {
		return append(fields, scriptPath), nil
	}

	if strings.EqualFold(filepath.Ext(scriptPath), ".py") {
		return []string{"python3", scriptPath}, nil
	}
	return []string{DefaultShell, scriptPath}, nil
}

func readShebang(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open script: %w", err)
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return "", nil
	}
	line = strings.TrimPrefix(line, "\ufeff")
	if !strings.HasPrefix(line, "#!") {
		return "", nil
	}
	return strings.TrimSpace(line[2:]), nil
}
