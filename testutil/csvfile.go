package testutil

import (
	"os"
	"strings"
	"testing"
)

// ReadLines returns the lines of a file without the trailing newline.
func ReadLines(t testing.TB, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	s := strings.TrimSuffix(string(data), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// ReadRows splits every line of a CSV file on commas. It is meant for
// files whose fields need no quoting.
func ReadRows(t testing.TB, path string) [][]string {
	t.Helper()
	lines := ReadLines(t, path)
	rows := make([][]string, len(lines))
	for i, line := range lines {
		rows[i] = strings.Split(line, ",")
	}
	return rows
}
