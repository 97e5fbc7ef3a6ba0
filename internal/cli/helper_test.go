package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeSubjects writes n generated subject records to a file in a temporary
// directory. Every fourth subject is a case; subjects are born a day apart
// and alternate sex, so every case has same-sex candidates within its
// window.
func writeSubjects(t *testing.T, n int) string {
	t.Helper()
	records := make([]map[string]any, n)
	for i := range n {
		rec := map[string]any{
			"id":          fmt.Sprintf("s%03d", i),
			"birth_date":  fmt.Sprintf("2000-%02d-%02d", 1+i/28%12, 1+i%28),
			"sex":         []string{"M", "F"}[i%2],
			"family_id":   fmt.Sprintf("f%03d", i),
			"mother_id":   fmt.Sprintf("m%03d", i),
			"father_id":   fmt.Sprintf("p%03d", i),
			"family_size": 1 + i%3,
			"extra":       map[string]float64{"income": float64(100 + i%7)},
		}
		if i%4 == 0 {
			rec["index_date"] = "2010-06-01"
		}
		records[i] = rec
	}
	return writeJSON(t, "subjects.json", records)
}

func writeJSON(t *testing.T, name string, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return writeFile(t, name, string(b))
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
