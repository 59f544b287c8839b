package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDefinitions = `
definitions:
  - id: weekly-visit
    domain: clinic
    start: visit_date
    default_lang: en
    method: sms
    max_iteration_count: 4
    schedule_length: 7
    events:
      - day_num: 0
        fire_time: "09:00"
        message: {en: "Visit today"}
`

func writeConfig(t *testing.T, withDefinitions bool) string {
	t.Helper()
	dir := t.TempDir()
	defs := ""
	if withDefinitions {
		p := filepath.Join(dir, "definitions.yaml")
		require.NoError(t, os.WriteFile(p, []byte(testDefinitions), 0o600))
		defs = "definitions:\n  path: " + p + "\n"
	}
	p := filepath.Join(dir, "config.yaml")
	body := "logging:\n  level: error\nstorage:\n  driver: memory\ngateway:\n  driver: log\n" + defs
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidatePrintsDefinitions(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t, true), "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "weekly-visit")
	assert.Contains(t, out, "clinic")
}

func TestValidateJSON(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t, true), "--json", "validate")
	require.NoError(t, err)
	var defs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &defs))
	require.Len(t, defs, 1)
	assert.Equal(t, "weekly-visit", defs[0]["id"])
}

func TestValidateWithoutDefinitions(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t, false), "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "no definitions file configured")
}

func TestValidateRejectsBadConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"storage":{"driver":"floppy"}}`), 0o600))
	_, err := run(t, "--config", p, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.driver")
}

func TestTickJSON(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t, true), "--json", "tick")
	require.NoError(t, err)
	var rep map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 0, rep["due"])
	assert.Equal(t, 0, rep["fired"])
}

func TestReconcileTable(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t, true), "reconcile", "--domain", "clinic")
	require.NoError(t, err)
	assert.Contains(t, out, "DEFINITIONS")
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("REMINDD_CONFIG", writeConfig(t, false))
	out, err := run(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "config ok")
}
