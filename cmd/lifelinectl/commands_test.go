package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"lifeline/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := map[string]any{
		"account":  map[string]any{"account_id": "alice", "device_id": "alice-laptop"},
		"database": map[string]any{"path": filepath.Join(dir, "messages.db")},
		"keystore": map[string]any{"path": filepath.Join(dir, "keys.db"), "secret": "cli-test-secret"},
		"remote":   map[string]any{"driver": "memory"},
		"broadcast": map[string]any{
			"channels": []string{"in_app"},
		},
	}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "lifelinectl", cmd.Use)

	for _, path := range [][]string{
		{"keys", "generate"}, {"keys", "rotate"}, {"keys", "show"},
		{"queue", "list"}, {"queue", "retry"},
		{"sync", "now"}, {"sync", "full"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestRootCommand_RejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "--config", writeConfig(t), "queue", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestRootCommand_MissingConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "absent.json"), "keys", "show")
	require.Error(t, err)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, ExitCommandError, exitErr.Code)
}

func TestKeys_GenerateIsStableAndRotateReplaces(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "--config", cfg, "--format", "json", "keys", "generate")
	require.NoError(t, err)
	var first []service.KeyInfo
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	require.Len(t, first, 1)
	assert.Equal(t, "alice", first[0].AccountID)

	out, err = execute(t, "--config", cfg, "--format", "json", "keys", "generate")
	require.NoError(t, err)
	var again []service.KeyInfo
	require.NoError(t, json.Unmarshal([]byte(out), &again))
	assert.Equal(t, first[0].KeyID, again[0].KeyID)

	out, err = execute(t, "--config", cfg, "--format", "json", "keys", "rotate")
	require.NoError(t, err)
	var rotated []service.KeyInfo
	require.NoError(t, json.Unmarshal([]byte(out), &rotated))
	assert.NotEqual(t, first[0].KeyID, rotated[0].KeyID)
	assert.NotEqual(t, first[0].Fingerprint, rotated[0].Fingerprint)

	out, err = execute(t, "--config", cfg, "keys", "show")
	require.NoError(t, err)
	assert.Contains(t, out, rotated[0].KeyID)
}

func TestQueue_ListEmptyAndRetryUnknown(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "--config", cfg, "queue", "list", "--failed")
	require.NoError(t, err)
	assert.Contains(t, out, "No operations.")

	out, err = execute(t, "--config", cfg, "--format", "json", "queue", "list")
	require.NoError(t, err)
	var listing queueListing
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	assert.Empty(t, listing.Operations)

	_, err = execute(t, "--config", cfg, "queue", "list", "--limit", "0")
	require.Error(t, err)

	_, err = execute(t, "--config", cfg, "queue", "retry", "op-missing")
	require.Error(t, err)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, ExitCommandError, exitErr.Code)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestSync_Full(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "--config", cfg, "sync", "full")
	require.NoError(t, err)
	assert.Contains(t, out, "full sync:")
}

func TestGroupFingerprint(t *testing.T) {
	assert.Equal(t, "abcd efgh ij", groupFingerprint("abcdefghij"))
	assert.Equal(t, "", groupFingerprint(""))
}
