package safety

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRoots []string

func (s staticRoots) ProjectRoots(_ context.Context) ([]string, error) {
	return s, nil
}

func TestValidateWorkingDir(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	nested := filepath.Join(root, "repo")
	require.NoError(t, os.Mkdir(nested, 0o755))
	outside := t.TempDir()

	gate := NewGate([]string{root}, nil)

	t.Run("root itself", func(t *testing.T) {
		got, err := gate.ValidateWorkingDir(ctx, root)
		require.NoError(t, err)
		resolved, _ := filepath.EvalSymlinks(root)
		assert.Equal(t, resolved, got)
	})

	t.Run("nested dir", func(t *testing.T) {
		_, err := gate.ValidateWorkingDir(ctx, nested)
		assert.NoError(t, err)
	})

	t.Run("outside allowlist", func(t *testing.T) {
		_, err := gate.ValidateWorkingDir(ctx, outside)
		assert.ErrorIs(t, err, ErrNotInAllowlist)
	})

	t.Run("relative path", func(t *testing.T) {
		_, err := gate.ValidateWorkingDir(ctx, "repo")
		assert.ErrorIs(t, err, ErrNotAbsolute)
	})

	t.Run("missing dir", func(t *testing.T) {
		_, err := gate.ValidateWorkingDir(ctx, filepath.Join(root, "nope"))
		assert.ErrorIs(t, err, ErrNotExist)
	})

	t.Run("prefix sibling does not match", func(t *testing.T) {
		sibling := root + "-evil"
		require.NoError(t, os.Mkdir(sibling, 0o755))
		_, err := gate.ValidateWorkingDir(ctx, sibling)
		assert.ErrorIs(t, err, ErrNotInAllowlist)
	})

	t.Run("symlink escape is resolved", func(t *testing.T) {
		link := filepath.Join(root, "escape")
		require.NoError(t, os.Symlink(outside, link))
		_, err := gate.ValidateWorkingDir(ctx, link)
		assert.ErrorIs(t, err, ErrNotInAllowlist)
	})

	t.Run("project roots fallback", func(t *testing.T) {
		fallback := NewGate(nil, staticRoots{outside})
		_, err := fallback.ValidateWorkingDir(ctx, outside)
		assert.NoError(t, err)
	})
}

func TestValidateBinary(t *testing.T) {
	dir := t.TempDir()

	exe := filepath.Join(dir, "agent")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))
	assert.NoError(t, ValidateBinary(exe))

	plain := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))
	assert.ErrorIs(t, ValidateBinary(plain), ErrNotExecutable)

	assert.ErrorIs(t, ValidateBinary(dir), ErrNotExecutable)
	assert.ErrorIs(t, ValidateBinary(filepath.Join(dir, "missing")), ErrNotExecutable)
}

func TestBuildChildEnv(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("SECRET_TOKEN", "hush")
	t.Setenv("ANTHROPIC_API_KEY", "key")

	env := BuildChildEnv(nil)
	assert.Contains(t, env, "PATH=/usr/bin")
	assert.NotContains(t, env, "SECRET_TOKEN=hush")
	assert.NotContains(t, env, "ANTHROPIC_API_KEY=key")

	env = BuildChildEnv([]string{"ANTHROPIC_API_KEY"})
	assert.Contains(t, env, "ANTHROPIC_API_KEY=key")
	assert.NotContains(t, env, "SECRET_TOKEN=hush")
}

func TestValidateArgs(t *testing.T) {
	schema := []ArgSpec{
		{Name: "branch", Required: true, Pattern: `^[\w./-]+$`},
		{Name: "count"},
	}

	t.Run("valid", func(t *testing.T) {
		err := ValidateArgs(schema, map[string]any{"branch": "feature/x", "count": 3})
		assert.NoError(t, err)
	})

	t.Run("missing required", func(t *testing.T) {
		err := ValidateArgs(schema, map[string]any{"count": 3})
		assert.ErrorContains(t, err, "missing required argument")
	})

	t.Run("optional may be absent", func(t *testing.T) {
		err := ValidateArgs(schema, map[string]any{"branch": "main"})
		assert.NoError(t, err)
	})

	t.Run("pattern mismatch", func(t *testing.T) {
		err := ValidateArgs(schema, map[string]any{"branch": "bad branch!"})
		assert.ErrorContains(t, err, "does not match pattern")
	})

	t.Run("non-scalar rejected", func(t *testing.T) {
		err := ValidateArgs(schema, map[string]any{"branch": []string{"a"}})
		assert.ErrorContains(t, err, "non-scalar")
	})
}

func TestBuildCommandArgs(t *testing.T) {
	tokens := []string{"review", "--branch", "{{branch}}", "--limit", "{{limit}}"}

	t.Run("substitutes whole tokens", func(t *testing.T) {
		argv, err := BuildCommandArgs(tokens, map[string]any{"branch": "main", "limit": 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"review", "--branch", "main", "--limit", "10"}, argv)
	})

	t.Run("missing token value", func(t *testing.T) {
		_, err := BuildCommandArgs(tokens, map[string]any{"branch": "main"})
		assert.ErrorContains(t, err, "missing value for token")
	})

	t.Run("shell metacharacters rejected", func(t *testing.T) {
		_, err := BuildCommandArgs(tokens, map[string]any{"branch": "main; rm -rf /", "limit": 1})
		assert.ErrorContains(t, err, "disallowed characters")
	})

	t.Run("partial token is literal", func(t *testing.T) {
		argv, err := BuildCommandArgs([]string{"pre-{{branch}}"}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"pre-{{branch}}"}, argv)
	})
}

func TestInterpolatePrompt(t *testing.T) {
	vars := map[string]any{
		"task": map[string]any{"title": "Fix login", "id": 7},
		"cwd":  "/work/repo",
	}

	got := InterpolatePrompt("Work on {{task.title}} ({{task.id}}) in {{cwd}}. {{missing}} done.", vars)
	assert.Equal(t, "Work on Fix login (7) in /work/repo.  done.", got)
}
