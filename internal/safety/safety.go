// Package safety validates everything that crosses the boundary into a child
// process: working directories, binaries, environment, command arguments and
// templated prompts. Children are spawned without a shell, so validation is
// the defense, never quoting.
package safety

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrNotAbsolute is returned when a working directory is not an absolute path.
	ErrNotAbsolute = errors.New("working directory is not an absolute path")
	// ErrNotExist is returned when a working directory does not exist.
	ErrNotExist = errors.New("working directory does not exist")
	// ErrNotInAllowlist is returned when a working directory is outside the allowlist.
	ErrNotInAllowlist = errors.New("working directory not in allowlist")
	// ErrNotExecutable is returned when a binary path is not an executable file.
	ErrNotExecutable = errors.New("binary is not executable")
)

// ProjectRoots supplies additional allowed roots from durable storage, used
// as a fallback when the static allowlist misses.
type ProjectRoots interface {
	ProjectRoots(ctx context.Context) ([]string, error)
}

// Gate validates spawn inputs against a working-directory allowlist.
type Gate struct {
	allowedRoots []string
	projectRoots ProjectRoots // optional
}

// NewGate creates a Gate with a static allowlist and an optional database
// fallback. Allowlist entries are canonicalized lazily at validation time so
// entries that do not exist yet do not fail construction.
func NewGate(allowedRoots []string, fallback ProjectRoots) *Gate {
	return &Gate{allowedRoots: allowedRoots, projectRoots: fallback}
}

// ValidateWorkingDir resolves symlinks in path and checks it is inside the
// allowlist. Returns the canonical path. An exact match or a strict-prefix
// match under an allowlist entry (followed by a path separator) is accepted.
func (g *Gate) ValidateWorkingDir(ctx context.Context, path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %s", ErrNotAbsolute, path)
	}

	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	info, err := os.Stat(canonical)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotExist, path)
	}

	if g.within(canonical, g.allowedRoots) {
		return canonical, nil
	}

	// Static allowlist missed; consult project roots from the store.
	if g.projectRoots != nil {
		roots, err := g.projectRoots.ProjectRoots(ctx)
		if err == nil && g.within(canonical, roots) {
			return canonical, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrNotInAllowlist, canonical)
}

func (g *Gate) within(canonical string, roots []string) bool {
	for _, root := range roots {
		resolved, err := filepath.EvalSymlinks(root)
		if err != nil {
			continue
		}
		if canonical == resolved {
			return true
		}
		if strings.HasPrefix(canonical, resolved+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// ValidateBinary checks that path names an executable regular file.
func ValidateBinary(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotExecutable, path)
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return fmt.Errorf("%w: %s", ErrNotExecutable, path)
	}
	return nil
}

// envAllowlist is the fixed set of variables every child receives when
// present in the worker's environment. Everything else is dropped unless the
// agent declares it.
var envAllowlist = []string{
	"PATH",
	"HOME",
	"TERM",
	"COLORTERM",
	"LANG",
	"LC_ALL",
	"LC_CTYPE",
}

// BuildChildEnv returns the sanitized child environment: the fixed allowlist
// plus exactly the agent-declared keys. The parent environment is never
// spread wholesale.
func BuildChildEnv(agentAllowlist []string) []string {
	var env []string
	seen := make(map[string]bool)
	for _, key := range append(append([]string{}, envAllowlist...), agentAllowlist...) {
		if seen[key] {
			continue
		}
		seen[key] = true
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	return env
}

// ArgSpec describes one declared capability argument.
type ArgSpec struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
	Pattern  string `json:"pattern,omitempty"` // optional regexp the value must match
}

// ValidateArgs checks caller-supplied arguments against the capability's
// declared schema. Values must be scalars; pattern constraints are applied
// per field.
func ValidateArgs(schema []ArgSpec, args map[string]any) error {
	for _, spec := range schema {
		value, ok := args[spec.Name]
		if !ok {
			if spec.Required {
				return fmt.Errorf("missing required argument %q", spec.Name)
			}
			continue
		}
		s, err := scalarString(value)
		if err != nil {
			return fmt.Errorf("argument %q: %w", spec.Name, err)
		}
		if spec.Pattern != "" {
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return fmt.Errorf("argument %q has invalid pattern: %w", spec.Name, err)
			}
			if !re.MatchString(s) {
				return fmt.Errorf("argument %q does not match pattern %s", spec.Name, spec.Pattern)
			}
		}
	}
	return nil
}

func scalarString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return fmt.Sprintf("%t", v), nil
	case int, int32, int64, float32, float64:
		return fmt.Sprintf("%v", v), nil
	default:
		return "", fmt.Errorf("non-scalar value of type %T", value)
	}
}

// shellMeta matches characters that have meaning to a shell. Children are
// spawned without one, but rejecting these keeps argv values from becoming a
// foothold if a capability's command re-invokes sh itself.
var shellMeta = regexp.MustCompile("[;&|`$<>(){}\\\\\n\r]")

var tokenPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// BuildCommandArgs substitutes {{name}} tokens in the capability's argv
// template with validated values. Tokens are replaced only as whole tokens;
// values containing shell-meta characters are rejected.
func BuildCommandArgs(tokens []string, args map[string]any) ([]string, error) {
	argv := make([]string, 0, len(tokens))
	for _, token := range tokens {
		match := tokenPattern.FindStringSubmatch(token)
		if match == nil || match[0] != token {
			argv = append(argv, token)
			continue
		}
		name := match[1]
		value, ok := args[name]
		if !ok {
			return nil, fmt.Errorf("missing value for token %q", name)
		}
		s, err := scalarString(value)
		if err != nil {
			return nil, fmt.Errorf("token %q: %w", name, err)
		}
		if shellMeta.MatchString(s) {
			return nil, fmt.Errorf("value for token %q contains disallowed characters", name)
		}
		argv = append(argv, s)
	}
	return argv, nil
}

var promptToken = regexp.MustCompile(`\{\{([\w.]+)\}\}`)

// InterpolatePrompt replaces {{dotted.path}} tokens with values looked up in
// context. Missing keys become empty strings; interpolation never fails.
func InterpolatePrompt(template string, context map[string]any) string {
	return promptToken.ReplaceAllStringFunc(template, func(token string) string {
		path := strings.Split(token[2:len(token)-2], ".")
		var current any = context
		for _, key := range path {
			m, ok := current.(map[string]any)
			if !ok {
				return ""
			}
			current, ok = m[key]
			if !ok {
				return ""
			}
		}
		if s, err := scalarString(current); err == nil {
			return s
		}
		return ""
	})
}
