package inject

import (
	"context"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"

	"github.com/go-analyze/bulk"
)

// HookPortEnv is the environment variable the hook client reads its server port from.
const HookPortEnv = "INJECT_HOOK_PORT"

// HookEnv returns the environment entries pointing the hook client at port.
func HookEnv(port int) []string {
	return []string{HookPortEnv + "=" + strconv.Itoa(port)}
}

// NewProjectExec creates a command that runs in projectDir with env applied over the process environment.
func NewProjectExec(ctx context.Context, projectDir string, env []string, name string, arg ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Dir = projectDir
	cmd.Env = mergeSafeEnv(env)
	return cmd
}

// NewProjectLoggedExec is NewProjectExec with output streamed to stdout and stderr.
func NewProjectLoggedExec(ctx context.Context, projectDir string, env []string, name string, arg ...string) *exec.Cmd {
	cmd := NewProjectExec(ctx, projectDir, env, name, arg...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

func mergeSafeEnv(env []string) []string {
	envKeys := make([]string, len(env)) // os values overridden by env
	for i, kv := range env {
		envKeys[i], _, _ = strings.Cut(kv, "=")
	}
	safeEnv := bulk.SliceFilterInPlace(func(envVar string) bool {
		key, _, _ := strings.Cut(envVar, "=")
		if key == "" || strings.HasPrefix(key, "LD_") {
			return false
		}
		return !slices.Contains(envKeys, key)
	}, os.Environ())
	return append(safeEnv, env...)
}
