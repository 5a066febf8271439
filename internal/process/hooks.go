package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// RunHooks executes every hook registered for phase. Blocking hooks run in
// order and a failing FailureModeFail hook aborts the remaining hooks for
// that phase and returns its error; async hooks are fired and not waited
// on. A nil hooks value or an empty phase is a no-op.
func RunHooks(ctx context.Context, hooks *LifecycleHooks, phase LifecyclePhase, baseEnv map[string]string) error {
	list := hooks.GetHooksForPhase(phase)
	if len(list) == 0 {
		return nil
	}

	for i := range list {
		h := list[i]
		h.GetDefaults()
		if h.RunMode == RunModeAsync {
			go func(h Hook) {
				_ = runHook(ctx, h, baseEnv)
			}(h)
			continue
		}
		if err := runHook(ctx, h, baseEnv); err != nil {
			if h.FailureMode == FailureModeIgnore {
				continue
			}
			return fmt.Errorf("hook %q (%s): %w", h.Name, phase, err)
		}
	}
	return nil
}

func runHook(ctx context.Context, h Hook, baseEnv map[string]string) error {
	runCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, h.Command, h.Args...)
	if h.WorkDir != "" {
		cmd.Dir = h.WorkDir
	}
	env := make(map[string]string, len(baseEnv)+len(h.Env))
	for k, v := range baseEnv {
		env[k] = v
	}
	for _, kv := range h.Env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	cmd.Env = mergeEnv(os.Environ(), env)
	return cmd.Run()
}
