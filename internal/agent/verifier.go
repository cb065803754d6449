package agent

import (
	"fmt"
	"strings"

	"github.com/jkaninda/devbot/internal/tools"
)

// Verifier inspects a non-error tool result and reports whether the task is
// complete. The loop stops with StateStoppedOK once a verifier passes.
type Verifier func(call tools.Call, res *tools.Result) bool

// RunExitZero passes when a run call exits with status 0.
func RunExitZero(_ tools.Call, res *tools.Result) bool {
	if res == nil || res.Kind != tools.KindRun || res.Status != tools.StatusOK {
		return false
	}
	code, ok := res.Artifacts["exit_code"].(int)
	return ok && code == 0
}

// ArtifactTrue passes when the result carries artifacts[key] == true.
func ArtifactTrue(key string) Verifier {
	return func(_ tools.Call, res *tools.Result) bool {
		if res == nil {
			return false
		}
		v, ok := res.Artifacts[key].(bool)
		return ok && v
	}
}

// ParseVerifier maps a config value to a verifier: "" (none),
// "run_exit_zero" or "artifact:<key>".
func ParseVerifier(s string) (Verifier, error) {
	switch {
	case s == "":
		return nil, nil
	case s == "run_exit_zero":
		return RunExitZero, nil
	case strings.HasPrefix(s, "artifact:"):
		key := strings.TrimPrefix(s, "artifact:")
		if key == "" {
			return nil, fmt.Errorf("verifier %q: missing artifact key", s)
		}
		return ArtifactTrue(key), nil
	default:
		return nil, fmt.Errorf("unknown verifier %q", s)
	}
}
