package sandbox

import (
	"sort"
	"strconv"
	"strings"

	"github.com/psantana5/script-supervisor/pkg/config"
)

// DefaultPath is used when the supervisor itself has no PATH
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// baseEnv are forwarded from the supervisor environment when present
var baseEnv = []string{"PATH", "HOME", "LANG", "LC_ALL", "TZ", "DISPLAY"}

// forwardedPrefix marks feature toggles the script reads (USE_XVFB, USE_VNC)
const forwardedPrefix = "USE_"

// RunInfo identifies one execution in the child environment
type RunInfo struct {
	Attempt    int
	RunID      string
	ScriptPath string
}

// BuildEnv returns the minimal child environment. Nothing from environ is
// forwarded unless listed in baseEnv, prefixed USE_ or named in passthrough.
func BuildEnv(environ []string, passthrough []string, mounts config.PersistentMounts, run RunInfo) []string {
	allowed := make(map[string]bool, len(baseEnv)+len(passthrough))
	for _, name := range baseEnv {
		allowed[name] = true
	}
	for _, name := range passthrough {
		allowed[name] = true
	}

	env := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		if allowed[name] || strings.HasPrefix(name, forwardedPrefix) {
			env[name] = value
		}
	}
	if env["PATH"] == "" {
		env["PATH"] = DefaultPath
	}

	for _, mt := range mounts.List() {
		env[mt.Key] = mt.Path
	}
	env["RUN_ATTEMPT"] = strconv.Itoa(run.Attempt)
	env["RUN_ID"] = run.RunID
	env["SCRIPT_PATH"] = run.ScriptPath

	out := make([]string, 0, len(env))
	for name, value := range env {
		out = append(out, name+"="+value)
	}
	sort.Strings(out)
	return out
}
