package task

import (
	"encoding/json"
	"fmt"

	"github.com/izavyalov-dev/dispatchd/manifest"
)

// BuildInvocation turns a resolved manifest branch into a subprocess
// invocation. Ansible extra-vars are passed as a single JSON object rather
// than space-joined "k=v" pairs, so values containing whitespace or other
// shell metacharacters survive intact.
func BuildInvocation(dir string, branch manifest.Branch, env map[string]string) (Invocation, error) {
	switch branch.Method {
	case manifest.MethodAnsible:
		extraVars, err := json.Marshal(env)
		if err != nil {
			return Invocation{}, fmt.Errorf("task: encode extra-vars: %w", err)
		}
		return Invocation{
			Method: string(branch.Method),
			Dir:    dir,
			Argv: []string{
				"ansible-playbook",
				"-i", branch.Inventory,
				branch.Playbook,
				"--extra-vars", string(extraVars),
			},
			NotifyURL: branch.NotifyURL,
			Env:       env,
		}, nil
	case manifest.MethodMakefile:
		return Invocation{
			Method:    string(branch.Method),
			Dir:       dir,
			Argv:      []string{"make", branch.Task},
			NotifyURL: branch.NotifyURL,
			Env:       env,
		}, nil
	default:
		return Invocation{}, fmt.Errorf("task: unknown method %q", branch.Method)
	}
}
