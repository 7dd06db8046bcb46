// Package manifest loads and merges the per-repository task manifest
// (.deployer.conf or .hookshot.conf) found in a checkout, resolving the
// default section and per-branch overlay into a single Branch.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Method names a supported deployment method.
type Method string

const (
	MethodAnsible  Method = "ansible"
	MethodMakefile Method = "makefile"
)

var (
	ErrNoManifest         = errors.New("manifest: no .deployer.conf or .hookshot.conf found")
	ErrMissingDefault     = errors.New("manifest: missing [default] section")
	ErrInvalidMethod      = errors.New("manifest: method must be \"ansible\" or \"makefile\"")
	ErrMissingBranch      = errors.New("manifest: no configuration for requested branch")
	ErrIncompleteAnsible  = errors.New("manifest: could not resolve a playbook + inventory combination")
	ErrIncompleteMakefile = errors.New("manifest: could not resolve a make task")
	ErrPathEscapesRoot    = errors.New("manifest: path resolves outside the checkout root")
)

// Filenames tried, in order, in a checkout's root.
var Filenames = []string{".deployer.conf", ".hookshot.conf"}

type rawBranch struct {
	Method    string `toml:"method"`
	Playbook  string `toml:"playbook"`
	Inventory string `toml:"inventory"`
	Task      string `toml:"task"`
	NotifyURL string `toml:"notify_url"`
}

type rawManifest struct {
	Default rawBranch            `toml:"default"`
	Branch  map[string]rawBranch `toml:"branch"`
}

// Branch is the fully merged, method-specific configuration for one branch.
type Branch struct {
	Method    Method
	Playbook  string // absolute path, ansible only
	Inventory string // absolute path, ansible only
	Task      string // makefile only
	NotifyURL string
}

// Load finds and parses the manifest in root, then resolves the
// configuration for the named branch.
func Load(root, branch string) (Branch, error) {
	raw, err := loadRaw(root)
	if err != nil {
		return Branch{}, err
	}
	return resolve(raw, root, branch)
}

func loadRaw(root string) (rawManifest, error) {
	var lastErr error = ErrNoManifest
	for _, name := range Filenames {
		path := filepath.Join(root, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var raw rawManifest
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return rawManifest{}, fmt.Errorf("manifest: parse %s: %w", name, err)
		}
		return raw, nil
	}
	return rawManifest{}, lastErr
}

func resolve(raw rawManifest, root, branchName string) (Branch, error) {
	if raw.Default.Method == "" && raw.Branch == nil {
		return Branch{}, ErrMissingDefault
	}

	defaultMethod, err := parseMethod(raw.Default.Method, "")
	if err != nil {
		return Branch{}, err
	}

	branchCfg, ok := raw.Branch[branchName]
	if !ok {
		return Branch{}, ErrMissingBranch
	}

	method := defaultMethod
	if branchCfg.Method != "" {
		method, err = parseMethod(branchCfg.Method, defaultMethod)
		if err != nil {
			return Branch{}, err
		}
	}
	if method == "" {
		return Branch{}, ErrInvalidMethod
	}

	notifyURL := branchCfg.NotifyURL
	if notifyURL == "" {
		notifyURL = raw.Default.NotifyURL
	}

	result := Branch{Method: method, NotifyURL: notifyURL}

	switch method {
	case MethodAnsible:
		playbook, inventory, err := resolveAnsiblePaths(root, branchCfg, raw.Default)
		if err != nil {
			return Branch{}, err
		}
		result.Playbook = playbook
		result.Inventory = inventory
	case MethodMakefile:
		taskName := firstNonEmpty(branchCfg.Task, raw.Default.Task)
		if taskName == "" {
			return Branch{}, ErrIncompleteMakefile
		}
		if err := verifyMakeTask(root, taskName); err != nil {
			return Branch{}, err
		}
		result.Task = taskName
	}

	return result, nil
}

func parseMethod(s string, fallback Method) (Method, error) {
	switch s {
	case "":
		return fallback, nil
	case "ansible":
		return MethodAnsible, nil
	case "makefile", "make":
		return MethodMakefile, nil
	default:
		return "", ErrInvalidMethod
	}
}

// resolveAnsiblePaths picks a playbook/inventory combination for a branch,
// preferring configuration set on the branch itself and falling back to
// [default] only in the four patterns the original implementation
// accepts: both from the branch; inventory from the branch with playbook
// from default; playbook from the branch with inventory from default (only
// when default sets no playbook of its own); or both from default. Any
// other combination - notably a branch overriding only one of the two
// fields while default also sets both - is rejected as ambiguous rather
// than silently guessed at.
func resolveAnsiblePaths(root string, branchCfg, defaultCfg rawBranch) (playbook, inventory string, err error) {
	bp, err := optionalVerifiedFile(root, branchCfg.Playbook)
	if err != nil {
		return "", "", err
	}
	bi, err := optionalVerifiedFile(root, branchCfg.Inventory)
	if err != nil {
		return "", "", err
	}
	dp, err := optionalVerifiedFile(root, defaultCfg.Playbook)
	if err != nil {
		return "", "", err
	}
	di, err := optionalVerifiedFile(root, defaultCfg.Inventory)
	if err != nil {
		return "", "", err
	}

	switch {
	case bp != "" && bi != "":
		return bp, bi, nil
	case bp == "" && bi != "" && dp != "":
		return dp, bi, nil
	case bp != "" && bi == "" && dp == "" && di != "":
		return bp, di, nil
	case bp == "" && bi == "" && dp != "" && di != "":
		return dp, di, nil
	default:
		return "", "", ErrIncompleteAnsible
	}
}

func optionalVerifiedFile(root, path string) (string, error) {
	if path == "" {
		return "", nil
	}
	return verifyFile(root, path)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// verifyFile resolves path relative to root, checks it stays within root,
// and that it names an existing file. Returns the absolute path.
func verifyFile(root, path string) (string, error) {
	abs, err := containedPath(root, path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("manifest: %q does not exist", path)
	}
	return abs, nil
}

func containedPath(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(absRoot, path)
	rel, err := filepath.Rel(absRoot, joined)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathEscapesRoot
	}
	return joined, nil
}

// verifyMakeTask requires the checkout's Makefile to declare the named
// target before accepting it, supplementing the manifest's method
// validation with the same guard the original implementation applies.
func verifyMakeTask(root, taskName string) error {
	data, err := os.ReadFile(filepath.Join(root, "Makefile"))
	if err != nil {
		return fmt.Errorf("manifest: cannot open Makefile: %w", err)
	}
	header := taskName + ":"
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, header) {
			return nil
		}
	}
	return fmt.Errorf("manifest: Makefile has no target %q", taskName)
}
