package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErr "github.com/skystack/engine/pkg/errors"
	"github.com/skystack/engine/pkg/logger"
)

// Manager hands out isolated working directories under a common root.
type Manager struct {
	root      string
	retainAll bool
}

// NewManager creates a workspace manager. An empty root falls back to the
// OS temp directory. retainAll is the debug flag that keeps every workspace
// on disk after release.
func NewManager(root string, retainAll bool) (*Manager, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "skystack-workspaces")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeConfiguration, "create workspace root failed")
	}
	return &Manager{root: root, retainAll: retainAll}, nil
}

// Workspace is a filesystem scope owned exclusively by one tool run.
type Workspace struct {
	DeploymentID uuid.UUID
	Dir          string

	retained  bool
	retainAll bool
}

// Create allocates a fresh directory for one deployment attempt. The
// timestamp component keeps retries from colliding with a retained earlier
// attempt.
func (m *Manager) Create(deploymentID uuid.UUID) (*Workspace, error) {
	dir := filepath.Join(m.root, deploymentID.String(), strconv.FormatInt(time.Now().UnixNano(), 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "create workspace failed")
	}
	logger.L().Debug("workspace created", zap.String("deployment_id", deploymentID.String()), zap.String("dir", dir))
	return &Workspace{DeploymentID: deploymentID, Dir: dir, retainAll: m.retainAll}, nil
}

// Open attaches to an existing workspace directory, e.g. a retained apply
// workspace that a destroy run reuses.
func (m *Manager) Open(deploymentID uuid.UUID, dir string) (*Workspace, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, appErr.Wrap(err, appErr.CodeNotFound, fmt.Sprintf("workspace %q does not exist", dir))
	}
	return &Workspace{DeploymentID: deploymentID, Dir: dir, retainAll: m.retainAll}, nil
}

// OpenOrCreateGroup returns the long-lived workspace backing a resource
// group. Group workspaces live outside the per-deployment attempt tree and
// are never released implicitly.
func (m *Manager) OpenOrCreateGroup(family, name string) (*Workspace, error) {
	dir := filepath.Join(m.root, "groups", family, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "create group workspace failed")
	}
	return &Workspace{Dir: dir, retained: true, retainAll: m.retainAll}, nil
}

// GroupDirs lists existing group workspace directories for one cloud family.
func (m *Manager) GroupDirs(family string) ([]string, error) {
	base := filepath.Join(m.root, "groups", family)
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list group workspaces failed")
	}
	dirs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(base, e.Name()))
		}
	}
	return dirs, nil
}

// StageTemplate copies the template body into the workspace as main.tf.
func (w *Workspace) StageTemplate(templatePath string) error {
	body, err := os.ReadFile(templatePath)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeConfiguration, fmt.Sprintf("read template %q failed", templatePath))
	}
	if err := os.WriteFile(filepath.Join(w.Dir, "main.tf"), body, 0o644); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "stage template failed")
	}
	return nil
}

// WriteVars renders terraform.tfvars from the parameter mapping. Rendering
// is type-aware: strings are quoted, booleans and numbers literal, lists and
// maps serialized to HCL syntax. Keys are sorted for stable output.
func (w *Workspace) WriteVars(params map[string]any) error {
	var b strings.Builder
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := renderValue(params[k])
		if err != nil {
			return appErr.Wrap(err, appErr.CodeValidation, fmt.Sprintf("parameter %q cannot be rendered", k))
		}
		fmt.Fprintf(&b, "%s = %s\n", k, v)
	}
	if err := os.WriteFile(filepath.Join(w.Dir, "terraform.tfvars"), []byte(b.String()), 0o644); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "write tfvars failed")
	}
	return nil
}

// WriteMain writes template content directly as main.tf.
func (w *Workspace) WriteMain(content string) error {
	if err := os.WriteFile(filepath.Join(w.Dir, "main.tf"), []byte(content), 0o644); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "write main.tf failed")
	}
	return nil
}

// WriteProviderConfig writes the provider/credentials block rendered by the
// cloud adapter.
func (w *Workspace) WriteProviderConfig(content string) error {
	if err := os.WriteFile(filepath.Join(w.Dir, "provider.tf"), []byte(content), 0o644); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "write provider config failed")
	}
	return nil
}

// Retain marks the workspace to survive Release, e.g. after an apply
// failure so partial state can be inspected or destroyed later.
func (w *Workspace) Retain() {
	w.retained = true
}

// Retained reports whether the workspace will survive Release.
func (w *Workspace) Retained() bool {
	return w.retained || w.retainAll
}

// Release removes the workspace directory unless it is retained. It is safe
// on every exit path including timeout and cancellation.
func (w *Workspace) Release() error {
	if w.Retained() {
		logger.L().Info("workspace retained", zap.String("dir", w.Dir))
		return nil
	}
	if err := os.RemoveAll(w.Dir); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "release workspace failed")
	}
	// Drop the per-deployment parent when this was its last attempt dir.
	parent := filepath.Dir(w.Dir)
	if entries, err := os.ReadDir(parent); err == nil && len(entries) == 0 {
		_ = os.Remove(parent)
	}
	return nil
}

// Purge removes the workspace directory regardless of retention. Used when
// a group is deleted for good.
func (w *Workspace) Purge() error {
	if err := os.RemoveAll(w.Dir); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "purge workspace failed")
	}
	return nil
}

func renderValue(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "null", nil
	case string:
		return strconv.Quote(t), nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case json.Number:
		return t.String(), nil
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			s, err := renderValue(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(t))
		for _, k := range keys {
			s, err := renderValue(t[k])
			if err != nil {
				return "", err
			}
			parts = append(parts, fmt.Sprintf("%s = %s", strconv.Quote(k), s))
		}
		return "{ " + strings.Join(parts, ", ") + " }", nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
