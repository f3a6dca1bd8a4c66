package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-exec/tfexec"
	"go.uber.org/zap"

	"github.com/skystack/engine/internal/relay"
	appErr "github.com/skystack/engine/pkg/errors"
	"github.com/skystack/engine/pkg/logger"
)

// Phase names as they appear in progress events and persisted logs.
const (
	PhaseInit     = "init"
	PhasePlan     = "plan"
	PhaseApply    = "apply"
	PhaseOutputs  = "outputs"
	PhaseDestroy  = "destroy"
	PhaseValidate = "validate"
)

const planFile = "tfplan"

// errorTailLines bounds how much recent output is attached to a failure.
const errorTailLines = 20

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// stripANSI removes terminal color codes so persisted and relayed logs stay
// plain text.
func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// Options configures one Runner, which is bound to a single workspace
// directory and a single deployment.
type Options struct {
	Dir          string
	Binary       string // resolved from PATH when empty
	PhaseTimeout time.Duration
	DeploymentID uuid.UUID
	Events       relay.Sink
}

// Runner drives the terraform binary through its phases, streaming every
// output line to the event sink and classifying failures.
type Runner struct {
	dir          string
	phaseTimeout time.Duration
	deploymentID uuid.UUID
	sink         relay.Sink

	tf   *tfexec.Terraform
	out  *lineWriter
	tail *tailBuffer
}

// NewRunner builds a Runner for a prepared workspace. The workspace must
// already contain main.tf, provider.tf and terraform.tfvars.
func NewRunner(opts Options) (*Runner, error) {
	bin := opts.Binary
	if bin == "" {
		p, err := exec.LookPath("terraform")
		if err != nil {
			return nil, appErr.Wrap(err, appErr.CodeConfiguration, "terraform binary not found in PATH")
		}
		bin = p
	}

	tf, err := tfexec.NewTerraform(opts.Dir, bin)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeConfiguration, "create terraform executor failed")
	}

	sink := opts.Events
	if sink == nil {
		sink = relay.Discard
	}

	r := &Runner{
		dir:          opts.Dir,
		phaseTimeout: opts.PhaseTimeout,
		deploymentID: opts.DeploymentID,
		sink:         sink,
		tf:           tf,
		tail:         newTailBuffer(errorTailLines),
	}
	r.out = &lineWriter{emit: r.emitLine}
	tf.SetStdout(r.out)
	tf.SetStderr(r.out)
	return r, nil
}

func (r *Runner) emitLine(line string) {
	line = stripANSI(line)
	if strings.TrimSpace(line) == "" {
		return
	}
	r.tail.Add(line)
	r.sink.Publish(relay.Event{
		DeploymentID: r.deploymentID,
		Type:         relay.TypeLog,
		Phase:        r.out.Phase(),
		Line:         line,
	})
}

// Deploy runs the full create-or-update sequence: init, plan, apply, then
// output collection. It returns the template's output values.
func (r *Runner) Deploy(ctx context.Context) (map[string]any, error) {
	if err := r.runPhase(ctx, PhaseInit, 10, func(pc context.Context) error {
		return r.tf.Init(pc, tfexec.Upgrade(false))
	}); err != nil {
		return nil, err
	}

	if err := r.runPhase(ctx, PhasePlan, 35, func(pc context.Context) error {
		_, err := r.tf.Plan(pc, tfexec.Out(planFile))
		return err
	}); err != nil {
		return nil, err
	}

	if err := r.runPhase(ctx, PhaseApply, 60, func(pc context.Context) error {
		return r.tf.Apply(pc, tfexec.DirOrPlan(planFile))
	}); err != nil {
		return nil, err
	}

	var outputs map[string]any
	if err := r.runPhase(ctx, PhaseOutputs, 95, func(pc context.Context) error {
		metas, err := r.tf.Output(pc)
		if err != nil {
			return err
		}
		outputs = decodeOutputs(metas)
		return nil
	}); err != nil {
		return nil, err
	}
	return outputs, nil
}

// Destroy tears down everything the workspace's state tracks.
func (r *Runner) Destroy(ctx context.Context) error {
	if err := r.runPhase(ctx, PhaseInit, 10, func(pc context.Context) error {
		return r.tf.Init(pc, tfexec.Upgrade(false))
	}); err != nil {
		return err
	}
	return r.runPhase(ctx, PhaseDestroy, 50, func(pc context.Context) error {
		return r.tf.Destroy(pc)
	})
}

// Validate initializes the workspace and runs terraform validate. The
// boolean reports template validity; diagnostics are joined into the string.
func (r *Runner) Validate(ctx context.Context) (bool, string, error) {
	if err := r.runPhase(ctx, PhaseInit, 10, func(pc context.Context) error {
		return r.tf.Init(pc, tfexec.Upgrade(false))
	}); err != nil {
		return false, "", err
	}

	var valid bool
	var detail string
	err := r.runPhase(ctx, PhaseValidate, 50, func(pc context.Context) error {
		out, err := r.tf.Validate(pc)
		if err != nil {
			return err
		}
		valid = out.Valid
		msgs := make([]string, 0, len(out.Diagnostics))
		for _, d := range out.Diagnostics {
			msgs = append(msgs, fmt.Sprintf("%s: %s", d.Severity, d.Summary))
		}
		detail = strings.Join(msgs, "; ")
		return nil
	})
	if err != nil {
		return false, "", err
	}
	return valid, detail, nil
}

// StateResource is one resource tracked by the workspace's state file.
type StateResource struct {
	Address string
	Type    string
	Name    string
	Values  map[string]any
}

// StateResources reads the workspace state and returns its managed
// resources. The workspace must have been initialized.
func (r *Runner) StateResources(ctx context.Context) ([]StateResource, error) {
	state, err := r.tf.Show(ctx)
	if err != nil {
		return nil, appErr.Execution(err, appErr.ReasonExit, "terraform show failed")
	}
	if state == nil || state.Values == nil || state.Values.RootModule == nil {
		return nil, nil
	}
	resources := make([]StateResource, 0, len(state.Values.RootModule.Resources))
	for _, res := range state.Values.RootModule.Resources {
		resources = append(resources, StateResource{
			Address: res.Address,
			Type:    res.Type,
			Name:    res.Name,
			Values:  res.AttributeValues,
		})
	}
	return resources, nil
}

// runPhase executes one tool phase under its own wall-clock budget and
// translates the raw error into the engine's failure taxonomy.
func (r *Runner) runPhase(ctx context.Context, phase string, percent int, fn func(context.Context) error) error {
	r.out.SetPhase(phase)
	r.sink.Publish(relay.Event{
		DeploymentID: r.deploymentID,
		Type:         relay.TypeProgress,
		Phase:        phase,
		Percent:      percent,
	})
	logger.L().Info("tool phase starting",
		zap.String("deployment_id", r.deploymentID.String()),
		zap.String("phase", phase),
		zap.String("dir", r.dir))

	pc := ctx
	var cancel context.CancelFunc
	if r.phaseTimeout > 0 {
		pc, cancel = context.WithTimeout(ctx, r.phaseTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(pc)
	elapsed := time.Since(start)
	if err == nil {
		logger.L().Info("tool phase finished",
			zap.String("deployment_id", r.deploymentID.String()),
			zap.String("phase", phase),
			zap.Duration("elapsed", elapsed))
		return nil
	}

	logger.L().Error("tool phase failed",
		zap.String("deployment_id", r.deploymentID.String()),
		zap.String("phase", phase),
		zap.Duration("elapsed", elapsed),
		zap.Error(err))

	return r.classify(ctx, pc, phase, err)
}

func (r *Runner) classify(parent, phaseCtx context.Context, phase string, err error) error {
	if parent.Err() == context.Canceled {
		return appErr.Wrap(err, appErr.CodeCancelled, fmt.Sprintf("terraform %s cancelled", phase))
	}
	if phaseCtx.Err() == context.DeadlineExceeded {
		return appErr.Execution(err, appErr.ReasonTimeout,
			fmt.Sprintf("terraform %s exceeded the %s phase budget", phase, r.phaseTimeout)).
			WithMeta("phase", phase)
	}
	tail := r.tail.String()
	if isLockContention(err, tail) {
		return appErr.Execution(err, appErr.ReasonLockContention,
			fmt.Sprintf("terraform %s blocked on the state lock", phase)).
			WithMeta("phase", phase)
	}
	return appErr.Execution(err, appErr.ReasonExit, fmt.Sprintf("terraform %s failed", phase)).
		WithMeta("phase", phase).
		WithMeta("tail", tail)
}

// isLockContention detects Terraform's state-lock acquisition failure. The
// lock holder is usually an unrelated run that will finish; the attempt is
// worth retrying.
func isLockContention(err error, tail string) bool {
	const marker = "Error acquiring the state lock"
	return strings.Contains(err.Error(), marker) || strings.Contains(tail, marker)
}

func decodeOutputs(metas map[string]tfexec.OutputMeta) map[string]any {
	outputs := make(map[string]any, len(metas))
	for key, meta := range metas {
		var v any
		if err := json.Unmarshal(meta.Value, &v); err != nil {
			v = string(meta.Value)
		}
		outputs[key] = v
	}
	return outputs
}

// lineWriter splits subprocess output into lines and forwards each complete
// line. Terraform interleaves stdout and stderr; both feed the same writer.
type lineWriter struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	phase string
	emit  func(line string)
}

func (w *lineWriter) SetPhase(phase string) {
	w.mu.Lock()
	w.phase = phase
	w.mu.Unlock()
}

func (w *lineWriter) Phase() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	var lines []string
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(w.buf.Next(idx + 1))
		lines = append(lines, strings.TrimRight(line, "\r\n"))
	}
	w.mu.Unlock()

	for _, line := range lines {
		w.emit(line)
	}
	return len(p), nil
}

// Flush emits any trailing partial line. Call after the subprocess exits.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	rest := strings.TrimRight(w.buf.String(), "\r\n")
	w.buf.Reset()
	w.mu.Unlock()
	if rest != "" {
		w.emit(rest)
	}
}

// tailBuffer keeps the most recent N lines for error reporting.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Add(line string) {
	t.mu.Lock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
	t.mu.Unlock()
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
