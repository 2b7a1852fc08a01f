// Package charmexec runs rollout operations through the machine's charm
// runtime CLI. The runtime owns package installation and relation
// enforcement; this adapter only hands it operations and reads back what
// is applied.
package charmexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"hyperfleet"
)

// DefaultBinary is the charm runtime CLI expected on every enrolled
// machine.
const DefaultBinary = "charmctl"

// Runner shells out to the charm runtime CLI.
type Runner struct {
	binary string
}

var _ hyperfleet.Runner = (*Runner)(nil)

// New creates a Runner. An empty binary uses DefaultBinary.
func New(binary string) *Runner {
	if strings.TrimSpace(binary) == "" {
		binary = DefaultBinary
	}
	return &Runner{binary: binary}
}

// Run executes one operation. The op is passed as JSON on stdin so
// config values never hit the process table.
func (r *Runner) Run(ctx context.Context, op hyperfleet.Op) error {
	var args []string
	switch op.Kind {
	case hyperfleet.OpNoop:
		return nil
	case hyperfleet.OpApplyConfig:
		args = []string{"apply-config"}
	case hyperfleet.OpRebindRelation:
		args = []string{"rebind-relation", op.Relation}
	case hyperfleet.OpRollback:
		args = []string{"rollback"}
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}

	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode op: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return r.commandError(ctx, op.Describe(), &stderr, err)
	}
	return nil
}

// Observe asks the runtime what is currently applied. A runtime that was
// never configured reports an empty state, not an error.
func (r *Runner) Observe(ctx context.Context) (hyperfleet.Observed, error) {
	cmd := exec.CommandContext(ctx, r.binary, "observe", "--format", "json")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return hyperfleet.Observed{}, r.commandError(ctx, "observe", &stderr, err)
	}

	var observed hyperfleet.Observed
	if err := json.Unmarshal(stdout.Bytes(), &observed); err != nil {
		return hyperfleet.Observed{}, fmt.Errorf("decode observed state: %w", err)
	}
	return observed, nil
}

// commandError classifies a CLI failure. Deadline expiry and the
// runtime's own "busy" exit code are transient; everything else needs an
// operator.
func (r *Runner) commandError(ctx context.Context, what string, stderr *bytes.Buffer, err error) error {
	detail := strings.TrimSpace(stderr.String())
	if detail != "" {
		err = fmt.Errorf("%v: %s", err, detail)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s %s: %w", r.binary, what, ctx.Err())
	}

	// Exit code 75 (EX_TEMPFAIL) means the runtime is busy with an
	// earlier hook; retrying is expected to succeed.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 75 {
		return fmt.Errorf("%s %s: %w", r.binary, what, hyperfleet.Transient(err))
	}
	return fmt.Errorf("%s %s: %w", r.binary, what, err)
}
