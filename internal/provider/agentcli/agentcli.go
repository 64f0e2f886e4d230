// Package agentcli runs a coding agent as an external command line tool and
// streams its output back as round messages.
package agentcli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"storyline/internal/capability"
	"storyline/internal/domain"
)

const defaultBinary = "opencode"

// Agent shells out to a CLI coding agent. The prompt goes in on stdin, the
// produced document comes back on stdout.
type Agent struct {
	Binary  string
	RunArgs []string
	Timeout time.Duration
	Now     func() time.Time
}

// New builds an Agent from capability settings. Recognized keys:
// binary (executable name), args (extra arguments, space separated),
// timeout_seconds (per-invocation deadline).
func New(settings map[string]string) (capability.Provider, error) {
	a := &Agent{Binary: defaultBinary, Now: time.Now}
	if b := settings["binary"]; b != "" {
		a.Binary = b
	}
	if args := settings["args"]; args != "" {
		a.RunArgs = strings.Fields(args)
	}
	if t := settings["timeout_seconds"]; t != "" {
		secs, err := strconv.Atoi(t)
		if err != nil || secs < 0 {
			return nil, fmt.Errorf("invalid timeout_seconds %q", t)
		}
		a.Timeout = time.Duration(secs) * time.Second
	}
	return a, nil
}

func (a *Agent) Name() string { return "cli" }

// Health checks that the binary is on PATH. No process is spawned.
func (a *Agent) Health(ctx context.Context) domain.HealthStatus {
	start := a.Now()
	status := domain.HealthStatus{CheckedAt: start.UTC().Format(time.RFC3339)}
	path, err := exec.LookPath(a.Binary)
	status.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		status.Message = fmt.Sprintf("%s not found on PATH", a.Binary)
		return status
	}
	status.Healthy = true
	status.Message = path
	return status
}

// Generate produces one document from the story's accumulated artifacts.
func (a *Agent) Generate(ctx context.Context, req capability.AgentRequest, emit capability.EmitFunc) (string, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return "", err
	}
	out, err := a.run(ctx, "", prompt, emit)
	if err != nil {
		return "", err
	}
	doc := strings.TrimSpace(out)
	if doc == "" {
		return "", fmt.Errorf("agent produced no output for %s", req.Kind)
	}
	return doc, nil
}

// Code asks the agent to implement the story inside the working copy.
func (a *Agent) Code(ctx context.Context, req capability.CodeRequest, emit capability.EmitFunc) error {
	var b strings.Builder
	b.WriteString("Implement the following story in the current repository.\n\n")
	b.WriteString("## Requirement\n\n")
	b.WriteString(req.Story.ConfirmedRequirement)
	b.WriteString("\n\n## Design\n\n")
	b.WriteString(req.Story.Design)
	if req.Story.TasksJSON != "" {
		b.WriteString("\n\n## Tasks\n\n")
		b.WriteString(req.Story.TasksJSON)
	}
	if req.Feedback != "" {
		b.WriteString("\n\n## Review feedback\n\n")
		b.WriteString(req.Feedback)
	}
	_, err := a.run(ctx, req.WorkDir, b.String(), emit)
	return err
}

// run spawns the agent process and streams stdout line by line.
func (a *Agent) run(ctx context.Context, dir, prompt string, emit capability.EmitFunc) (string, error) {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	args := append([]string{"run"}, a.RunArgs...)
	cmd := exec.CommandContext(ctx, a.Binary, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	cmd.Stdin = strings.NewReader(prompt)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", a.Binary, err)
	}

	var out strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		out.WriteString(line)
		out.WriteByte('\n')
		if emit != nil && strings.TrimSpace(line) != "" {
			emit(domain.MessageAssistant, line)
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s: %s", a.Binary, msg)
	}
	if scanErr != nil {
		return "", scanErr
	}
	return out.String(), nil
}

func buildPrompt(req capability.AgentRequest) (string, error) {
	var b strings.Builder
	switch req.Kind {
	case "requirement":
		b.WriteString("Write a structured requirement document for this story idea.\n\n")
		b.WriteString(req.Story.RawInput)
	case "clarification":
		b.WriteString("List the open questions that must be answered before this requirement can be planned.\n\n")
		b.WriteString(req.Story.Requirement)
	case "plan":
		b.WriteString("Write an implementation plan with a '## Tasks' section, one numbered task per line.\n\n")
		b.WriteString(req.Story.ConfirmedRequirement)
	case "design":
		b.WriteString("Write a technical design for this plan.\n\n")
		b.WriteString(req.Story.Plan)
	default:
		return "", fmt.Errorf("unknown document kind %q", req.Kind)
	}
	if req.Answers != "" {
		b.WriteString("\n\n## Answers\n\n")
		b.WriteString(req.Answers)
	}
	if req.Feedback != "" {
		b.WriteString("\n\n## Feedback\n\n")
		b.WriteString(req.Feedback)
	}
	return b.String(), nil
}
