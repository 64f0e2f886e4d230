package agentcli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"storyline/internal/capability"
	"storyline/internal/domain"
)

func TestNewSettings(t *testing.T) {
	p, err := New(map[string]string{
		"binary":          "mycli",
		"args":            "--model fast --quiet",
		"timeout_seconds": "30",
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a := p.(*Agent)
	if a.Binary != "mycli" {
		t.Fatalf("binary = %q, want mycli", a.Binary)
	}
	if len(a.RunArgs) != 3 || a.RunArgs[0] != "--model" {
		t.Fatalf("args = %v", a.RunArgs)
	}
	if a.Timeout != 30*time.Second {
		t.Fatalf("timeout = %v, want 30s", a.Timeout)
	}

	p, err = New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if p.(*Agent).Binary != defaultBinary {
		t.Fatalf("binary = %q, want default", p.(*Agent).Binary)
	}

	if _, err := New(map[string]string{"timeout_seconds": "soon"}); err == nil {
		t.Fatal("expected error for a non-numeric timeout")
	}
}

func TestBuildPrompt(t *testing.T) {
	story := domain.Story{
		RawInput:             "raw",
		Requirement:          "req",
		ConfirmedRequirement: "confirmed",
		Plan:                 "plan",
	}
	inputs := map[string]string{
		"requirement":   "raw",
		"clarification": "req",
		"plan":          "confirmed",
		"design":        "plan",
	}
	for kind, want := range inputs {
		prompt, err := buildPrompt(capability.AgentRequest{Kind: kind, Story: story})
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if !strings.Contains(prompt, want) {
			t.Fatalf("%s prompt %q missing input %q", kind, prompt, want)
		}
	}

	prompt, err := buildPrompt(capability.AgentRequest{
		Kind:     "plan",
		Story:    story,
		Answers:  "the answers",
		Feedback: "the feedback",
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !strings.Contains(prompt, "the answers") || !strings.Contains(prompt, "the feedback") {
		t.Fatalf("prompt %q missing answers or feedback", prompt)
	}

	if _, err := buildPrompt(capability.AgentRequest{Kind: "poem"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestHealthMissingBinary(t *testing.T) {
	a := &Agent{Binary: "storyline-no-such-binary", Now: time.Now}
	status := a.Health(context.Background())
	if status.Healthy {
		t.Fatal("missing binary should be unhealthy")
	}
	if !strings.Contains(status.Message, "not found") {
		t.Fatalf("message = %q", status.Message)
	}
}

// writeScript installs a fake agent executable that echoes a fixed document.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\ncat >/dev/null\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestGenerateStreamsOutput(t *testing.T) {
	a := &Agent{
		Binary: writeScript(t, "echo '## Requirement'\necho ''\necho 'do the thing'\n"),
		Now:    time.Now,
	}
	var lines []string
	doc, err := a.Generate(context.Background(), capability.AgentRequest{
		Kind:  "requirement",
		Story: domain.Story{RawInput: "widget"},
	}, func(evtType, content string) {
		if evtType == domain.MessageAssistant {
			lines = append(lines, content)
		}
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(doc, "## Requirement") || !strings.Contains(doc, "do the thing") {
		t.Fatalf("doc = %q", doc)
	}
	// Blank lines are kept in the document but not emitted.
	if len(lines) != 2 {
		t.Fatalf("emitted %d lines, want 2: %v", len(lines), lines)
	}
}

func TestGenerateReportsStderr(t *testing.T) {
	a := &Agent{
		Binary: writeScript(t, "echo 'bad prompt' >&2\nexit 3\n"),
		Now:    time.Now,
	}
	_, err := a.Generate(context.Background(), capability.AgentRequest{
		Kind:  "requirement",
		Story: domain.Story{RawInput: "widget"},
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "bad prompt") {
		t.Fatalf("err = %v, want stderr surfaced", err)
	}
}

func TestGenerateEmptyOutput(t *testing.T) {
	a := &Agent{Binary: writeScript(t, "true\n"), Now: time.Now}
	_, err := a.Generate(context.Background(), capability.AgentRequest{
		Kind:  "requirement",
		Story: domain.Story{RawInput: "widget"},
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "no output") {
		t.Fatalf("err = %v, want empty output rejected", err)
	}
}
