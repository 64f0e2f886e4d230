package github

import (
	"context"
	"fmt"
	"os"
	"time"

	gh "github.com/google/go-github/v57/github"

	"storyline/internal/capability"
	"storyline/internal/domain"
)

const defaultWorkflow = "ci.yml"

// CI triggers GitHub Actions workflow runs.
type CI struct {
	client   *gh.Client
	workflow string
	Now      func() time.Time
}

// NewCI builds the provider from capability settings. Recognized keys:
// token_env, workflow.
func NewCI(settings map[string]string) (capability.Provider, error) {
	tokenEnv := settings["token_env"]
	if tokenEnv == "" {
		tokenEnv = defaultTokenEnv
	}
	token := os.Getenv(tokenEnv)
	if token == "" {
		return nil, fmt.Errorf("environment variable %s is not set", tokenEnv)
	}
	c := &CI{client: newClient(token), workflow: defaultWorkflow, Now: time.Now}
	if w := settings["workflow"]; w != "" {
		c.workflow = w
	}
	return c, nil
}

func (c *CI) Name() string { return "github" }

func (c *CI) Health(ctx context.Context) domain.HealthStatus {
	start := c.Now()
	status := domain.HealthStatus{CheckedAt: start.UTC().Format(time.RFC3339)}
	_, _, err := c.client.Users.Get(ctx, "")
	status.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		status.Message = fmt.Sprintf("token check failed: %v", err)
		return status
	}
	status.Healthy = true
	return status
}

// TriggerPipeline dispatches the configured workflow on the given branch.
func (c *CI) TriggerPipeline(ctx context.Context, repoURL, branch string) error {
	owner, name, err := splitRepoURL(repoURL)
	if err != nil {
		return err
	}
	_, err = c.client.Actions.CreateWorkflowDispatchEventByFileName(ctx, owner, name, c.workflow,
		gh.CreateWorkflowDispatchEventRequest{Ref: branch})
	if err != nil {
		return fmt.Errorf("dispatch workflow %s on %s: %w", c.workflow, branch, err)
	}
	return nil
}
