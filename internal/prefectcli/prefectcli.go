// Package prefectcli wraps the parts of the prefect command line the
// reconciler shells out to.
package prefectcli

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/uuid"
)

// ErrNilID is returned when asked to delete the zero deployment id
var ErrNilID = errors.New("refusing to delete nil deployment id")

// Client implements deployment deletion by shelling out to the prefect CLI
type Client struct {
	command []string
}

// NewClient creates a new CLI client. command is the executable and any
// leading arguments, e.g. "prefect" or "uv run prefect".
func NewClient(command string) *Client {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		fields = []string{"prefect"}
	}
	return &Client{command: fields}
}

// DeleteDeployment runs `prefect deployment delete --id <id>` and returns the
// combined output. A non-zero exit is reported as an error together with the
// output so the caller can log it.
func (c *Client) DeleteDeployment(ctx context.Context, id uuid.UUID) (string, error) {
	if id == uuid.Nil {
		return "", ErrNilID
	}

	args := append(c.command[1:len(c.command):len(c.command)], "deployment", "delete", "--id", id.String())
	cmd := exec.CommandContext(ctx, c.command[0], args...)
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		return out, fmt.Errorf("prefect deployment delete --id %s failed: %w", id, err)
	}
	return out, nil
}

// IsAvailable checks that the CLI can be executed
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	path, err := exec.LookPath(c.command[0])
	if err != nil {
		return false, fmt.Errorf("%s not available: %w", c.command[0], err)
	}

	args := append(c.command[1:len(c.command):len(c.command)], "version")
	if err := exec.CommandContext(ctx, path, args...).Run(); err != nil {
		return false, fmt.Errorf("%s version failed: %w", c.command[0], err)
	}
	return true, nil
}
