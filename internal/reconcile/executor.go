package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailindex/internal/model"
)

// Executor carries out a command against the external mail store. On
// success it returns the name of the mailbox the message now lives in, or
// "" when that is unknown.
type Executor interface {
	ExecuteAction(ctx context.Context, cmd Command) (string, error)
}

// NopExecutor accepts every command without touching any mail store. It is
// used when backward sync is disabled.
type NopExecutor struct {
	Log *logrus.Entry
}

// ExecuteAction logs cmd and reports the conventional destination mailbox.
func (e NopExecutor) ExecuteAction(_ context.Context, cmd Command) (string, error) {
	if e.Log != nil {
		e.Log.WithFields(logrus.Fields{
			"action":     cmd.Action,
			"message_id": cmd.MessageID,
		}).Debug("Skipping external action")
	}
	return destinationName(cmd.Action), nil
}

func destinationName(action model.SyncAction) string {
	switch action {
	case model.SyncActionArchive:
		return "Archive"
	case model.SyncActionDelete:
		return "Trash"
	}
	return ""
}

const defaultOSAScriptTimeout = 30 * time.Second

// OSAScriptExecutor runs the command's AppleScript through osascript.
type OSAScriptExecutor struct {
	// Path is the osascript binary; empty means "osascript" on PATH.
	Path string

	// Timeout bounds one script run; zero means 30 seconds.
	Timeout time.Duration
}

// ExecuteAction runs cmd.Script and returns the script's trimmed output.
func (e OSAScriptExecutor) ExecuteAction(ctx context.Context, cmd Command) (string, error) {
	if cmd.Script == "" {
		return "", fmt.Errorf("empty script for %s", cmd.Action)
	}

	path := e.Path
	if path == "" {
		path = "osascript"
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultOSAScriptTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, path, "-e", cmd.Script)
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("running osascript: %w: %s", err, msg)
		}
		return "", fmt.Errorf("running osascript: %w", err)
	}

	return strings.TrimSpace(stdout.String()), nil
}
