package hub

import (
	"context"
	"errors"
	"os/exec"
)

// Launcher opens a URL in a new browser tab.
type Launcher interface {
	Launch(ctx context.Context, url string) error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, url string) error

func (f LauncherFunc) Launch(ctx context.Context, url string) error { return f(ctx, url) }

// ExecLauncher runs Command with Args followed by the URL. The process is
// started and released; the browser owns the tab from then on.
type ExecLauncher struct {
	Command string
	Args    []string
}

func (l ExecLauncher) Launch(ctx context.Context, url string) error {
	if l.Command == "" {
		return errors.New("exec launcher: no command")
	}
	args := append(append([]string{}, l.Args...), url)
	cmd := exec.Command(l.Command, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
