package deploy

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	DefaultNginxBin     = "nginx"
	DefaultProxyTimeout = 30 * time.Second
	commandWaitDelay    = 2 * time.Second
)

// Proxy is the reverse proxy that consumes the published map files.
type Proxy interface {
	// Test validates the proxy configuration without applying it.
	Test(ctx context.Context) error
	// Reload makes the proxy pick up the current configuration.
	Reload(ctx context.Context) error
}

// Nginx drives the nginx binary.
type Nginx struct {
	Bin     string
	Timeout time.Duration
}

func NewNginx(bin string, timeout time.Duration) *Nginx {
	if strings.TrimSpace(bin) == "" {
		bin = DefaultNginxBin
	}
	if timeout <= 0 {
		timeout = DefaultProxyTimeout
	}
	return &Nginx{Bin: bin, Timeout: timeout}
}

func (n *Nginx) Test(ctx context.Context) error {
	return n.run(ctx, "-t")
}

func (n *Nginx) Reload(ctx context.Context) error {
	return n.run(ctx, "-s", "reload")
}

func (n *Nginx) run(ctx context.Context, args ...string) error {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = DefaultProxyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, n.Bin, args...)
	cmd.WaitDelay = commandWaitDelay

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(output.String())
		if ctx.Err() != nil {
			err = fmt.Errorf("%w (%v)", ctx.Err(), err)
		}
		if msg == "" {
			return fmt.Errorf("%s %s: %w", n.Bin, strings.Join(args, " "), err)
		}
		return fmt.Errorf("%s %s: %w: %s", n.Bin, strings.Join(args, " "), err, msg)
	}
	return nil
}
