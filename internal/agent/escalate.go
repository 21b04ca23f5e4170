package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/vesaa/opensqm/internal/config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Escalator is the last resort when the photometer stays unreachable, e.g.
// power-cycling the host it hangs off.
type Escalator interface {
	Escalate(ctx context.Context) error
	String() string
}

// NewEscalator builds the escalator for _reboot_on_connlost. It returns nil
// when escalation is disabled. A configured _reboot_ssh_host runs the command
// over SSH; otherwise it runs locally.
func NewEscalator(cfg *config.Config, logger *log.Logger) (Escalator, error) {
	if !cfg.RebootOnConnLost {
		return nil, nil
	}
	if cfg.RebootSSHHost != "" {
		cmd := cfg.RebootCommand
		if cmd == "" {
			cmd = "sudo reboot"
		}
		var keyPEM string
		if cfg.RebootSSHKeyPath != "" {
			b, err := os.ReadFile(cfg.RebootSSHKeyPath)
			if err != nil {
				return nil, &config.Error{Key: "_reboot_ssh_key_path", Err: err}
			}
			keyPEM = string(b)
		}
		return &SSHEscalator{
			Host:     cfg.RebootSSHHost,
			User:     cfg.RebootSSHUser,
			Password: cfg.RebootSSHPassword,
			KeyPEM:   keyPEM,
			Command:  cmd,
			Logger:   logger,
		}, nil
	}
	if cfg.RebootCommand == "" {
		return nil, &config.Error{Key: "_reboot_command", Err: config.ErrMissing}
	}
	return &CommandEscalator{Command: cfg.RebootCommand}, nil
}

// ── Local command ────────────────────────────────────────────────────────────

// CommandEscalator runs a shell command on this host.
type CommandEscalator struct {
	Command string
}

func (e *CommandEscalator) Escalate(ctx context.Context) error {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", e.Command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", e.Command)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", e.Command, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (e *CommandEscalator) String() string { return "command " + e.Command }

// ── SSH ──────────────────────────────────────────────────────────────────────

// SSHEscalator runs Command on a remote host, typically the single-board
// computer or smart plug controller that powers the photometer.
type SSHEscalator struct {
	Host     string // host or host:port
	User     string
	Password string
	KeyPEM   string
	Command  string
	Logger   *log.Logger
}

func (e *SSHEscalator) String() string { return "ssh " + e.User + "@" + e.Host }

func (e *SSHEscalator) Escalate(ctx context.Context) error {
	client, err := e.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	done := make(chan error, 1)
	var out []byte
	go func() {
		var runErr error
		out, runErr = sess.CombinedOutput(e.Command)
		done <- runErr
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err = <-done:
	}

	// A rebooting host drops the session before reporting an exit status.
	var missing *ssh.ExitMissingError
	if err != nil && !errors.As(err, &missing) {
		return fmt.Errorf("%s [%s]: %v: %s", e.Command, e.Host, err, strings.TrimSpace(string(out)))
	}
	if msg := strings.TrimSpace(string(out)); msg != "" && e.Logger != nil {
		e.Logger.Printf("[ssh:%s] %s", e.Host, msg)
	}
	return nil
}

// dial connects with password and/or key authentication.
func (e *SSHEscalator) dial(ctx context.Context) (*ssh.Client, error) {
	var authMethods []ssh.AuthMethod
	if e.KeyPEM != "" {
		signer, err := ssh.ParsePrivateKey([]byte(e.KeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parsing SSH key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if e.Password != "" {
		authMethods = append(authMethods, ssh.Password(e.Password))
	}

	cfg := &ssh.ClientConfig{
		User:            e.User,
		Auth:            authMethods,
		HostKeyCallback: e.hostKeyCallback(),
		Timeout:         15 * time.Second,
	}

	addr := e.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake %s: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// hostKeyCallback verifies against ~/.ssh/known_hosts when present.
func (e *SSHEscalator) hostKeyCallback() ssh.HostKeyCallback {
	if home, err := os.UserHomeDir(); err == nil {
		if cb, err := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts")); err == nil {
			return cb
		}
	}
	if e.Logger != nil {
		e.Logger.Printf("[ssh:%s] no known_hosts file, host key not verified", e.Host)
	}
	return ssh.InsecureIgnoreHostKey()
}
