package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// ExecuteCommand runs a command on the remote host.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	startTime := time.Now()

	log.Debug().Str("host", c.config.Host).Str("command", cmd).Msg("executing command")

	sshClient, err := c.getClient()
	if err != nil {
		return "", "", err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return "", "", &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	stdout = strings.TrimSpace(stdoutBuf.String())
	stderr = strings.TrimSpace(stderrBuf.String())

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(startTime)).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			return stdout, stderr, &TransportError{
				Op:  "execute",
				Err: fmt.Errorf("command exited with code %d: %s", exitErr.ExitStatus(), stderr),
			}
		}
		return stdout, stderr, &TransportError{Op: "execute", Err: execErr, IsTemporary: true}
	}

	return stdout, stderr, nil
}

// OpenSession starts cmd on the remote host with piped stdin and stdout.
// Closing stdin signals end of input; cleanup waits briefly for the command
// to exit and then closes the session.
func (c *SSHClient) OpenSession(ctx context.Context, cmd string) (io.WriteCloser, io.Reader, func() error, error) {
	log.Debug().Str("host", c.config.Host).Str("command", cmd).Msg("opening session")

	sshClient, err := c.getClient()
	if err != nil {
		return nil, nil, nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, nil, nil, &TransportError{
			Op:          "session",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}

	stdinPipe, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, nil, &TransportError{
			Op:          "session",
			Err:         fmt.Errorf("failed to create stdin pipe: %w", err),
			IsTemporary: true,
		}
	}

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, nil, &TransportError{
			Op:          "session",
			Err:         fmt.Errorf("failed to create stdout pipe: %w", err),
			IsTemporary: true,
		}
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, nil, nil, &TransportError{
			Op:          "session",
			Err:         fmt.Errorf("failed to start %q: %w", cmd, err),
			IsTemporary: true,
		}
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- session.Wait()
	}()

	cleanup := func() error {
		_ = stdinPipe.Close()
		select {
		case err := <-waitCh:
			session.Close()
			var exitErr *ssh.ExitError
			if err != nil && !errors.As(err, &exitErr) {
				return err
			}
			return nil
		case <-time.After(time.Second):
			log.Debug().Str("host", c.config.Host).Msg("session did not exit, closing")
			return session.Close()
		}
	}

	return stdinPipe, stdoutPipe, cleanup, nil
}
