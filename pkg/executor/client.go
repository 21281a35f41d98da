// Package executor controls the executors that run offerd tasks on agents.
//
// An executor is reached over a control session (in production an SSH
// session started by the transports/ssh Dialer) that speaks the JSON-lines
// protocol of pkg/protocol: the executor announces itself with READY, then
// answers each CMD with EVENT progress lines and a final DONE or ERROR.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/offerd/pkg/protocol"
	"github.com/openfroyo/offerd/pkg/telemetry"
)

// SessionOpener opens a control session with the executor process on an
// agent host.
type SessionOpener interface {
	OpenSession(ctx context.Context, hostname string) (stdin io.WriteCloser, stdout io.Reader, cleanup func() error, err error)
}

// HostResolver maps an executor id to the hostname of its agent.
type HostResolver interface {
	ResolveHost(ctx context.Context, executorID string) (string, error)
}

// ShutdownResult is the outcome of one Shutdown call. Err is nil when the
// executor confirmed the shutdown.
type ShutdownResult struct {
	ExecutorID string
	Stopped    []string
	Duration   time.Duration
	Err        error
}

// ErrShutdownTimeout is reported when the executor did not answer in time.
var ErrShutdownTimeout = errors.New("executor shutdown timed out")

// Config contains client configuration options.
type Config struct {
	Opener   SessionOpener
	Resolver HostResolver
	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics

	// GracePeriod is passed to the executor as the time its tasks get to stop.
	GracePeriod time.Duration
}

// Client sends control commands to executors.
type Client struct {
	opener      SessionOpener
	resolver    HostResolver
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	gracePeriod time.Duration
}

// NewClient creates a new executor client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.Opener == nil {
		return nil, fmt.Errorf("session opener is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("host resolver is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	grace := cfg.GracePeriod
	if grace == 0 {
		grace = 10 * time.Second
	}
	return &Client{
		opener:      cfg.Opener,
		resolver:    cfg.Resolver,
		logger:      logger.NewComponentLogger("executor"),
		metrics:     cfg.Metrics,
		gracePeriod: grace,
	}, nil
}

// Shutdown asks an executor to stop all of its tasks and exit. It returns
// immediately; exactly one result is delivered on the returned channel,
// at the latest when timeout elapses or ctx is done.
func (c *Client) Shutdown(ctx context.Context, executorID string, timeout time.Duration) <-chan ShutdownResult {
	resultCh := make(chan ShutdownResult, 1)

	go func() {
		defer close(resultCh)

		start := time.Now()
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		stopped, err := c.shutdown(ctx, executorID, timeout)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrShutdownTimeout, timeout, err)
		}

		res := ShutdownResult{
			ExecutorID: executorID,
			Stopped:    stopped,
			Duration:   time.Since(start),
			Err:        err,
		}

		logger := c.logger.WithField("executor_id", executorID).WithField("duration", res.Duration.String())
		switch {
		case err == nil:
			c.metrics.RecordShutdown("success")
			logger.Info("executor shut down")
		case errors.Is(err, ErrShutdownTimeout):
			c.metrics.RecordShutdown("timeout")
			logger.WithError(err).Warn("executor shutdown timed out")
		default:
			c.metrics.RecordShutdown("failure")
			logger.WithError(err).Warn("executor shutdown failed")
		}

		resultCh <- res
	}()

	return resultCh
}

func (c *Client) shutdown(ctx context.Context, executorID string, timeout time.Duration) ([]string, error) {
	host, err := c.resolver.ResolveHost(ctx, executorID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executor %s: %w", executorID, err)
	}

	stdin, stdout, cleanup, err := c.opener.OpenSession(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("failed to open control session on %s: %w", host, err)
	}

	type outcome struct {
		stopped []string
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		stopped, err := c.converse(stdin, stdout, executorID, timeout)
		done <- outcome{stopped, err}
	}()

	select {
	case <-ctx.Done():
		// Closing the session unblocks the reader goroutine.
		if err := cleanup(); err != nil {
			c.logger.WithError(err).Debug("failed to close control session")
		}
		<-done
		return nil, ctx.Err()
	case out := <-done:
		if err := cleanup(); err != nil {
			c.logger.WithError(err).Debug("failed to close control session")
		}
		return out.stopped, out.err
	}
}

// converse waits for READY, sends the shutdown command and reads until the
// executor answers it.
func (c *Client) converse(stdin io.Writer, stdout io.Reader, executorID string, timeout time.Duration) ([]string, error) {
	encoder := protocol.NewEncoder(stdin)
	decoder := protocol.NewDecoder(stdout)

	msg, err := decoder.Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to receive READY: %w", err)
	}
	if msg.Type != protocol.MessageTypeReady {
		return nil, fmt.Errorf("expected READY, got %s", msg.Type)
	}
	var ready protocol.ReadyMessage
	if err := protocol.DecodeData(msg, &ready); err != nil {
		return nil, err
	}
	if ready.Version != protocol.Version {
		return nil, fmt.Errorf("unsupported protocol version %q", ready.Version)
	}

	params, err := protocol.MarshalParams(&protocol.ShutdownParams{
		ExecutorID:  executorID,
		GracePeriod: int(c.gracePeriod.Seconds()),
	})
	if err != nil {
		return nil, err
	}
	cmd := &protocol.CommandMessage{
		ID:      uuid.NewString(),
		Type:    protocol.CommandTypeShutdown,
		Timeout: max(1, int(timeout.Seconds())),
		Params:  params,
	}
	if err := encoder.EncodeCommand(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	for {
		msg, err := decoder.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.DecodeData(msg, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			c.logger.WithField("executor_id", executorID).Debug(event.Message)

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.DecodeData(msg, &done); err != nil {
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			var result protocol.ShutdownResult
			if len(done.Result) > 0 {
				if err := protocol.ParseParams(done.Result, &result); err != nil {
					return nil, err
				}
			}
			return result.Stopped, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.DecodeData(msg, &errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
			}
			return nil, &errMsg

		case protocol.MessageTypeExit:
			// An executor that exits after the command has shut down.
			return nil, nil

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}
