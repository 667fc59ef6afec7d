// Package tap follows the job stream of a running listener over websocket
// and exits once a message matches a success or failure rule.
package tap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kehao95/gh-listener/internal/job"
)

// Exit codes returned through ExitError.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitTimeout = 124
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

type Config struct {
	ServerURL string
	Events    []string
	SuccessOn []Rule
	FailureOn []Rule
	// Timeout bounds the whole run, across reconnects. Zero waits forever.
	Timeout time.Duration
}

// ExitError ends a run with a process exit code.
type ExitError struct {
	Code int
}

func (e ExitError) Error() string {
	return fmt.Sprintf("exit with code %d", e.Code)
}

func (e ExitError) ExitCode() int {
	return e.Code
}

// Run streams messages to out, one JSON document per line, reconnecting with
// exponential backoff until ctx ends or a rule or the timeout produces an
// ExitError.
func Run(ctx context.Context, cfg Config, out io.Writer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, cfg.Timeout, ExitError{Code: ExitTimeout})
		defer cancel()
	}

	w := bufio.NewWriter(out)
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return cause(ctx)
		}

		logger.Info("connecting", zap.String("url", cfg.ServerURL))
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.ServerURL, nil)
		if err != nil {
			logger.Warn("connect failed", zap.Error(err), zap.Duration("retry_in", backoff))
			wait(ctx, backoff)
			backoff = nextBackoff(backoff)
			continue
		}

		logger.Info("connected", zap.String("url", cfg.ServerURL))
		backoff = initialBackoff

		if err := sendSubscribe(conn, cfg.Events); err != nil {
			logger.Warn("subscribe failed", zap.Error(err))
			_ = conn.Close()
			wait(ctx, backoff)
			backoff = nextBackoff(backoff)
			continue
		}

		err = readLoop(ctx, conn, w, logger, cfg)
		_ = conn.Close()

		var exitErr ExitError
		if errors.As(err, &exitErr) {
			return exitErr
		}
		if ctx.Err() != nil {
			return cause(ctx)
		}
		logger.Warn("disconnected", zap.Error(err))
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, w *bufio.Writer, logger *zap.Logger, cfg Config) error {
	done := make(chan error, 1)
	go func() {
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			if err := writeLine(w, message); err != nil {
				done <- err
				return
			}

			if !json.Valid(message) {
				logger.Warn("invalid json from server", zap.ByteString("message", message))
				continue
			}
			if MatchAny(cfg.SuccessOn, message) {
				done <- ExitError{Code: ExitSuccess}
				return
			}
			if MatchAny(cfg.FailureOn, message) {
				done <- ExitError{Code: ExitFailure}
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		_ = conn.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func writeLine(w *bufio.Writer, message []byte) error {
	if _, err := w.Write(message); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// cause maps a finished context to the error Run returns.
func cause(ctx context.Context) error {
	var exitErr ExitError
	if errors.As(context.Cause(ctx), &exitErr) {
		return exitErr
	}
	return ctx.Err()
}

func sendSubscribe(conn *websocket.Conn, events []string) error {
	encoded, err := json.Marshal(job.SubscribeMessage{
		Type:   job.MessageTypeSubscribe,
		Events: events,
	})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, encoded)
}

func wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
