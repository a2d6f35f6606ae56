package toolhub

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIO is a transport that launches a tool server as a subprocess and speaks
// newline-delimited JSON-RPC over its stdin/stdout. Each StartSession launches
// a fresh process; stopping the session terminates it.
type StdIO struct {
	command string
	args    []string
	env     []string
	logger  *slog.Logger
}

// NewStdIO creates a stdio transport for the given command. env entries are
// appended to the current process environment.
func NewStdIO(command string, args, env []string) *StdIO {
	return &StdIO{
		command: command,
		args:    args,
		env:     env,
		logger:  slog.Default(),
	}
}

// StartSession launches the subprocess and returns its session. The context
// only governs the launch; the session outlives it once started.
func (s *StdIO) StartSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(s.command, s.args...)
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", s.command, err)
	}

	sess := newStdIOSession(cmd, stdin, stdout, s.logger)
	go sess.processWrites()
	go sess.processReads()

	// A dial cancelled between Start and here must not leave the child running.
	if err := ctx.Err(); err != nil {
		_ = cmd.Process.Kill()
		sess.Stop()
		return nil, err
	}
	return sess, nil
}

type stdioWrite struct {
	msg  []byte
	errs chan error
}

type stdioSession struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *slog.Logger

	writes      chan stdioWrite
	messages    chan JSONRPCMessage
	done        chan struct{}
	readClosed  chan struct{}
	writeClosed chan struct{}
	stopOnce    sync.Once

	errMu sync.Mutex
	err   error
}

func newStdIOSession(cmd *exec.Cmd, stdin io.WriteCloser, stdout io.ReadCloser, logger *slog.Logger) *stdioSession {
	return &stdioSession{
		id:          uuid.New().String(),
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdout,
		logger:      logger,
		writes:      make(chan stdioWrite),
		messages:    make(chan JSONRPCMessage, 16),
		done:        make(chan struct{}),
		readClosed:  make(chan struct{}),
		writeClosed: make(chan struct{}),
	}
}

func (s *stdioSession) ID() string {
	return s.id
}

func (s *stdioSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Newline framing: one message per line.
	msgBs = append(msgBs, '\n')

	w := stdioWrite{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the write so a single goroutine owns the pipe.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &TransportError{Op: "send", Err: ErrConnectionClosed}
	case s.writes <- w:
	}

	select {
	case err := <-w.errs:
		if err != nil {
			return &TransportError{Op: "send", Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &TransportError{Op: "send", Err: ErrConnectionClosed}
	}
}

func (s *stdioSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.messages:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// processReads owns stdout: it decodes lines into the message channel until
// the pipe ends or the session stops. Running it independently of Messages
// keeps Stop safe even when no one consumes the iterator.
func (s *stdioSession) processReads() {
	defer close(s.readClosed)
	defer close(s.messages)

	// bufio.Reader instead of bufio.Scanner to avoid max token size errors
	// on large payloads.
	reader := bufio.NewReader(s.stdout)
	for {
		type lineWithErr struct {
			line string
			err  error
		}

		lines := make(chan lineWithErr, 1)

		// Read in a goroutine so Stop is not blocked behind a stalled pipe.
		go func() {
			line, err := reader.ReadString('\n')
			if err != nil {
				lines <- lineWithErr{err: err}
				return
			}
			lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
		}()

		var lwe lineWithErr
		select {
		case <-s.done:
			return
		case lwe = <-lines:
		}

		if lwe.err != nil {
			if !errors.Is(lwe.err, io.EOF) {
				s.setErr(&TransportError{Op: "receive", Err: lwe.err})
			} else {
				s.recordExit()
			}
			return
		}

		if lwe.line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
			s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
			continue
		}

		select {
		case <-s.done:
			return
		case s.messages <- msg:
		}
	}
}

func (s *stdioSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *stdioSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.stdin.Close()
		<-s.readClosed
		<-s.writeClosed
		if err := s.cmd.Wait(); err != nil {
			s.logger.Debug("subprocess exited", slog.String("err", err.Error()))
		}
	})
}

func (s *stdioSession) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// recordExit captures an abnormal process exit after a clean EOF, so an
// unexpected crash surfaces as the session error.
func (s *stdioSession) recordExit() {
	select {
	case <-s.done:
		// Stop owns the wait.
		return
	default:
	}
	if err := s.cmd.Wait(); err != nil {
		s.setErr(&TransportError{Op: "receive", Err: err})
	}
}

func (s *stdioSession) processWrites() {
	defer close(s.writeClosed)

	for {
		var w stdioWrite
		select {
		case <-s.done:
			return
		case w = <-s.writes:
		}

		_, err := s.stdin.Write(w.msg)
		w.errs <- err
	}
}
