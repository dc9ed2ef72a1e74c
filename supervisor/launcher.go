package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// LaunchError is returned when a session's process could not be started. No session is registered in that case.
type LaunchError struct {
	Name string
	Kind Kind
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s session %q: %s", e.Kind, e.Name, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExecResult is the buffered outcome of an exec session.
type ExecResult struct {
	Code   int    `json:"code"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Launch starts a session of the given kind.
// Exec sessions block until the process exits and return its result; spawn and pty sessions return as soon as the
// process has started, with a nil result, and report output through the broadcaster.
func (s *Supervisor) Launch(ctx context.Context, owner, name string, kind Kind, spec CommandSpec) (*ExecResult, error) {
	switch kind {
	case KindExec:
		return s.exec(ctx, owner, name, spec)
	case KindSpawn:
		return nil, s.spawn(owner, name, spec)
	case KindPty:
		return nil, s.pty(owner, name, spec)
	}
	return nil, fmt.Errorf("unknown session kind %d", int(kind))
}

// begin registers a new session and returns it locked. The caller must either start the process and unlock it,
// or call abort.
func (s *Supervisor) begin(owner, name string, kind Kind) (*Session, error) {
	sess := newSession(owner, name, kind)
	sess.mu.Lock()
	if err := s.registry.Add(sess, s.now()); err != nil {
		sess.mu.Unlock()
		return nil, err
	}
	return sess, nil
}

func (s *Supervisor) abort(sess *Session, err error) error {
	s.registry.take(sess.Name, sess)
	sess.removed = true
	close(sess.done)
	sess.mu.Unlock()
	s.log.Infow("session failed to launch", "Name", sess.Name, "Kind", sess.Kind, "Owner", sess.Owner, "Error", err)
	return &LaunchError{Name: sess.Name, Kind: sess.Kind, Err: err}
}

func (s *Supervisor) command(shell string, spec CommandSpec) *exec.Cmd {
	cmd := exec.Command(shell, "-c", spec.CommandLine())
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Environ()...)
	return cmd
}

func (s *Supervisor) started(sess *Session) {
	s.log.Infow("session launched", "Name", sess.Name, "Kind", sess.Kind, "Owner", sess.Owner, "PID", sess.cmd.Process.Pid)
}

func (s *Supervisor) exec(ctx context.Context, owner, name string, spec CommandSpec) (*ExecResult, error) {
	sess, err := s.begin(owner, name, KindExec)
	if err != nil {
		return nil, err
	}

	cmd := s.command(s.shell, spec)
	setProcessGroup(cmd)
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, s.abort(sess, err)
	}
	sess.cmd = cmd
	s.started(sess)
	sess.mu.Unlock()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	// If the request goes away, so does the process.
	// In the normal case the process has finished before the context is done.
	select {
	case err = <-waitCh:
	case <-ctx.Done():
		s.log.Debugw("exec context done, killing", "Name", name, "Error", ctx.Err())
		s.registry.release(sess, true, nil)
		err = <-waitCh
	}
	close(sess.done)
	s.registry.release(sess, false, nil)

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		s.log.Warnw("unexpected exec wait error", "Name", name, "Error", err)
	}
	res := &ExecResult{
		Code:   -1,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		res.Code = cmd.ProcessState.ExitCode()
	}
	s.log.Infow("exec session exited", "Name", name, "Code", res.Code)
	return res, nil
}

func (s *Supervisor) spawn(owner, name string, spec CommandSpec) error {
	sess, err := s.begin(owner, name, KindSpawn)
	if err != nil {
		return err
	}

	cmd := s.command(s.shell, spec)
	setProcessGroup(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.abort(sess, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.abort(sess, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.abort(sess, err)
	}
	if err := cmd.Start(); err != nil {
		return s.abort(sess, err)
	}
	sess.cmd = cmd
	sess.inbox = make(chan []byte, inputQueueSize)
	s.started(sess)
	sess.mu.Unlock()

	go sess.writeInput(s.log, stdin)
	var wg sync.WaitGroup
	wg.Add(2)
	go s.pump(sess, stdout, EventStdout, wg.Done)
	go s.pump(sess, stderr, EventStderr, wg.Done)
	go func() {
		// the pipes must be read to completion before Wait closes them
		wg.Wait()
		s.exited(sess, cmd.Wait())
	}()
	return nil
}

func (s *Supervisor) pty(owner, name string, spec CommandSpec) error {
	sess, err := s.begin(owner, name, KindPty)
	if err != nil {
		return err
	}

	cmd := s.command(s.ptyShell, spec)
	cmd.Env = append(cmd.Env, "TERM="+spec.Term)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: spec.Cols, Rows: spec.Rows})
	if err != nil {
		return s.abort(sess, err)
	}
	sess.cmd = cmd
	sess.ptmx = ptmx
	sess.inbox = make(chan []byte, inputQueueSize)
	s.started(sess)
	sess.mu.Unlock()

	go sess.writeInput(s.log, ptmx)
	readDone := make(chan struct{})
	// On Linux the last read of a pty whose process has exited fails with EIO. It is forwarded as an error event
	// like any other read error, before the exit event.
	go s.pump(sess, ptmx, EventData, func() { close(readDone) })
	go func() {
		err := cmd.Wait()
		drain := time.NewTimer(ptyDrainTimeout)
		select {
		case <-readDone:
		case <-drain.C:
		}
		drain.Stop()
		ptmx.Close()
		<-readDone
		s.exited(sess, err)
	}()
	return nil
}

// MaxChunkSize is the most process output a single stdout, stderr or data event carries, not counting up to three
// bytes of a character split across reads.
const MaxChunkSize = 4 * 1024

// pump forwards everything read from r as events of type typ, then calls done.
// Read errors other than end of stream are forwarded as error events.
func (s *Supervisor) pump(sess *Session, r io.Reader, typ EventType, done func()) {
	defer done()
	buf := make([]byte, MaxChunkSize)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk, rest := splitUTF8(append(carry, buf[:n]...))
			carry = append([]byte(nil), rest...)
			if len(chunk) > 0 {
				s.emit(sess, Event{Type: typ, Data: string(chunk)})
			}
		}
		if err != nil {
			if len(carry) > 0 {
				s.emit(sess, Event{Type: typ, Data: string(carry)})
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.log.Debugw("session read error", "Name", sess.Name, "Stream", typ, "Error", err)
				s.emit(sess, Event{Type: EventError, Data: err.Error()})
			}
			return
		}
	}
}

// exited is called once a streaming session's process has been waited on and its output drained.
func (s *Supervisor) exited(sess *Session, waitErr error) {
	close(sess.done)

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		s.emit(sess, Event{Type: EventError, Data: waitErr.Error()})
	}
	code := -1
	if sess.cmd.ProcessState != nil {
		code = sess.cmd.ProcessState.ExitCode()
	}

	removed := s.registry.release(sess, false, func() {
		s.broadcaster.Broadcast(sess.Owner, Event{Name: sess.Name, Type: EventExit, Code: code})
	})
	s.log.Infow("session exited", "Name", sess.Name, "Kind", sess.Kind, "Code", code, "WasLive", removed)
}
