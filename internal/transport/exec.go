package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// stopGrace is how long Close waits for the subprocess to exit after
// stdin is closed before killing it.
const stopGrace = 5 * time.Second

// maxFrameSize bounds a single newline-delimited frame from the server.
const maxFrameSize = 16 << 20 // 16 MiB

// Exec is a transport to a tool server running as a child process,
// exchanging newline-delimited JSON-RPC frames on stdin/stdout. It
// serves both the stdio descriptor kind (a server program path) and
// the localCommand kind (arbitrary command and args).
type Exec struct {
	logger *slog.Logger
	cmd    *exec.Cmd
	stdin  io.WriteCloser

	// frames carries stdout lines from the pump goroutine to Receive.
	// readErr is set before frames is closed.
	frames  chan []byte
	readErr error

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// newExec spawns the subprocess and wires its standard streams. The
// process is started immediately; failure to start leaves nothing
// running.
func newExec(ctx context.Context, command string, args, env []string, logger *slog.Logger) (*Exec, error) {
	logger.Info("starting tool server subprocess", "command", command, "args", args)

	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errorf(KindConnectFailed, "create stdin pipe", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, errorf(KindConnectFailed, "create stdout pipe", err)
	}

	// Capture stderr for logging — not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, errorf(KindConnectFailed, "create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return nil, errorf(KindConnectFailed, fmt.Sprintf("start subprocess %s", command), err)
	}

	t := &Exec{
		logger: logger,
		cmd:    cmd,
		stdin:  stdin,
		frames: make(chan []byte, 8),
		closed: make(chan struct{}),
	}

	go t.pump(stdout)
	go t.drainStderr(stderrPipe)

	logger.Info("tool server subprocess started", "pid", cmd.Process.Pid)
	return t, nil
}

// pump reads stdout lines and forwards them to the frames channel until
// the stream ends. It is the sole reader of the pipe.
func (t *Exec) pump(stdout io.Reader) {
	defer close(t.frames)

	reader := bufio.NewReaderSize(stdout, 1<<20)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if len(line) > 0 {
				t.deliver(line)
			}
			// EOF after Close is the normal shutdown path; anything
			// else is a broken pipe or unexpected process exit.
			select {
			case <-t.closed:
				t.readErr = errorf(KindClosed, "read", err)
			default:
				if err == io.EOF {
					t.readErr = errorf(KindClosed, "read", fmt.Errorf("subprocess closed stdout"))
				} else {
					t.readErr = errorf(KindReadFailed, "read", err)
				}
			}
			return
		}
		if len(line) > maxFrameSize {
			t.readErr = errorf(KindReadFailed, "read", fmt.Errorf("frame exceeds %d bytes", maxFrameSize))
			return
		}
		t.deliver(line)
	}
}

// deliver hands one frame to Receive unless the transport is closing.
func (t *Exec) deliver(frame []byte) {
	select {
	case t.frames <- frame:
	case <-t.closed:
	}
}

// Send writes one frame plus the newline delimiter to the subprocess.
// The write runs in a goroutine so a subprocess that stops reading
// stdin cannot stall the caller past its context; writes still
// serialize on writeMu, and Close unblocks a stuck write by closing
// stdin.
func (t *Exec) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return errorf(KindClosed, "send", nil)
	default:
	}
	if err := ctx.Err(); err != nil {
		return errorf(KindTimeout, "send", err)
	}

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')

	done := make(chan error, 1)
	go func() {
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		_, err := t.stdin.Write(buf)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return errorf(KindWriteFailed, "write to subprocess stdin", err)
		}
		return nil
	case <-ctx.Done():
		return errorf(KindTimeout, "send", ctx.Err())
	case <-t.closed:
		return errorf(KindClosed, "send", nil)
	}
}

// Receive returns the next frame from the subprocess. It blocks until a
// frame arrives, the context is done, or the stream ends.
func (t *Exec) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-t.frames:
		if !ok {
			if t.readErr != nil {
				return nil, t.readErr
			}
			return nil, errorf(KindClosed, "receive", nil)
		}
		return frame, nil
	case <-ctx.Done():
		return nil, errorf(KindTimeout, "receive", ctx.Err())
	}
}

// Close terminates the subprocess and releases resources. It is
// idempotent; the second and later calls return the first result.
func (t *Exec) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.closeErr = t.stop()
	})
	return t.closeErr
}

// stop closes stdin to signal the subprocess to exit, waits briefly for
// a graceful exit, then kills it.
func (t *Exec) stop() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping tool server subprocess", "pid", t.cmd.Process.Pid)

	if t.stdin != nil {
		t.stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(stopGrace):
		t.logger.Warn("tool server subprocess did not exit gracefully, killing",
			"pid", t.cmd.Process.Pid,
		)
		_ = t.cmd.Process.Kill()
		<-done
		return nil
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *Exec) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("tool server stderr", "line", scanner.Text())
	}
}
