//go:build e2e

package e2e

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// quietbridgeBinary builds the quietbridge binary once and returns its path.
func quietbridgeBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		// Find the repo root (parent of e2e/).
		dir, _ := os.Getwd()
		root := filepath.Dir(dir)
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			root = dir
		}
		builtBinary = filepath.Join(root, "bin", "quietbridge")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/quietbridge")
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("build quietbridge: %v", buildErr)
	}
	return builtBinary
}

// proxyProcess represents a running quietbridge process with log capture.
type proxyProcess struct {
	cmd  *exec.Cmd
	logs *logBuffer
	done chan struct{}
}

// logBuffer is a thread-safe buffer that captures log output and supports
// waiting for specific log messages.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string // incomplete line from previous Write
	waiters []logWaiter
}

type logWaiter struct {
	substr string
	ch     chan string
}

func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	data := lb.partial + string(p)
	lb.partial = ""

	for {
		i := strings.IndexByte(data, '\n')
		if i == -1 {
			lb.partial = data
			break
		}
		line := data[:i]
		data = data[i+1:]
		lb.lines = append(lb.lines, line)
		remaining := lb.waiters[:0]
		for _, w := range lb.waiters {
			if strings.Contains(line, w.substr) {
				select {
				case w.ch <- line:
				default:
				}
			} else {
				remaining = append(remaining, w)
			}
		}
		lb.waiters = remaining
	}
	return len(p), nil
}

// String returns all captured log lines joined with newlines.
func (lb *logBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return strings.Join(lb.lines, "\n")
}

// waitFor blocks until a log line containing substr appears, or times out.
func (lb *logBuffer) waitFor(substr string, timeout time.Duration) (string, bool) {
	ch := make(chan string, 1)

	lb.mu.Lock()
	for _, line := range lb.lines {
		if strings.Contains(line, substr) {
			lb.mu.Unlock()
			return line, true
		}
	}
	lb.waiters = append(lb.waiters, logWaiter{substr: substr, ch: ch})
	lb.mu.Unlock()

	select {
	case line := <-ch:
		return line, true
	case <-time.After(timeout):
		lb.mu.Lock()
		for i, w := range lb.waiters {
			if w.ch == ch {
				lb.waiters = append(lb.waiters[:i], lb.waiters[i+1:]...)
				break
			}
		}
		lb.mu.Unlock()
		return "", false
	}
}

// startProxy starts quietbridge in offline mode in front of upstream. The
// process is killed on test cleanup.
func startProxy(t *testing.T, upstreamPort int, extraArgs ...string) *proxyProcess {
	t.Helper()
	args := append([]string{
		"-a", "127.0.0.1", "-p", "0",
		"-b", "127.0.0.1", "-q", fmt.Sprint(upstreamPort),
		"--no-online-mode",
		"--credentials", filepath.Join(t.TempDir(), "accounts.json"),
		"--log-level", "debug",
	}, extraArgs...)

	cmd := exec.Command(quietbridgeBinary(t), args...)
	logs := &logBuffer{}
	cmd.Stderr = logs // quietbridge logs to stderr
	cmd.Stdout = os.Stdout
	if err := cmd.Start(); err != nil {
		t.Fatalf("start quietbridge %v: %v", args, err)
	}

	proc := &proxyProcess{cmd: cmd, logs: logs, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()
	t.Cleanup(func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-proc.done
		if t.Failed() {
			t.Logf("quietbridge logs:\n%s", logs.String())
		}
	})
	return proc
}

// waitForLog waits for a log line containing the given substring.
func waitForLog(t *testing.T, proc *proxyProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line, ok := proc.logs.waitFor(substr, timeout)
	if !ok {
		t.Fatalf("timed out waiting for log: %q", substr)
	}
	return line
}

// addrRe extracts addr=host:port from log lines.
var addrRe = regexp.MustCompile(`addr=([^\s]+)`)

// waitForLogAddr waits for a log line and extracts the addr= value.
func waitForLogAddr(t *testing.T, proc *proxyProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line := waitForLog(t, proc, substr, timeout)
	m := addrRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("no addr= in log line: %s", line)
	}
	return m[1]
}
