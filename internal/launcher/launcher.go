// Package launcher spawns and reaps the executor processes the RDMA poller
// hands work requests to, following the fork/exec idiom used elsewhere in
// this codebase's process invokers.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rfaas/execmgr/internal/registry"
	"github.com/rfaas/execmgr/internal/wire"
)

// Settings configures how executor processes are spawned. Fields mirror the
// executor CLI flags the manager fills in from its own configuration rather
// than from the client's allocation request.
type Settings struct {
	// BinaryPath is the path to the executor binary.
	BinaryPath string
	// Repetitions is passed as -r.
	Repetitions int
	// RecvBufferSize is passed as -x.
	RecvBufferSize int
	// WarmupIters is passed as --warmup-iters.
	WarmupIters int
	// MaxInlineData is passed as --max-inline-data.
	MaxInlineData int
	// WorkDir is the directory executor processes are launched from, and
	// where their executor_<pid> stdout/stderr files are created. Empty
	// means the manager's own working directory.
	WorkDir string
}

// ManagerConnection carries the coordinates an executor needs to open its
// RDMA back-channel to the manager and report accounting data.
type ManagerConnection struct {
	Address string
	Port    int
	Secret  uint32
	RAddr   uint64
	RKey    uint64
}

// Launcher spawns executor processes on behalf of the RDMA poller.
type Launcher struct {
	settings Settings
}

// New constructs a Launcher with the given settings.
func New(settings Settings) *Launcher {
	return &Launcher{settings: settings}
}

var _ registry.ActiveExecutor = (*ProcessExecutor)(nil)

// ProcessExecutor is an os/exec-backed ActiveExecutor.
type ProcessExecutor struct {
	cmd   *exec.Cmd
	begin time.Time

	mu          sync.Mutex
	status      registry.ExecutorStatus
	code        int
	finished    time.Time
	backChannel registry.BackChannel
}

// Spawn forks and execs an executor process for req, wiring conn as the
// back-channel coordinates the child advertises to the manager. Stdout and
// stderr are redirected to a file named executor_<pid> in the launcher's
// working directory, matching the original manager's convention.
func (l *Launcher) Spawn(req wire.AllocationRequest, conn ManagerConnection) (*ProcessExecutor, error) {
	return l.spawnArgs(req, conn, l.buildArgv(req, conn))
}

func (l *Launcher) buildArgv(req wire.AllocationRequest, conn ManagerConnection) []string {
	return []string{
		"-a", req.Address(),
		"-p", strconv.Itoa(int(req.ListenPort)),
		"--polling-mgr", "thread",
		"-r", strconv.Itoa(l.settings.Repetitions),
		"-x", strconv.Itoa(l.settings.RecvBufferSize),
		"-s", strconv.Itoa(int(req.InputBufSize)),
		"--fast", strconv.Itoa(int(req.Cores)),
		"--warmup-iters", strconv.Itoa(l.settings.WarmupIters),
		"--max-inline-data", strconv.Itoa(l.settings.MaxInlineData),
		"--func-size", strconv.Itoa(int(req.FuncBufSize)),
		"--timeout", strconv.Itoa(int(req.HotTimeout)),
		"--mgr-address", conn.Address,
		"--mgr-port", strconv.Itoa(conn.Port),
		"--mgr-secret", strconv.FormatUint(uint64(conn.Secret), 10),
		"--mgr-buf-addr", strconv.FormatUint(conn.RAddr, 10),
		"--mgr-buf-rkey", strconv.FormatUint(conn.RKey, 10),
	}
}

// spawnArgs starts the executor binary with an explicit argument vector.
// Tests use this seam to exercise the process-management machinery with a
// stand-in binary rather than the real executor.
func (l *Launcher) spawnArgs(req wire.AllocationRequest, conn ManagerConnection, argv []string) (*ProcessExecutor, error) {
	begin := time.Now()

	cmd := exec.Command(l.settings.BinaryPath, argv...)
	cmd.Dir = l.settings.WorkDir

	// The pid-named out file mirrors the original manager's dup2-onto-fd-1/2
	// convention, but Go starts the process with its stdio files fixed at
	// Start() time, before the pid is known. A placeholder file is opened
	// first and set as Stdout/Stderr, then renamed to executor_<pid> once
	// Start reports the pid; the same open descriptor keeps writing to it
	// under its new name.
	outFile, err := os.CreateTemp(l.settings.WorkDir, "executor_pending_*")
	if err != nil {
		return nil, fmt.Errorf("launcher: unable to create executor output file: %w", err)
	}
	cmd.Stdout = outFile
	cmd.Stderr = outFile

	if err := cmd.Start(); err != nil {
		outFile.Close()
		os.Remove(outFile.Name())
		return nil, fmt.Errorf("launcher: fork/exec failed: %w", err)
	}

	// Best effort: the process is already running under the temp name even
	// if the rename fails.
	_ = os.Rename(outFile.Name(), outFileName(l.settings.WorkDir, cmd.Process.Pid))

	pe := &ProcessExecutor{cmd: cmd, begin: begin, status: registry.ExecutorRunning}

	go func() {
		waitErr := cmd.Wait()
		if outFile != nil {
			outFile.Close()
		}
		status, code := statusFromWaitError(waitErr)
		pe.mu.Lock()
		pe.status = status
		pe.code = code
		pe.mu.Unlock()
	}()

	return pe, nil
}

func outFileName(dir string, pid int) string {
	name := fmt.Sprintf("executor_%d", pid)
	if dir == "" {
		return name
	}
	return dir + string(os.PathSeparator) + name
}

func statusFromWaitError(waitErr error) (registry.ExecutorStatus, int) {
	if waitErr == nil {
		return registry.ExecutorFinished, 0
	}
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return registry.ExecutorFinishedFail, -1
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return registry.ExecutorFinishedFail, -int(ws.Signal())
		}
		if code := ws.ExitStatus(); code != 0 {
			return registry.ExecutorFinishedFail, code
		}
		return registry.ExecutorFinished, 0
	}
	return registry.ExecutorFinishedFail, exitErr.ExitCode()
}

// ID returns the child process's pid.
func (e *ProcessExecutor) ID() int {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return -1
	}
	return e.cmd.Process.Pid
}

// Check samples the process's exit status without blocking.
func (e *ProcessExecutor) Check() (registry.ExecutorStatus, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.code
}

// AttachBackChannel binds conn as this executor's back-channel connection
// and stamps AllocationFinished, mirroring what the RDMA poller does when
// an executor's callback connection is accepted.
func (e *ProcessExecutor) AttachBackChannel(conn registry.BackChannel) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backChannel != nil {
		return fmt.Errorf("launcher: back channel already attached for pid %d", e.ID())
	}
	e.backChannel = conn
	e.finished = time.Now()
	return nil
}

// AllocationBegin returns when the executor process was launched.
func (e *ProcessExecutor) AllocationBegin() time.Time {
	return e.begin
}

// AllocationFinished returns when the back channel was established.
func (e *ProcessExecutor) AllocationFinished() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}
