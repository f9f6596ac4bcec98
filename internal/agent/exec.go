//go:build linux

package agent

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// sandboxUID/sandboxGID are the fixed non-root identity every exec'd
// child drops to, per §4.8: there is no per-sandbox user mapping, just
// one uid/gid the guest image is expected to provision.
const (
	sandboxUID = 1000
	sandboxGID = 1000
)

// ExecResult is the terminal outcome of a spawned child, gathered after
// it has been reaped.
type ExecResult struct {
	ExitCode int32
	Duration time.Duration
}

// OutputFunc receives one chunk of child output as it's read. The
// caller is responsible for turning successive calls into
// ExecOutputChunk frames with increasing per-stream sequence numbers.
type OutputFunc func(stderr bool, data []byte)

// ExecParams bundles everything RunChild needs to spawn and supervise
// one child process.
type ExecParams struct {
	Program    string
	Args       []string
	Env        []string
	Stdin      []byte
	WorkingDir string
	Timeout    time.Duration // 0 = no timeout
	Rlimits    Rlimits
	Output     OutputFunc
}

// Rlimits mirrors the rlimit fields parsed off the kernel command line;
// a zero field means "leave the kernel default in place".
type Rlimits struct {
	AddressSpace uint64
	NumFiles     uint64
	NumProcs     uint64
	FileSize     uint64
}

// RunChild forks, applies resource limits and the fixed sandbox
// identity in the child, execs Program, streams its stdout/stderr to
// Output as it arrives, and waits for it to exit (or SIGKILLs it once
// Timeout elapses). It implements the fork→setrlimit→setresuid/gid→
// chdir→execve sequence from §4.6 item 4 directly with raw syscalls,
// the same way the teacher's container-init program chains
// clone/execve/wait4 rather than going through a higher-level process
// API.
func RunChild(p ExecParams) (ExecResult, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return ExecResult{}, fmt.Errorf("agent: stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return ExecResult{}, fmt.Errorf("agent: stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return ExecResult{}, fmt.Errorf("agent: stderr pipe: %w", err)
	}
	defer stdinR.Close()
	defer stdoutW.Close()
	defer stderrW.Close()

	start := time.Now()

	runtime.LockOSThread()
	pid, _, errno := unix.RawSyscall(unix.SYS_CLONE, uintptr(unix.SIGCHLD), 0, 0)
	if errno != 0 {
		runtime.UnlockOSThread()
		return ExecResult{}, fmt.Errorf("agent: clone: %w", errno)
	}

	if pid == 0 {
		// Child: from here on only async-signal-safe, allocation-free
		// raw syscalls until execve replaces this image. A panic or
		// GC pause here would corrupt the forked copy of the runtime.
		childSetupAndExec(p, stdinR, stdoutW, stderrW)
		unix.RawSyscall(unix.SYS_EXIT_GROUP, 127, 0, 0)
	}
	runtime.UnlockOSThread()

	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	if len(p.Stdin) > 0 {
		go func() {
			stdinW.Write(p.Stdin)
			stdinW.Close()
		}()
	} else {
		stdinW.Close()
	}

	done := make(chan struct{})
	go streamOutput(stdoutR, false, p.Output, done)
	go streamOutput(stderrR, true, p.Output, done)

	waitDone := make(chan unix.WaitStatus, 1)
	waitErr := make(chan error, 1)
	go func() {
		var ws unix.WaitStatus
		_, err := unix.Wait4(int(pid), &ws, 0, nil)
		if err != nil {
			waitErr <- err
			return
		}
		waitDone <- ws
	}()

	var ws unix.WaitStatus
	if p.Timeout > 0 {
		select {
		case ws = <-waitDone:
		case err := <-waitErr:
			<-done
			<-done
			return ExecResult{}, fmt.Errorf("agent: wait4: %w", err)
		case <-time.After(p.Timeout):
			unix.Kill(int(pid), unix.SIGKILL)
			select {
			case ws = <-waitDone:
			case err := <-waitErr:
				<-done
				<-done
				return ExecResult{}, fmt.Errorf("agent: wait4 after timeout: %w", err)
			}
		}
	} else {
		select {
		case ws = <-waitDone:
		case err := <-waitErr:
			<-done
			<-done
			return ExecResult{}, fmt.Errorf("agent: wait4: %w", err)
		}
	}

	<-done
	<-done

	return ExecResult{ExitCode: exitCodeOf(ws), Duration: time.Since(start)}, nil
}

func exitCodeOf(ws unix.WaitStatus) int32 {
	if ws.Signaled() {
		return int32(128 + int(ws.Signal()))
	}
	return int32(ws.ExitStatus())
}

// childSetupAndExec runs in the forked child only. Any error here is
// reported by falling through to the SYS_EXIT_GROUP(127) in the
// caller, since there is no safe way to return an error across a
// failed execve in the forked half of a Go process.
func childSetupAndExec(p ExecParams, stdinR, stdoutW, stderrW *os.File) {
	unix.Dup2(int(stdinR.Fd()), 0)
	unix.Dup2(int(stdoutW.Fd()), 1)
	unix.Dup2(int(stderrW.Fd()), 2)

	applyRlimit(unix.RLIMIT_AS, p.Rlimits.AddressSpace)
	applyRlimit(unix.RLIMIT_NOFILE, p.Rlimits.NumFiles)
	applyRlimit(unix.RLIMIT_NPROC, p.Rlimits.NumProcs)
	applyRlimit(unix.RLIMIT_FSIZE, p.Rlimits.FileSize)

	if err := unix.Setresgid(sandboxGID, sandboxGID, sandboxGID); err != nil {
		return
	}
	if err := unix.Setresuid(sandboxUID, sandboxUID, sandboxUID); err != nil {
		return
	}

	if p.WorkingDir != "" {
		if err := unix.Chdir(p.WorkingDir); err != nil {
			return
		}
	}

	unix.Exec(p.Program, append([]string{p.Program}, p.Args...), p.Env)
}

func applyRlimit(resource int, value uint64) {
	if value == 0 {
		return
	}
	rlim := unix.Rlimit{Cur: value, Max: value}
	unix.Setrlimit(resource, &rlim)
}

func streamOutput(r *os.File, stderr bool, out OutputFunc, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	defer r.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 && out != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out(stderr, chunk)
		}
		if err != nil {
			return
		}
	}
}
