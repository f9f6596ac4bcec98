//go:build linux && amd64

package seccomp

import "golang.org/x/sys/unix"

// auditArch is AUDIT_ARCH_X86_64, the seccomp_data.arch value the
// kernel reports for a 64-bit x86 syscall entry.
const auditArch uint32 = 0xc000003e

// allowedSyscalls is the full set the thread that ran Install may issue
// afterwards. It's deliberately short: no process creation beyond
// clone/clone3 (the Go runtime needs them for threads), no ptrace, no
// module loading -- nothing the guest's own escape surface would want
// from its host supervisor.
var allowedSyscalls = []uintptr{
	unix.SYS_IOCTL, unix.SYS_MMAP, unix.SYS_MUNMAP, unix.SYS_MPROTECT, unix.SYS_MADVISE,
	unix.SYS_EPOLL_PWAIT, unix.SYS_EPOLL_CTL, unix.SYS_EPOLL_CREATE1, unix.SYS_EVENTFD2,
	unix.SYS_READ, unix.SYS_WRITE, unix.SYS_READV, unix.SYS_WRITEV, unix.SYS_CLOSE,
	unix.SYS_PREAD64, unix.SYS_PWRITE64,
	unix.SYS_SOCKET, unix.SYS_CONNECT, unix.SYS_BIND, unix.SYS_LISTEN, unix.SYS_ACCEPT4,
	unix.SYS_SENDTO, unix.SYS_RECVFROM, unix.SYS_SENDMSG, unix.SYS_RECVMSG,
	unix.SYS_SETSOCKOPT, unix.SYS_GETSOCKOPT, unix.SYS_SHUTDOWN,
	unix.SYS_FUTEX, unix.SYS_CLOCK_GETTIME, unix.SYS_CLOCK_NANOSLEEP, unix.SYS_SCHED_YIELD,
	unix.SYS_RT_SIGACTION, unix.SYS_RT_SIGPROCMASK, unix.SYS_RT_SIGRETURN, unix.SYS_SIGALTSTACK,
	unix.SYS_GETPID, unix.SYS_GETTID, unix.SYS_TGKILL, unix.SYS_EXIT, unix.SYS_EXIT_GROUP,
	unix.SYS_CLONE, unix.SYS_CLONE3, unix.SYS_SCHED_GETAFFINITY, unix.SYS_GETRANDOM, unix.SYS_BRK,
	unix.SYS_OPENAT, unix.SYS_FCNTL, unix.SYS_FSTAT, unix.SYS_LSEEK, unix.SYS_PIPE2, unix.SYS_PPOLL,
	unix.SYS_RSEQ,
}
