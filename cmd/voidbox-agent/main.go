// voidbox-agent is the guest-side PID 1: it mounts the pseudo
// filesystems, parses the boot config off the kernel cmdline, brings up
// virtio-net/vsock, optionally pivots into an OCI base image, and then
// serves the vsock control channel for the life of the VM.
package main

import (
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/the-void-ia/void-box/internal/agent"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := agent.Run(log); err != nil {
		log.Error("agent: fatal", "err", err)
		// PID 1 returning is a kernel panic; there is no supervisor to
		// restart us, so tear the VM down instead of falling off the
		// end of main.
		haltVM(log)
	}
}

// haltVM asks the kernel to power off. It does not return; if the
// reboot syscall itself fails there is nothing left to do but hang so
// the host's boot-timeout fires instead of a kernel panic obscuring
// the real error in the console log.
func haltVM(log *slog.Logger) {
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF); err != nil {
		log.Error("agent: reboot syscall failed", "err", err)
	}
	select {}
}
