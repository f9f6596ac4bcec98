//go:build linux && arm64

package session

import (
	"fmt"
	"os"

	"github.com/the-void-ia/void-box/internal/boot"
	"github.com/the-void-ia/void-box/internal/vmm/kvm"
)

// loadKernel places a raw arm64 Image (and the optional initramfs) in
// guest memory, builds the flattened device tree describing them, and
// sets the vCPU up for direct-kernel entry.
func loadKernel(vm *kvm.VM, kernelPath, initramfsPath, cmdline string, memSize uint64) error {
	kernelData, err := os.ReadFile(kernelPath)
	if err != nil {
		return fmt.Errorf("session: read kernel: %w", err)
	}

	var initrd []byte
	if initramfsPath != "" {
		initrd, err = os.ReadFile(initramfsPath)
		if err != nil {
			return fmt.Errorf("session: read initramfs: %w", err)
		}
	}

	entry, dtbAddr, err := boot.LoadArm64(vm.Memory(), kernelData, initrd, cmdline, memSize)
	if err != nil {
		return fmt.Errorf("session: load kernel: %w", err)
	}
	return vm.SetupBoot(entry, dtbAddr)
}
