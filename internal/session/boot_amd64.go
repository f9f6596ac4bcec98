//go:build linux && amd64

package session

import (
	"fmt"
	"os"

	"github.com/the-void-ia/void-box/internal/boot"
	"github.com/the-void-ia/void-box/internal/vmm/kvm"
)

// loadKernel parses a bzImage, places it (and the optional initramfs)
// in guest memory, and sets the vCPU up for 64-bit direct-kernel entry.
func loadKernel(vm *kvm.VM, kernelPath, initramfsPath, cmdline string, memSize uint64) error {
	kernelData, err := os.ReadFile(kernelPath)
	if err != nil {
		return fmt.Errorf("session: read kernel: %w", err)
	}
	image, err := boot.ParseBzImage(kernelData)
	if err != nil {
		return fmt.Errorf("session: parse kernel: %w", err)
	}

	var initrd []byte
	if initramfsPath != "" {
		initrd, err = os.ReadFile(initramfsPath)
		if err != nil {
			return fmt.Errorf("session: read initramfs: %w", err)
		}
	}

	entry, zeroPageAddr, err := boot.LoadX86_64(vm.Memory(), image, initrd, cmdline, memSize)
	if err != nil {
		return fmt.Errorf("session: load kernel: %w", err)
	}
	return vm.SetupLongMode(entry, zeroPageAddr)
}
