package boot

import "github.com/the-void-ia/void-box/internal/boot/fdt"

// Guest-physical placement for the aarch64 direct-kernel boot path.
// The kernel image is an uncompressed arm64 Image loaded at offset
// 0x80000 from the start of guest RAM (GPA 0); the initramfs follows it
// at the next 4 KiB boundary, and the DTB is placed at the fixed
// address arm64DTBAddr, so guest memory must extend past that address.
const (
	Arm64KernelLoadAddr uint64 = 0x80000
	arm64DTBAddr        uint64 = 0x44000000
)

// LoadArm64 places the kernel Image and initramfs into guest memory and
// builds a minimal flattened device tree describing available memory,
// the chosen bootargs, and the initrd location. It returns the kernel
// entry point and the DTB address SetupBoot needs in X0.
func LoadArm64(mem []byte, kernel []byte, initrd []byte, cmdline string, memSize uint64) (entry uint64, dtbAddr uint64, err error) {
	if Arm64KernelLoadAddr+uint64(len(kernel)) > memSize {
		return 0, 0, errBoot("kernel image does not fit in guest memory")
	}
	copy(mem[Arm64KernelLoadAddr:], kernel)

	var initrdAddr uint64
	var initrdSize uint64
	if len(initrd) > 0 {
		initrdAddr = alignUp(Arm64KernelLoadAddr+uint64(len(kernel)), 4096)
		if initrdAddr+uint64(len(initrd)) > memSize {
			return 0, 0, errBoot("initramfs does not fit in guest memory")
		}
		copy(mem[initrdAddr:], initrd)
		initrdSize = uint64(len(initrd))
	}

	blob := buildArm64FDT(memSize, cmdline, initrdAddr, initrdSize)
	if arm64DTBAddr+uint64(len(blob)) > memSize {
		return 0, 0, errBoot("device tree does not fit in guest memory")
	}
	copy(mem[arm64DTBAddr:], blob)

	return Arm64KernelLoadAddr, arm64DTBAddr, nil
}

// buildArm64FDT assembles the handful of nodes a directly-booted Linux
// guest needs: root compatible string, one memory node spanning all of
// guest RAM, a /chosen node carrying bootargs and the initrd bounds, and
// a PSCI node matching the 0.2 feature KVM's vCPU init advertises.
func buildArm64FDT(memSize uint64, cmdline string, initrdAddr, initrdSize uint64) []byte {
	b := fdt.NewBuilder()

	b.BeginNode("")
	b.PropU32("#address-cells", 2)
	b.PropU32("#size-cells", 2)
	b.PropStringList("compatible", []string{"linux,voidbox-vm"})

	b.BeginNode("memory@0")
	b.PropString("device_type", "memory")
	b.PropU64Pair("reg", 0, memSize)
	b.EndNode()

	b.BeginNode("chosen")
	b.PropString("bootargs", cmdline)
	if initrdSize > 0 {
		b.PropU32("linux,initrd-start", uint32(initrdAddr))
		b.PropU32("linux,initrd-end", uint32(initrdAddr+initrdSize))
	}
	b.EndNode()

	b.BeginNode("psci")
	b.PropStringList("compatible", []string{"arm,psci-0.2"})
	b.PropString("method", "hvc")
	b.EndNode()

	b.EndNode()

	return b.Build()
}

type bootError string

func (e bootError) Error() string { return "boot: " + string(e) }

func errBoot(msg string) error { return bootError(msg) }
