//go:build linux

package agent

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// moduleLoadOrder is the dependency order for the driver chain this VM
// needs: the virtio core and the virtio-mmio bus first, then each
// device's own transport driver, then the 9p stack (netfs must come up
// before 9pnet, which must come up before 9p and its virtio carrier),
// and finally virtio_blk. Modules the
// guest kernel already has built in simply fail with EEXIST, which is
// not an error.
var moduleLoadOrder = []string{
	"virtio.ko",
	"virtio_ring.ko",
	"virtio_mmio.ko",
	"failover.ko",
	"net_failover.ko",
	"virtio_net.ko",
	"vsock.ko",
	"vmw_vsock_virtio_transport_common.ko",
	"vsock_virtio_transport.ko",
	"netfs.ko",
	"9pnet.ko",
	"9p.ko",
	"9pnet_virtio.ko",
	"virtio_blk.ko",
}

const moduleDir = "/lib/modules"

// LoadModules inserts every module in moduleLoadOrder found under
// /lib/modules, in order, via finit_module(2). A module that isn't
// present in this initramfs is skipped rather than treated as fatal:
// not every boot attaches every device (e.g. no blk device means
// virtio_blk is simply unused).
func LoadModules() error {
	for _, name := range moduleLoadOrder {
		path := moduleDir + "/" + name
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("agent: open module %s: %w", name, err)
		}
		err = unix.FinitModule(int(f.Fd()), "", 0)
		f.Close()
		if err != nil && err != unix.EEXIST {
			return fmt.Errorf("agent: load module %s: %w", name, err)
		}
	}
	return nil
}
