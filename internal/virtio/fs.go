package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/the-void-ia/void-box/internal/virtqueue"
)

// FUSE opcodes this device understands (Linux uapi include/uapi/linux/fuse.h).
// virtio-fs's wire format for each request/response is the plain FUSE
// binary protocol; the guest's real kernel virtiofs/fuse client is the
// peer, not code in this repo, so these layouts are load-bearing.
const (
	fuseLookup     = 1
	fuseForget     = 2
	fuseGetattr    = 3
	fuseOpen       = 14
	fuseRead       = 15
	fuseWrite      = 16
	fuseRelease    = 18
	fuseInit       = 26
	fuseOpendir    = 27
	fuseReaddir    = 28
	fuseReleasedir = 29
)

const (
	fuseInHeaderLen  = 40
	fuseOutHeaderLen = 16
	fuseAttrLen      = 88
	fuseEntryOutLen  = 8 + 8 + 8 + 8 + 4 + 4 + fuseAttrLen
	fuseAttrOutLen   = 8 + 4 + 4 + fuseAttrLen
	fuseOpenOutLen   = 8 + 4 + 4
)

// FUSE_INIT capability flags (subset).
const fuseCapBigWrites uint32 = 1 << 5

// FsConfigLen matches struct virtio_fs_config: tag[36] + num_request_queues(u32).
const (
	fsTagLen          = 36
	FsConfigLen       = fsTagLen + 4
	fsRequestQueueIdx = 1 // queue 0 is hiprio, queue 1 is the request queue
)

// FuseAttr mirrors struct fuse_attr.
type FuseAttr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	ATimeSec  uint64
	MTimeSec  uint64
	CTimeSec  uint64
	ATimeNsec uint32
	MTimeNsec uint32
	CTimeNsec uint32
	Mode      uint32
	NLink     uint32
	UID       uint32
	GID       uint32
	RDev      uint32
	BlkSize   uint32
	Flags     uint32
}

func encodeFuseAttr(dst []byte, a FuseAttr) {
	binary.LittleEndian.PutUint64(dst[0:8], a.Ino)
	binary.LittleEndian.PutUint64(dst[8:16], a.Size)
	binary.LittleEndian.PutUint64(dst[16:24], a.Blocks)
	binary.LittleEndian.PutUint64(dst[24:32], a.ATimeSec)
	binary.LittleEndian.PutUint64(dst[32:40], a.MTimeSec)
	binary.LittleEndian.PutUint64(dst[40:48], a.CTimeSec)
	binary.LittleEndian.PutUint32(dst[48:52], a.ATimeNsec)
	binary.LittleEndian.PutUint32(dst[52:56], a.MTimeNsec)
	binary.LittleEndian.PutUint32(dst[56:60], a.CTimeNsec)
	binary.LittleEndian.PutUint32(dst[60:64], a.Mode)
	binary.LittleEndian.PutUint32(dst[64:68], a.NLink)
	binary.LittleEndian.PutUint32(dst[68:72], a.UID)
	binary.LittleEndian.PutUint32(dst[72:76], a.GID)
	binary.LittleEndian.PutUint32(dst[76:80], a.RDev)
	binary.LittleEndian.PutUint32(dst[80:84], a.BlkSize)
	binary.LittleEndian.PutUint32(dst[84:88], a.Flags)
}

// FsBackend hides the host filesystem behind the small subset of FUSE
// operations this device services. LocalFsBackend is the only
// implementation in this repo; the interface exists so tests can fake it.
type FsBackend interface {
	GetAttr(nodeID uint64) (FuseAttr, int32)
	Lookup(parent uint64, name string) (nodeID uint64, attr FuseAttr, errno int32)
	Open(nodeID uint64, flags uint32) (fh uint64, errno int32)
	Release(nodeID uint64, fh uint64)
	Read(nodeID uint64, fh uint64, off uint64, size uint32) ([]byte, int32)
	Write(nodeID uint64, fh uint64, off uint64, data []byte) (uint32, int32)
	OpenDir(nodeID uint64, flags uint32) (fh uint64, errno int32)
	ReadDir(nodeID uint64, fh uint64, off uint64, maxBytes uint32) ([]byte, int32)
	ReleaseDir(nodeID uint64, fh uint64)
}

// LocalFsBackend serves a host directory tree, honoring the read-only
// flag at the device layer per §4.4/§4.7's defense-in-depth read-only
// guarantees (a ro mount rejects FUSE_WRITE regardless of host
// permissions).
type LocalFsBackend struct {
	log    *slog.Logger
	root   string
	ro     bool
	mu     sync.Mutex
	nodes  map[uint64]string // nodeID -> host path, 1 is root
	nextID uint64
	fhs    map[uint64]*os.File
	nextFh uint64
}

func NewLocalFsBackend(log *slog.Logger, root string, ro bool) *LocalFsBackend {
	return &LocalFsBackend{
		log:    log.With("dev", "virtio-fs", "root", root),
		root:   root,
		ro:     ro,
		nodes:  map[uint64]string{1: root},
		nextID: 2,
		fhs:    map[uint64]*os.File{},
		nextFh: 1,
	}
}

func (b *LocalFsBackend) attrFor(hostPath string) (FuseAttr, int32) {
	info, err := os.Lstat(hostPath)
	if err != nil {
		return FuseAttr{}, int32(syscall.ENOENT)
	}
	st, _ := info.Sys().(*syscall.Stat_t)
	attr := FuseAttr{
		Size:    uint64(info.Size()),
		Mode:    uint32(info.Mode().Perm()),
		NLink:   1,
		BlkSize: 4096,
	}
	if info.IsDir() {
		attr.Mode |= syscall.S_IFDIR
	} else {
		attr.Mode |= syscall.S_IFREG
	}
	if st != nil {
		attr.Ino = st.Ino
		attr.UID = st.Uid
		attr.GID = st.Gid
		attr.NLink = uint32(st.Nlink)
	}
	return attr, 0
}

func (b *LocalFsBackend) GetAttr(nodeID uint64) (FuseAttr, int32) {
	b.mu.Lock()
	p, ok := b.nodes[nodeID]
	b.mu.Unlock()
	if !ok {
		return FuseAttr{}, int32(syscall.ENOENT)
	}
	return b.attrFor(p)
}

func (b *LocalFsBackend) Lookup(parent uint64, name string) (uint64, FuseAttr, int32) {
	b.mu.Lock()
	parentPath, ok := b.nodes[parent]
	b.mu.Unlock()
	if !ok {
		return 0, FuseAttr{}, int32(syscall.ENOENT)
	}
	child := filepath.Join(parentPath, name)
	if rel, err := filepath.Rel(b.root, child); err != nil || rel == ".." || len(rel) >= 3 && rel[:3] == "../" {
		return 0, FuseAttr{}, int32(syscall.EACCES)
	}
	attr, errno := b.attrFor(child)
	if errno != 0 {
		return 0, FuseAttr{}, errno
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.nodes[id] = child
	b.mu.Unlock()
	attr.Ino = id
	return id, attr, 0
}

func (b *LocalFsBackend) Open(nodeID uint64, flags uint32) (uint64, int32) {
	b.mu.Lock()
	p, ok := b.nodes[nodeID]
	b.mu.Unlock()
	if !ok {
		return 0, int32(syscall.ENOENT)
	}
	mode := os.O_RDONLY
	if !b.ro && flags&uint32(os.O_WRONLY|os.O_RDWR) != 0 {
		mode = os.O_RDWR
	}
	f, err := os.OpenFile(p, mode, 0)
	if err != nil {
		return 0, int32(syscall.EIO)
	}
	b.mu.Lock()
	fh := b.nextFh
	b.nextFh++
	b.fhs[fh] = f
	b.mu.Unlock()
	return fh, 0
}

func (b *LocalFsBackend) Release(nodeID, fh uint64) {
	b.mu.Lock()
	f := b.fhs[fh]
	delete(b.fhs, fh)
	b.mu.Unlock()
	if f != nil {
		f.Close()
	}
}

func (b *LocalFsBackend) OpenDir(nodeID uint64, flags uint32) (uint64, int32) { return b.Open(nodeID, flags) }
func (b *LocalFsBackend) ReleaseDir(nodeID, fh uint64)                        { b.Release(nodeID, fh) }

func (b *LocalFsBackend) Read(nodeID, fh uint64, off uint64, size uint32) ([]byte, int32) {
	b.mu.Lock()
	f := b.fhs[fh]
	b.mu.Unlock()
	if f == nil {
		return nil, int32(syscall.EBADF)
	}
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, int64(off))
	if err != nil && n == 0 {
		return nil, 0 // EOF reads as a zero-length success in FUSE
	}
	return buf[:n], 0
}

func (b *LocalFsBackend) Write(nodeID, fh uint64, off uint64, data []byte) (uint32, int32) {
	if b.ro {
		return 0, int32(syscall.EROFS)
	}
	b.mu.Lock()
	f := b.fhs[fh]
	b.mu.Unlock()
	if f == nil {
		return 0, int32(syscall.EBADF)
	}
	n, err := f.WriteAt(data, int64(off))
	if err != nil {
		return uint32(n), int32(syscall.EIO)
	}
	return uint32(n), 0
}

func (b *LocalFsBackend) ReadDir(nodeID, fh uint64, off uint64, maxBytes uint32) ([]byte, int32) {
	b.mu.Lock()
	p, ok := b.nodes[nodeID]
	b.mu.Unlock()
	if !ok {
		return nil, int32(syscall.ENOENT)
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, int32(syscall.EIO)
	}
	var out []byte
	for i, e := range entries {
		if uint64(i) < off {
			continue
		}
		// struct fuse_dirent: ino(8) off(8) namelen(4) type(4) name[namelen] padded to 8
		name := e.Name()
		rec := make([]byte, 24+((len(name)+7)/8)*8)
		binary.LittleEndian.PutUint64(rec[0:8], uint64(i+2))
		binary.LittleEndian.PutUint64(rec[8:16], uint64(i+1))
		binary.LittleEndian.PutUint32(rec[16:20], uint32(len(name)))
		typ := uint32(8) // DT_REG
		if e.IsDir() {
			typ = 4 // DT_DIR
		}
		binary.LittleEndian.PutUint32(rec[20:24], typ)
		copy(rec[24:], name)
		if uint32(len(out)+len(rec)) > maxBytes {
			break
		}
		out = append(out, rec...)
	}
	return out, 0
}

// FsDevice is the virtio-mmio frontend for virtiofs: it decodes the FUSE
// request header from the request virtqueue, dispatches to FsBackend,
// and encodes the matching FUSE response, exactly mirroring what a
// vhost-user-fs daemon would do, but in-process with the VMM.
type FsDevice struct {
	log       *slog.Logger
	transport *Transport
	tag       string
	backend   FsBackend
}

func NewFsDevice(log *slog.Logger, tag string, backend FsBackend) *FsDevice {
	return &FsDevice{log: log.With("dev", "virtio-fs", "tag", tag), tag: tag, backend: backend}
}

func (d *FsDevice) Attach(t *Transport) { d.transport = t }

func (d *FsDevice) NumQueues() int          { return 2 } // hiprio + one request queue
func (d *FsDevice) QueueMaxSize(int) uint16 { return 128 }
func (d *FsDevice) OnReset()                {}
func (d *FsDevice) OnDriverOK()             {}

func (d *FsDevice) ReadConfig(offset uint64, width int) (uint32, bool) {
	if offset >= FsConfigLen {
		return 0, false
	}
	if offset < fsTagLen {
		var b [4]byte
		for i := 0; i < width && int(offset)+i < fsTagLen; i++ {
			if int(offset)+i < len(d.tag) {
				b[i] = d.tag[int(offset)+i]
			}
		}
		return binary.LittleEndian.Uint32(b[:]), true
	}
	return 1, true // num_request_queues = 1
}

func (d *FsDevice) WriteConfig(uint64, int, uint32) bool { return false }

func (d *FsDevice) OnQueueNotify(queue int) error {
	if queue != fsRequestQueueIdx {
		return nil
	}
	q := d.transport.Queue(queue)
	interrupted := false
	for {
		head, ok, err := q.NextAvail()
		if err != nil {
			return fmt.Errorf("virtio-fs: avail: %w", err)
		}
		if !ok {
			break
		}
		if err := d.handleRequest(q, head); err != nil {
			d.log.Warn("request failed", "err", err)
		}
		interrupted = true
	}
	if interrupted {
		d.transport.RaiseInterrupt(IntVRing)
	}
	return nil
}

func (d *FsDevice) handleRequest(q *virtqueue.Queue, head uint16) error {
	chain, err := q.Chain(head)
	if err != nil {
		return fmt.Errorf("virtio-fs: chain: %w", err)
	}
	var in []byte
	var writeDescs []virtqueue.Descriptor
	for _, desc := range chain {
		if desc.IsWrite() {
			writeDescs = append(writeDescs, desc)
			continue
		}
		data, err := q.ReadGuest(desc.Addr, desc.Length)
		if err != nil {
			return fmt.Errorf("virtio-fs: read desc: %w", err)
		}
		in = append(in, data...)
	}
	if len(in) < fuseInHeaderLen {
		return fmt.Errorf("virtio-fs: request too short (%d bytes)", len(in))
	}

	opcode := binary.LittleEndian.Uint32(in[4:8])
	unique := binary.LittleEndian.Uint64(in[8:16])
	nodeID := binary.LittleEndian.Uint64(in[16:24])
	body := in[fuseInHeaderLen:]

	out, errno := d.dispatch(opcode, nodeID, body)
	if opcode == fuseForget {
		return d.finish(q, head, writeDescs, nil) // no response for FORGET
	}

	resp := make([]byte, fuseOutHeaderLen+len(out))
	binary.LittleEndian.PutUint32(resp[0:4], uint32(len(resp)))
	binary.LittleEndian.PutUint32(resp[4:8], uint32(-errno))
	binary.LittleEndian.PutUint64(resp[8:16], unique)
	copy(resp[fuseOutHeaderLen:], out)

	return d.finish(q, head, writeDescs, resp)
}

func (d *FsDevice) finish(q *virtqueue.Queue, head uint16, writeDescs []virtqueue.Descriptor, resp []byte) error {
	var written uint32
	for _, desc := range writeDescs {
		if len(resp) == 0 {
			break
		}
		n := desc.Length
		if n > uint32(len(resp)) {
			n = uint32(len(resp))
		}
		if err := q.WriteGuest(desc.Addr, resp[:n]); err != nil {
			return fmt.Errorf("virtio-fs: write resp: %w", err)
		}
		resp = resp[n:]
		written += n
	}
	return q.PutUsed(head, written)
}

func (d *FsDevice) dispatch(opcode uint32, nodeID uint64, body []byte) ([]byte, int32) {
	switch opcode {
	case fuseInit:
		out := make([]byte, 16)
		binary.LittleEndian.PutUint32(out[0:4], 7)
		binary.LittleEndian.PutUint32(out[4:8], 31)
		binary.LittleEndian.PutUint32(out[8:12], 0)
		binary.LittleEndian.PutUint32(out[12:16], fuseCapBigWrites)
		return out, 0
	case fuseGetattr:
		attr, errno := d.backend.GetAttr(nodeID)
		if errno != 0 {
			return nil, errno
		}
		out := make([]byte, fuseAttrOutLen)
		encodeFuseAttr(out[16:], attr)
		return out, 0
	case fuseLookup:
		name := cString(body)
		id, attr, errno := d.backend.Lookup(nodeID, name)
		if errno != 0 {
			return nil, errno
		}
		out := make([]byte, fuseEntryOutLen)
		binary.LittleEndian.PutUint64(out[0:8], id)
		encodeFuseAttr(out[40:], attr)
		return out, 0
	case fuseOpen, fuseOpendir:
		var flags uint32
		if len(body) >= 4 {
			flags = binary.LittleEndian.Uint32(body[0:4])
		}
		var fh uint64
		var errno int32
		if opcode == fuseOpen {
			fh, errno = d.backend.Open(nodeID, flags)
		} else {
			fh, errno = d.backend.OpenDir(nodeID, flags)
		}
		if errno != 0 {
			return nil, errno
		}
		out := make([]byte, fuseOpenOutLen)
		binary.LittleEndian.PutUint64(out[0:8], fh)
		return out, 0
	case fuseRelease:
		if len(body) >= 8 {
			d.backend.Release(nodeID, binary.LittleEndian.Uint64(body[0:8]))
		}
		return nil, 0
	case fuseReleasedir:
		if len(body) >= 8 {
			d.backend.ReleaseDir(nodeID, binary.LittleEndian.Uint64(body[0:8]))
		}
		return nil, 0
	case fuseRead:
		if len(body) < 16 {
			return nil, int32(syscall.EINVAL)
		}
		fh := binary.LittleEndian.Uint64(body[0:8])
		off := binary.LittleEndian.Uint64(body[8:16])
		size := uint32(4096)
		if len(body) >= 20 {
			size = binary.LittleEndian.Uint32(body[16:20])
		}
		data, errno := d.backend.Read(nodeID, fh, off, size)
		return data, errno
	case fuseWrite:
		if len(body) < 16 {
			return nil, int32(syscall.EINVAL)
		}
		fh := binary.LittleEndian.Uint64(body[0:8])
		off := binary.LittleEndian.Uint64(body[8:16])
		data := body[16:]
		n, errno := d.backend.Write(nodeID, fh, off, data)
		if errno != 0 {
			return nil, errno
		}
		out := make([]byte, 8)
		binary.LittleEndian.PutUint32(out[0:4], n)
		return out, 0
	case fuseReaddir:
		if len(body) < 16 {
			return nil, int32(syscall.EINVAL)
		}
		fh := binary.LittleEndian.Uint64(body[0:8])
		off := binary.LittleEndian.Uint64(body[8:16])
		size := uint32(4096)
		if len(body) >= 20 {
			size = binary.LittleEndian.Uint32(body[16:20])
		}
		data, errno := d.backend.ReadDir(nodeID, fh, off, size)
		return data, errno
	default:
		return nil, int32(syscall.ENOSYS)
	}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
