// Package tarfs implements the read-only tar-format filesystem driver
// of spec.md §3.9/§4.H: a vfs.Driver that serves open/read/readdir/
// ioctl out of a ustar archive reachable one 512-byte block at a time
// through a vfs.BlockReader. Grounded on biscuit's own read-only
// devfs-style driver shape in main.go (an `mfops_t` vtable wrapping a
// backing store), generalized to the literal tar-block algorithm
// spec.md specifies — not on the standard library's archive/tar,
// whose io.Reader-based API can't be driven one vfs-level block read
// at a time (see DESIGN.md).
package tarfs

import (
	"bytes"
	"strconv"
	"strings"
	"sync"

	"github.com/justanotherdot/nanokern/common"
	"github.com/justanotherdot/nanokern/vfs"
)

const (
	blockSize = 512

	nameOff, nameLen     = 0, 100
	sizeOff, sizeLen     = 124, 12
	typeOff              = 156
	magicOff, magicLen   = 257, 6
	prefixOff, prefixLen = 345, 155

	typeDir = '5'
)

const magic = "ustar "

// Driver is a mounted tar archive. Construct with New after a
// successful Probe.
type Driver struct {
	mu  sync.Mutex
	dev vfs.BlockReader
}

// FSType registers tarfs with a vfs.Graph's filesystem-driver table
// (spec.md §4.G's mount()).
type FSType struct{}

func (FSType) Name() string { return "tarfs" }

func (FSType) Probe(dev vfs.BlockReader) (vfs.Driver, common.Err_t) {
	d, err := New(dev)
	if err != 0 {
		return nil, err
	}
	return d, 0
}

// New checks dev's superblock: block 0 must carry the ustar magic at
// the expected offset (spec.md §4.H).
func New(dev vfs.BlockReader) (*Driver, common.Err_t) {
	var block [blockSize]byte
	if err := dev.ReadBlock(0, block[:]); err != 0 {
		return nil, err
	}
	if string(block[magicOff:magicOff+magicLen]) != magic {
		return nil, common.EINVAL
	}
	return &Driver{dev: dev}, 0
}

type fileHandle struct {
	size       uint64
	startBlock uint64
	offset     uint64
}

type dirHandle struct {
	names  []string
	cursor int
}

func trimField(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimRight(string(b), " ")
}

func parseOctal(b []byte) uint64 {
	s := strings.TrimSpace(trimField(b))
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseUint(s, 8, 64)
	return v
}

func fullName(block []byte) string {
	name := trimField(block[nameOff : nameOff+nameLen])
	prefix := trimField(block[prefixOff : prefixOff+prefixLen])
	if prefix != "" {
		return prefix + "/" + name
	}
	return name
}

// iterate walks the archive header by header (spec.md §4.H), calling
// visit(name, typeflag, size, dataBlock) for each live entry. A block
// whose name[0] byte is 0 is a removed entry and is skipped one block
// at a time (spec.md §6); the first header whose magic fails
// terminates iteration. visit returning false stops the walk early.
func (d *Driver) iterate(visit func(name string, typeflag byte, size uint64, dataBlock uint64) bool) common.Err_t {
	blockIdx := uint64(0)
	var block [blockSize]byte
	for {
		if err := d.dev.ReadBlock(blockIdx, block[:]); err != 0 {
			// backing device exhausted: treat exactly like reaching the
			// end of the archive, not a hard failure.
			return 0
		}
		if block[0] == 0 {
			blockIdx++
			continue
		}
		if string(block[magicOff:magicOff+magicLen]) != magic {
			return 0
		}
		name := fullName(block[:])
		typeflag := block[typeOff]
		size := parseOctal(block[sizeOff : sizeOff+sizeLen])
		dataBlock := blockIdx + 1

		if !visit(name, typeflag, size, dataBlock) {
			return 0
		}
		blockIdx = dataBlock + (size+blockSize-1)/blockSize
	}
}

// Open matches path against the archive's header names, with and
// without a trailing slash for directories (spec.md §4.H).
func (d *Driver) Open(path string, flags, mode int) (vfs.Handle, common.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := strings.Trim(path, "/")
	if p == "" {
		return d.openRootDir()
	}

	var (
		handle vfs.Handle
		found  bool
		ioErr  common.Err_t
	)
	err := d.iterate(func(name string, typeflag byte, size uint64, dataBlock uint64) bool {
		if name != p && name != p+"/" {
			return true
		}
		found = true
		if typeflag == typeDir {
			handle, ioErr = d.collectDir(p)
		} else {
			handle = &fileHandle{size: size, startBlock: dataBlock}
		}
		return false
	})
	if err != 0 {
		return nil, err
	}
	if !found {
		return nil, common.ENOENT
	}
	if ioErr != 0 {
		return nil, ioErr
	}
	return handle, 0
}

func (d *Driver) openRootDir() (vfs.Handle, common.Err_t) {
	seen := map[string]bool{}
	var names []string
	err := d.iterate(func(name string, typeflag byte, size uint64, dataBlock uint64) bool {
		first := name
		if i := strings.IndexByte(name, '/'); i >= 0 {
			first = name[:i]
		}
		if first != "" && !seen[first] {
			seen[first] = true
			names = append(names, first)
		}
		return true
	})
	if err != 0 {
		return nil, err
	}
	return &dirHandle{names: names}, 0
}

func (d *Driver) collectDir(prefix string) (*dirHandle, common.Err_t) {
	seen := map[string]bool{}
	var names []string
	want := prefix + "/"
	err := d.iterate(func(name string, typeflag byte, size uint64, dataBlock uint64) bool {
		if !strings.HasPrefix(name, want) {
			return true
		}
		rest := name[len(want):]
		if rest == "" {
			return true
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if rest != "" && !seen[rest] {
			seen[rest] = true
			names = append(names, rest)
		}
		return true
	})
	if err != 0 {
		return nil, err
	}
	return &dirHandle{names: names}, 0
}

func (d *Driver) Close(vfs.Handle) common.Err_t { return 0 }

// Read clamps n to the remaining file size, seeks the backing device
// to the block containing the current offset, and copies out of
// 512-byte blocks until the request is satisfied or the file ends
// (spec.md §4.H).
func (d *Driver) Read(h vfs.Handle, buf []byte) (int, common.Err_t) {
	fh, ok := h.(*fileHandle)
	if !ok {
		return -1, common.EFAULT
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if fh.offset >= fh.size {
		return 0, 0
	}
	remaining := fh.size - fh.offset
	want := uint64(len(buf))
	if want > remaining {
		want = remaining
	}

	var block [blockSize]byte
	var copied uint64
	for copied < want {
		blockIdx := fh.startBlock + fh.offset/blockSize
		if err := d.dev.ReadBlock(blockIdx, block[:]); err != 0 {
			return int(copied), err
		}
		blockOff := fh.offset % blockSize
		avail := uint64(blockSize) - blockOff
		take := want - copied
		if take > avail {
			take = avail
		}
		copy(buf[copied:copied+take], block[blockOff:blockOff+take])
		copied += take
		fh.offset += take
	}
	return int(copied), 0
}

// Write is rejected: this driver is read-only (spec.md §4.H).
func (d *Driver) Write(vfs.Handle, []byte) (int, common.Err_t) {
	return -1, common.EPERM
}

// Readdir returns the directory handle's next buffered entry name
// (spec.md §4.H).
func (d *Driver) Readdir(h vfs.Handle) (string, bool, common.Err_t) {
	dh, ok := h.(*dirHandle)
	if !ok {
		return "", false, common.EFAULT
	}
	if dh.cursor >= len(dh.names) {
		return "", false, 0
	}
	name := dh.names[dh.cursor]
	dh.cursor++
	return name, true, 0
}

// Ioctl supports SEEK_SET/SEEK_CUR, clamped to the file size (spec.md
// §4.H).
func (d *Driver) Ioctl(h vfs.Handle, op int, arg interface{}) (int, common.Err_t) {
	fh, ok := h.(*fileHandle)
	if !ok {
		return -1, common.EFAULT
	}
	if op != vfs.IoctlSeek {
		return -1, common.ENOSYS
	}
	sa, ok := arg.(vfs.SeekArg)
	if !ok {
		return -1, common.EFAULT
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var newOff int64
	switch sa.Whence {
	case vfs.SeekSet:
		newOff = sa.Offset
	case vfs.SeekCur:
		newOff = int64(fh.offset) + sa.Offset
	default:
		return -1, common.EINVAL
	}
	if newOff < 0 {
		newOff = 0
	}
	if uint64(newOff) > fh.size {
		newOff = int64(fh.size)
	}
	fh.offset = uint64(newOff)
	return int(fh.offset), 0
}
