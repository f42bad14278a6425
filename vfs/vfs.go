// Package vfs implements the mount-graph and file-descriptor table of
// spec.md §3.7/§3.8/§4.G: path parsing, sorted-children lookup with
// longest-prefix driver routing, driver registration/unregistration
// with transient-node pruning, and a fixed-capacity FD table with an
// intrusive free pool. Grounded on biscuit's own fs/mount handling in
// main.go (the `mfops_t` driver-vtable idiom and its global FD table),
// generalized into a standalone package.
package vfs

import (
	"strings"
	"sync"

	"github.com/justanotherdot/nanokern/common"
)

// Handle is the opaque per-open value a Driver hands back from Open
// and is later given back to Close/Read/Write/Readdir/Ioctl.
type Handle interface{}

// Driver is a mounted filesystem's vtable (spec.md §3.7/§4.G),
// biscuit's `mfops_t` generalized to an interface.
type Driver interface {
	Open(path string, flags, mode int) (Handle, common.Err_t)
	Close(h Handle) common.Err_t
	Read(h Handle, buf []byte) (int, common.Err_t)
	Write(h Handle, buf []byte) (int, common.Err_t)
	// Readdir returns the next entry name. more is false at end of
	// directory; err is set only on failure.
	Readdir(h Handle) (name string, more bool, err common.Err_t)
	Ioctl(h Handle, op int, arg interface{}) (int, common.Err_t)
}

// BlockReader is the backing-device seam a filesystem driver is
// probed and mounted against (spec.md §6's block/char device
// collaborator is out of scope per spec.md §1; this is the minimal
// surface tarfs needs to read 512-byte blocks, the same role PortIO/
// MMIO play for the timer drivers).
type BlockReader interface {
	ReadBlock(index uint64, buf []byte) common.Err_t
}

// FSType is a registrable filesystem probe, analogous to how PIT/RTC/
// LAPIC each implement timer.Driver: Probe reads the backing device's
// superblock and, on success, returns a ready Driver.
type FSType interface {
	Name() string
	Probe(dev BlockReader) (Driver, common.Err_t)
}

// IoctlSeek is the Ioctl op code for a SEEK request (spec.md §4.H).
const IoctlSeek = 1

// Seek whence values for SeekArg.
const (
	SeekSet = 0
	SeekCur = 1
)

// SeekArg is the argument shape for the SEEK ioctl.
type SeekArg struct {
	Whence int
	Offset int64
}

// Open flags (spec.md §4.G: "check the open-flags permission, then
// delegate").
const (
	ORDONLY = 0
	OWRONLY = 1
	ORDWR   = 2
)

// Node is one mount-graph node (spec.md §3.7).
type Node struct {
	segment   string
	mountPath string
	driver    Driver

	parent     *Node
	firstChild *Node
	next, prev *Node
}

// Driver reports the filesystem vtable attached to this node, if any.
func (n *Node) Driver() Driver { return n.driver }

// Segment is the node-local path component.
func (n *Node) Segment() string { return n.segment }

func splitPath(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// segLess orders children by (segment_length, lexicographic segment)
// (spec.md §3.7 invariant (a)).
func segLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func findChild(n *Node, seg string) *Node {
	for c := n.firstChild; c != nil; c = c.next {
		if c.segment == seg {
			return c
		}
		if segLess(seg, c.segment) {
			// children are sorted; once we pass seg's slot, it's absent
			return nil
		}
	}
	return nil
}

// insertChild inserts c into n's sorted sibling chain.
func insertChild(n *Node, c *Node) {
	c.parent = n
	var prev *Node
	cur := n.firstChild
	for cur != nil && !segLess(c.segment, cur.segment) {
		prev = cur
		cur = cur.next
	}
	c.next = cur
	c.prev = prev
	if cur != nil {
		cur.prev = c
	}
	if prev != nil {
		prev.next = c
	} else {
		n.firstChild = c
	}
}

func removeChild(c *Node) {
	if c.prev != nil {
		c.prev.next = c.next
	} else if c.parent != nil {
		c.parent.firstChild = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	}
	c.parent, c.next, c.prev = nil, nil, nil
}

// findNode implements spec.md §4.G's find_node: descend matching
// segments one at a time; at the end of the path, return the node
// only under exact or (needDriver && has-driver); if a segment fails
// to match a child and needDriver is set, return the nearest
// enclosing driver-bearing ancestor (longest-prefix semantics).
func findNode(cur *Node, segs []string, needDriver, exact bool) *Node {
	if len(segs) == 0 {
		if exact {
			return cur
		}
		if needDriver && cur.driver != nil {
			return cur
		}
		return nil
	}
	child := findChild(cur, segs[0])
	if child == nil {
		if needDriver {
			for n := cur; n != nil; n = n.parent {
				if n.driver != nil {
					return n
				}
			}
		}
		return nil
	}
	return findNode(child, segs[1:], needDriver, exact)
}

type transientDriver struct{ g *Graph }

type transientHandle struct {
	node   *Node
	cursor *Node
}

func (t *transientDriver) Open(path string, flags, mode int) (Handle, common.Err_t) {
	t.g.mu.Lock()
	defer t.g.mu.Unlock()
	n := findNode(t.g.root, splitPath(path), false, true)
	if n == nil {
		return nil, common.ENOENT
	}
	return &transientHandle{node: n, cursor: n.firstChild}, 0
}

func (t *transientDriver) Close(Handle) common.Err_t { return 0 }
func (t *transientDriver) Read(Handle, []byte) (int, common.Err_t) {
	return 0, common.ENOSYS
}
func (t *transientDriver) Write(Handle, []byte) (int, common.Err_t) {
	return 0, common.ENOSYS
}
func (t *transientDriver) Readdir(h Handle) (string, bool, common.Err_t) {
	th, ok := h.(*transientHandle)
	if !ok {
		return "", false, common.EFAULT
	}
	if th.cursor == nil {
		return "", false, 0
	}
	name := th.cursor.segment
	th.cursor = th.cursor.next
	return name, true, 0
}
func (t *transientDriver) Ioctl(Handle, int, interface{}) (int, common.Err_t) {
	return 0, common.ENOSYS
}

// fdEntry is one slot of the FD table (spec.md §3.8). Free slots are
// linked through nextFree, an intrusive free pool over the same
// vector storage.
type fdEntry struct {
	inUse  bool
	path   string
	driver Driver
	handle Handle
	flags  int
	mode   int

	nextFree int
}

const fdCapacity = 128

// fdTable is the vector-backed FD table with an intrusive free list.
type fdTable struct {
	mu       sync.Mutex
	entries  []fdEntry
	freeHead int
}

func newFDTable() *fdTable {
	t := &fdTable{entries: make([]fdEntry, fdCapacity), freeHead: 0}
	for i := range t.entries {
		if i == fdCapacity-1 {
			t.entries[i].nextFree = -1
		} else {
			t.entries[i].nextFree = i + 1
		}
	}
	return t
}

func (t *fdTable) alloc(path string, driver Driver, handle Handle, flags, mode int) (int, common.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.freeHead == -1 {
		return -1, common.ENOMEM
	}
	idx := t.freeHead
	t.freeHead = t.entries[idx].nextFree
	t.entries[idx] = fdEntry{inUse: true, path: path, driver: driver, handle: handle, flags: flags, mode: mode}
	return idx, 0
}

func (t *fdTable) get(fd int) (*fdEntry, common.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.entries) || !t.entries[fd].inUse {
		return nil, common.EFAULT
	}
	e := t.entries[fd]
	return &e, 0
}

func (t *fdTable) release(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[fd] = fdEntry{nextFree: t.freeHead}
	t.freeHead = fd
}

// Graph is the mount-graph plus its FD table: the VFS singleton
// (spec.md §9: "mount-graph is process-wide state initialised exactly
// once at boot"). Construct with NewGraph.
type Graph struct {
	mu   sync.Mutex
	root *Node

	fds       *fdTable
	transient *transientDriver

	fsTypes []FSType
}

// NewGraph returns an empty mount-graph with just a root node.
func NewGraph() *Graph {
	g := &Graph{root: &Node{}, fds: newFDTable()}
	g.transient = &transientDriver{g: g}
	return g
}

// RegisterFSType adds fst to the filesystem-driver table Mount
// searches (spec.md §4.G).
func (g *Graph) RegisterFSType(fst FSType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fsTypes = append(g.fsTypes, fst)
}

// Register attaches driver at path, creating any missing transient
// ancestors (spec.md §4.G). On failure every freshly-created node is
// pruned before returning.
func (g *Graph) Register(path string, driver Driver) (*Node, common.Err_t) {
	if driver == nil {
		return nil, common.EFAULT
	}
	segs := splitPath(path)

	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.root
	i := 0
	for ; i < len(segs); i++ {
		child := findChild(cur, segs[i])
		if child == nil {
			break
		}
		cur = child
	}

	var created []*Node
	prefix := cur.mountPath
	for ; i < len(segs); i++ {
		if prefix == "" {
			prefix = "/" + segs[i]
		} else {
			prefix = prefix + "/" + segs[i]
		}
		n := &Node{segment: segs[i], mountPath: prefix}
		insertChild(cur, n)
		created = append(created, n)
		cur = n
	}

	if cur.driver != nil {
		for i := len(created) - 1; i >= 0; i-- {
			removeChild(created[i])
		}
		return nil, common.EEXIST
	}

	cur.driver = driver
	return cur, 0
}

// Unregister clears path's driver and prunes every ancestor that
// becomes driver-less and child-less (spec.md §4.G, §3.7 invariant
// (b)).
func (g *Graph) Unregister(path string) common.Err_t {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := findNode(g.root, splitPath(path), false, true)
	if n == nil || n.driver == nil {
		return common.ENOENT
	}
	n.driver = nil

	cur := n
	for cur != g.root && cur.driver == nil && cur.firstChild == nil {
		parent := cur.parent
		removeChild(cur)
		cur = parent
	}
	return 0
}

// resolve finds the driver that should service path and the subpath
// to hand it: an exact-matching node with its own driver uses "/";
// an exact-matching transient node routes to the internal directory
// driver (spec.md §4.G: "works uniformly"); otherwise the nearest
// enclosing driver-bearing ancestor is used with the mount-point
// prefix stripped (longest-prefix routing).
func (g *Graph) resolve(path string) (Driver, string, common.Err_t) {
	segs := splitPath(path)

	if exact := findNode(g.root, segs, false, true); exact != nil {
		if exact.driver != nil {
			return exact.driver, "/", 0
		}
		return g.transient, path, 0
	}

	n := findNode(g.root, segs, true, false)
	if n == nil {
		return nil, "", common.ENOENT
	}
	sub := strings.TrimPrefix(path, n.mountPath)
	if sub == "" {
		sub = "/"
	}
	return n.driver, sub, 0
}

// Open routes path to its driver by longest prefix, subtracts the
// mount-point offset, and calls the driver's Open (spec.md §4.G).
func (g *Graph) Open(path string, flags, mode int) (int, common.Err_t) {
	g.mu.Lock()
	driver, sub, err := g.resolve(path)
	g.mu.Unlock()
	if err != 0 {
		return -1, err
	}

	handle, oerr := driver.Open(sub, flags, mode)
	if oerr != 0 {
		return -1, oerr
	}
	fd, aerr := g.fds.alloc(path, driver, handle, flags, mode)
	if aerr != 0 {
		driver.Close(handle)
		return -1, aerr
	}
	return fd, 0
}

// Close releases fd's driver resources and returns the slot to the
// free pool.
func (g *Graph) Close(fd int) common.Err_t {
	e, err := g.fds.get(fd)
	if err != 0 {
		return err
	}
	defer g.fds.release(fd)
	return e.driver.Close(e.handle)
}

func readable(flags int) bool { return flags == ORDONLY || flags == ORDWR }
func writable(flags int) bool { return flags == OWRONLY || flags == ORDWR }

// Read checks the open-flags permission, then delegates to the
// driver (spec.md §4.G).
func (g *Graph) Read(fd int, buf []byte) (int, common.Err_t) {
	e, err := g.fds.get(fd)
	if err != 0 {
		return -1, err
	}
	if !readable(e.flags) {
		return -1, common.EPERM
	}
	return e.driver.Read(e.handle, buf)
}

// Write checks the open-flags permission, then delegates.
func (g *Graph) Write(fd int, buf []byte) (int, common.Err_t) {
	e, err := g.fds.get(fd)
	if err != 0 {
		return -1, err
	}
	if !writable(e.flags) {
		return -1, common.EPERM
	}
	return e.driver.Write(e.handle, buf)
}

// Readdir delegates to the driver's stateful directory iterator.
func (g *Graph) Readdir(fd int) (string, bool, common.Err_t) {
	e, err := g.fds.get(fd)
	if err != 0 {
		return "", false, err
	}
	return e.driver.Readdir(e.handle)
}

// Ioctl delegates to the driver.
func (g *Graph) Ioctl(fd int, op int, arg interface{}) (int, common.Err_t) {
	e, err := g.fds.get(fd)
	if err != 0 {
		return -1, err
	}
	return e.driver.Ioctl(e.handle, op, arg)
}

// Mount tries fsName (if given) or else every registered FSType in
// order, keeping the first that successfully reads dev's superblock,
// and registers the resulting driver at path (spec.md §4.G).
func (g *Graph) Mount(path string, dev BlockReader, fsName string) common.Err_t {
	g.mu.Lock()
	candidates := g.fsTypes
	g.mu.Unlock()

	for _, fst := range candidates {
		if fsName != "" && fst.Name() != fsName {
			continue
		}
		driver, err := fst.Probe(dev)
		if err == 0 {
			_, rerr := g.Register(path, driver)
			return rerr
		}
	}
	return common.EINVAL
}

// Unmount is Unregister under the name spec.md §4.G/§6 uses for the
// externally-visible operation.
func (g *Graph) Unmount(path string) common.Err_t {
	return g.Unregister(path)
}
