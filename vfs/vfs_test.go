package vfs_test

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/justanotherdot/nanokern/common"
	"github.com/justanotherdot/nanokern/tarfs"
	"github.com/justanotherdot/nanokern/vfs"
)

func Test(t *testing.T) { TestingT(t) }

type VFSSuite struct{}

var _ = Suite(&VFSSuite{})

// fakeDriver is a minimal vfs.Driver that reports back the subpath it
// was opened with, so tests can assert routing without a real
// filesystem behind it.
type fakeDriver struct {
	name     string
	lastPath string
}

func (d *fakeDriver) Open(path string, flags, mode int) (vfs.Handle, common.Err_t) {
	d.lastPath = path
	return path, 0
}
func (d *fakeDriver) Close(vfs.Handle) common.Err_t                { return 0 }
func (d *fakeDriver) Read(vfs.Handle, []byte) (int, common.Err_t)  { return 0, 0 }
func (d *fakeDriver) Write(vfs.Handle, []byte) (int, common.Err_t) { return 0, 0 }
func (d *fakeDriver) Readdir(vfs.Handle) (string, bool, common.Err_t) {
	return "", false, 0
}
func (d *fakeDriver) Ioctl(vfs.Handle, int, interface{}) (int, common.Err_t) {
	return 0, common.ENOSYS
}

// TestLongestPrefixRouting is spec.md §8 scenario 5, literally.
func (s *VFSSuite) TestLongestPrefixRouting(c *C) {
	g := vfs.NewGraph()
	x := &fakeDriver{name: "X"}
	y := &fakeDriver{name: "Y"}
	_, err := g.Register("/a", x)
	c.Assert(err, Equals, common.Err_t(0))
	_, err = g.Register("/a/b/c", y)
	c.Assert(err, Equals, common.Err_t(0))

	fd, err := g.Open("/a/b/c/file", vfs.ORDONLY, 0)
	c.Assert(err, Equals, common.Err_t(0))
	c.Assert(fd >= 0, Equals, true)
	c.Assert(y.lastPath, Equals, "/file")
	c.Assert(g.Close(fd), Equals, common.Err_t(0))

	fd, err = g.Open("/a/b/other", vfs.ORDONLY, 0)
	c.Assert(err, Equals, common.Err_t(0))
	c.Assert(x.lastPath, Equals, "/b/other")
	c.Assert(g.Close(fd), Equals, common.Err_t(0))

	_, err = g.Open("/z", vfs.ORDONLY, 0)
	c.Assert(err, Equals, common.ENOENT)
}

func (s *VFSSuite) TestRegisterRemoveRoundTrip(c *C) {
	g := vfs.NewGraph()
	_, err := g.Register("/a/b/c", &fakeDriver{name: "Y"})
	c.Assert(err, Equals, common.Err_t(0))

	c.Assert(g.Unregister("/a/b/c"), Equals, common.Err_t(0))

	// every transient ancestor created along the way is pruned too,
	// since none of them carry a driver or further children: opening
	// any of them now reports no such path.
	_, err = g.Open("/a", vfs.ORDONLY, 0)
	c.Assert(err, Equals, common.ENOENT)
}

func (s *VFSSuite) TestDoubleRegisterAtSamePathIsRejected(c *C) {
	g := vfs.NewGraph()
	_, err := g.Register("/a", &fakeDriver{name: "X"})
	c.Assert(err, Equals, common.Err_t(0))
	_, err = g.Register("/a", &fakeDriver{name: "X2"})
	c.Assert(err, Equals, common.EEXIST)
}

func (s *VFSSuite) TestUnregisterUnknownPathIsNotFound(c *C) {
	g := vfs.NewGraph()
	c.Assert(g.Unregister("/nope"), Equals, common.ENOENT)
}

func (s *VFSSuite) TestReadRejectedByOpenFlags(c *C) {
	g := vfs.NewGraph()
	_, err := g.Register("/a", &fakeDriver{name: "X"})
	c.Assert(err, Equals, common.Err_t(0))

	fd, err := g.Open("/a", vfs.OWRONLY, 0)
	c.Assert(err, Equals, common.Err_t(0))
	_, err = g.Read(fd, make([]byte, 1))
	c.Assert(err, Equals, common.EPERM)
}

func (s *VFSSuite) TestFDTableExhaustion(c *C) {
	g := vfs.NewGraph()
	_, err := g.Register("/a", &fakeDriver{name: "X"})
	c.Assert(err, Equals, common.Err_t(0))

	var fds []int
	for i := 0; i < 128; i++ {
		fd, err := g.Open("/a", vfs.ORDONLY, 0)
		c.Assert(err, Equals, common.Err_t(0))
		fds = append(fds, fd)
	}
	_, err = g.Open("/a", vfs.ORDONLY, 0)
	c.Assert(err, Equals, common.ENOMEM)

	c.Assert(g.Close(fds[0]), Equals, common.Err_t(0))
	_, err = g.Open("/a", vfs.ORDONLY, 0)
	c.Assert(err, Equals, common.Err_t(0))
}

func (s *VFSSuite) TestTransientNodeReaddirsUniformly(c *C) {
	g := vfs.NewGraph()
	_, err := g.Register("/a/b/c", &fakeDriver{name: "Y"})
	c.Assert(err, Equals, common.Err_t(0))

	// "/a" itself carries no driver, but opening it for directory
	// listing still works via the internal transient driver.
	fd, err := g.Open("/a", vfs.ORDONLY, 0)
	c.Assert(err, Equals, common.Err_t(0))
	name, more, rerr := g.Readdir(fd)
	c.Assert(rerr, Equals, common.Err_t(0))
	c.Assert(more, Equals, true)
	c.Assert(name, Equals, "b")
}

// TestMountTriesRegisteredFSTypes runs Mount with the tarfs FSType
// registered against a device whose superblock lacks the ustar magic:
// every registered probe rejects it, so Mount reports EINVAL.
func (s *VFSSuite) TestMountTriesRegisteredFSTypes(c *C) {
	g := vfs.NewGraph()
	g.RegisterFSType(tarfs.FSType{})

	dev := badSuperblockDevice{}
	err := g.Mount("/mnt", dev, "")
	c.Assert(err, Equals, common.EINVAL)
}

type badSuperblockDevice struct{}

func (badSuperblockDevice) ReadBlock(index uint64, buf []byte) common.Err_t {
	for i := range buf {
		buf[i] = 0
	}
	return 0
}
