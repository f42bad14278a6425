package tarfs_test

import (
	"fmt"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	. "gopkg.in/check.v1"

	"github.com/justanotherdot/nanokern/common"
	"github.com/justanotherdot/nanokern/tarfs"
	"github.com/justanotherdot/nanokern/vfs"
)

func Test(t *testing.T) { TestingT(t) }

type TarfsSuite struct{}

var _ = Suite(&TarfsSuite{})

// memArchive is an in-memory vfs.BlockReader over a hand-assembled
// ustar byte stream, used instead of archive/tar so the fixture
// exercises exactly the on-disk layout spec.md §3.9 describes.
type memArchive struct {
	blocks [][512]byte
}

func (m *memArchive) ReadBlock(index uint64, buf []byte) common.Err_t {
	if index >= uint64(len(m.blocks)) {
		return common.EINVAL
	}
	copy(buf, m.blocks[index][:])
	return 0
}

type archiveBuilder struct {
	blocks [][512]byte
}

func (b *archiveBuilder) addHeader(name string, typeflag byte, size int) {
	var blk [512]byte
	copy(blk[0:100], []byte(name))
	copy(blk[100:108], []byte("0000644\x00"))
	blk[156] = typeflag
	copy(blk[124:136], []byte(fmt.Sprintf("%011o\x00", size)))
	copy(blk[257:263], []byte("ustar "))
	b.blocks = append(b.blocks, blk)
}

func (b *archiveBuilder) addData(data []byte) {
	nblocks := (len(data) + 511) / 512
	for i := 0; i < nblocks; i++ {
		var blk [512]byte
		start := i * 512
		end := start + 512
		if end > len(data) {
			end = len(data)
		}
		copy(blk[:], data[start:end])
		b.blocks = append(b.blocks, blk)
	}
}

func (b *archiveBuilder) build() *memArchive {
	return &memArchive{blocks: b.blocks}
}

func fixtureArchive() *memArchive {
	b := &archiveBuilder{}
	b.addHeader("etc/", '5', 0)
	b.addHeader("etc/hello", '0', 6)
	b.addData([]byte("HELLO\n"))
	b.addHeader("etc/other", '0', 3)
	b.addData([]byte("hi\n"))
	return b.build()
}

func (s *TarfsSuite) TestProbeRejectsBadMagic(c *C) {
	dev := &memArchive{blocks: [][512]byte{{}}}
	_, err := tarfs.New(dev)
	c.Assert(err, Equals, common.EINVAL)
}

// TestOpenReadSeek is spec.md §8 scenario 4, literally.
func (s *TarfsSuite) TestOpenReadSeek(c *C) {
	d, err := tarfs.New(fixtureArchive())
	c.Assert(err, Equals, common.Err_t(0))

	h, err := d.Open("/etc/hello", vfs.ORDONLY, 0)
	c.Assert(err, Equals, common.Err_t(0))

	buf := make([]byte, 3)
	n, err := d.Read(h, buf)
	c.Assert(err, Equals, common.Err_t(0))
	c.Assert(n, Equals, 3)
	c.Assert(string(buf), Equals, "HEL")

	_, err = d.Ioctl(h, vfs.IoctlSeek, vfs.SeekArg{Whence: vfs.SeekSet, Offset: 0})
	c.Assert(err, Equals, common.Err_t(0))

	buf6 := make([]byte, 6)
	n, err = d.Read(h, buf6)
	c.Assert(err, Equals, common.Err_t(0))
	c.Assert(n, Equals, 6)
	c.Assert(string(buf6), Equals, "HELLO\n")

	n, err = d.Read(h, make([]byte, 1))
	c.Assert(err, Equals, common.Err_t(0))
	c.Assert(n, Equals, 0)
}

func (s *TarfsSuite) TestOpenMissingPathIsNotFound(c *C) {
	d, _ := tarfs.New(fixtureArchive())
	_, err := d.Open("/nope", vfs.ORDONLY, 0)
	c.Assert(err, Equals, common.ENOENT)
}

func (s *TarfsSuite) TestReaddirRoot(c *C) {
	d, _ := tarfs.New(fixtureArchive())
	h, err := d.Open("/", vfs.ORDONLY, 0)
	c.Assert(err, Equals, common.Err_t(0))

	var got []string
	for {
		name, more, rerr := d.Readdir(h)
		c.Assert(rerr, Equals, common.Err_t(0))
		if !more {
			break
		}
		got = append(got, name)
	}
	want := []string{"etc"}
	if diff := pretty.Compare(got, want); diff != "" {
		c.Fatalf("root listing mismatch:\n%s", diff)
	}
}

func (s *TarfsSuite) TestReaddirNonRootDirectory(c *C) {
	d, _ := tarfs.New(fixtureArchive())
	h, err := d.Open("/etc", vfs.ORDONLY, 0)
	c.Assert(err, Equals, common.Err_t(0))

	var got []string
	for {
		name, more, rerr := d.Readdir(h)
		c.Assert(rerr, Equals, common.Err_t(0))
		if !more {
			break
		}
		got = append(got, name)
	}
	want := []string{"hello", "other"}
	if diff := pretty.Compare(got, want); diff != "" {
		c.Fatalf("/etc listing mismatch:\n%s", diff)
	}
}

func (s *TarfsSuite) TestWriteIsRejected(c *C) {
	d, _ := tarfs.New(fixtureArchive())
	h, _ := d.Open("/etc/hello", vfs.ORDONLY, 0)
	n, err := d.Write(h, []byte("x"))
	c.Assert(n, Equals, -1)
	c.Assert(err, Equals, common.EPERM)
}

func (s *TarfsSuite) TestRemovedEntryIsSkipped(c *C) {
	b := &archiveBuilder{}
	b.addHeader("", 0, 0) // name[0] == 0: a removed entry, one block only
	b.addHeader("etc/hello", '0', 6)
	b.addData([]byte("HELLO\n"))
	dev := b.build()

	d, err := tarfs.New(dev)
	c.Assert(err, Equals, common.Err_t(0))
	_, err = d.Open("/etc/hello", vfs.ORDONLY, 0)
	c.Assert(err, Equals, common.Err_t(0))
}
