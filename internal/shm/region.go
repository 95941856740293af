// Package shm implements the shared-memory data channel between a worker and
// its coordinator.
//
// A Region is a fixed-capacity mmap'd segment plus a link file. The link file
// lives in a folder both sides know and is named from the worker's process
// identity, so the coordinator can find the segment without another
// handshake. The worker creates the region; the coordinator attaches to it.
//
// Layout of the segment:
//
//	offset 0   magic     u32
//	offset 4   version   u32
//	offset 8   capacity  u64 (size of the data area)
//	offset 16  state     u32 (futex word: empty, to-worker, to-coordinator, closed)
//	offset 20  frames    u32 (frames handed off, wraps)
//	offset 64  data area: one frame, [u64 length][payload]
//
// Exactly one frame is in flight at a time. Each frame overwrites the last.
package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/roach88/envproc/internal/ir"
)

const (
	magic      uint32 = 0x48535045 // "EPSH"
	headerSize        = 64

	offMagic    = 0
	offVersion  = 4
	offCapacity = 8
	offState    = 16
	offFrames   = 20

	// FrameOverhead is the length prefix written before every payload.
	FrameOverhead = 8

	// LinkSuffix is appended to the process identity to name the link file.
	LinkSuffix = ".flink"
)

var (
	// ErrCapacityExceeded is returned by Publish when a frame does not fit.
	// Nothing is written to the region.
	ErrCapacityExceeded = errors.New("shm: frame exceeds buffer capacity")

	// ErrLinkExists is returned by Create when the link file is already present.
	ErrLinkExists = errors.New("shm: link file already exists")

	// ErrBadRegion is returned by Attach when the segment header is invalid.
	ErrBadRegion = errors.New("shm: invalid region header")

	// ErrClosed is returned when the owner closed the region.
	ErrClosed = errors.New("shm: region closed")

	// ErrCorruptFrame is returned by Consume when the length prefix is out of range.
	ErrCorruptFrame = errors.New("shm: corrupt frame length")

	// ErrInvalidIdentity is returned for process identities that cannot name a file.
	ErrInvalidIdentity = errors.New("shm: invalid process identity")
)

// Region is a mapped shared-memory segment.
type Region struct {
	mu          sync.Mutex
	mem         []byte
	capacity    int
	owner       bool
	linkPath    string
	backingPath string
}

// LinkPath returns the link file path for a process identity.
func LinkPath(folder, procID string) string {
	return filepath.Join(folder, procID+LinkSuffix)
}

// ValidateIdentity checks that procID can be used as a file name.
func ValidateIdentity(procID string) error {
	if procID == "" || procID == "." || procID == ".." || strings.ContainsAny(procID, `/\`+"\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, procID)
	}
	return nil
}

// SegmentDir returns the directory used for backing segments: /dev/shm when
// available, otherwise the system temp directory.
func SegmentDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Create allocates a region with a data area of capacity bytes and publishes
// its link file in folder. The caller owns the region: Close removes both the
// link file and the backing segment.
func Create(folder, procID string, capacity int) (*Region, error) {
	if err := ValidateIdentity(procID); err != nil {
		return nil, err
	}
	if capacity <= FrameOverhead {
		return nil, fmt.Errorf("shm: capacity %d must exceed frame overhead %d", capacity, FrameOverhead)
	}

	link := LinkPath(folder, procID)
	if _, err := os.Lstat(link); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrLinkExists, link)
	}

	backing := filepath.Join(SegmentDir(), "envproc-"+uuid.NewString())
	mem, err := mapFile(backing, headerSize+capacity, true)
	if err != nil {
		return nil, err
	}

	binary.LittleEndian.PutUint32(mem[offMagic:], magic)
	binary.LittleEndian.PutUint32(mem[offVersion:], ir.ProtocolVersion)
	binary.LittleEndian.PutUint64(mem[offCapacity:], uint64(capacity))

	r := &Region{
		mem:         mem,
		capacity:    capacity,
		owner:       true,
		linkPath:    link,
		backingPath: backing,
	}

	if err := writeLink(link, backing); err != nil {
		_ = unix.Munmap(mem)
		_ = os.Remove(backing)
		return nil, err
	}

	return r, nil
}

// Attach maps the region published under procID in folder.
func Attach(folder, procID string) (*Region, error) {
	if err := ValidateIdentity(procID); err != nil {
		return nil, err
	}

	link := LinkPath(folder, procID)
	target, err := os.ReadFile(link)
	if err != nil {
		return nil, fmt.Errorf("shm: read link %s: %w", link, err)
	}
	backing := strings.TrimSpace(string(target))

	info, err := os.Stat(backing)
	if err != nil {
		return nil, fmt.Errorf("shm: stat segment %s: %w", backing, err)
	}
	size := int(info.Size())
	if size <= headerSize {
		return nil, fmt.Errorf("%w: segment is %d bytes", ErrBadRegion, size)
	}

	mem, err := mapFile(backing, size, false)
	if err != nil {
		return nil, err
	}

	if got := binary.LittleEndian.Uint32(mem[offMagic:]); got != magic {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("%w: magic %#x", ErrBadRegion, got)
	}
	if got := binary.LittleEndian.Uint32(mem[offVersion:]); got != ir.ProtocolVersion {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("%w: protocol version %d, want %d", ErrBadRegion, got, ir.ProtocolVersion)
	}
	capacity := binary.LittleEndian.Uint64(mem[offCapacity:])
	if capacity != uint64(size-headerSize) {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("%w: capacity %d does not match segment size %d", ErrBadRegion, capacity, size)
	}

	return &Region{
		mem:         mem,
		capacity:    int(capacity),
		linkPath:    link,
		backingPath: backing,
	}, nil
}

// Capacity returns the size of the data area in bytes.
func (r *Region) Capacity() int {
	return r.capacity
}

// MaxPayload returns the largest payload a single frame can carry.
func (r *Region) MaxPayload() int {
	return r.capacity - FrameOverhead
}

// LinkPath returns the path of the region's link file.
func (r *Region) LinkPath() string {
	return r.linkPath
}

// Frames returns the number of frames handed off through the region (mod 2^32).
func (r *Region) Frames() uint32 {
	return atomic.LoadUint32(r.word(offFrames))
}

// Close unmaps the region. The owner also marks the region closed, wakes any
// waiting peer and removes the link file and backing segment.
// Close is idempotent.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mem == nil {
		return nil
	}

	var errs []error
	if r.owner {
		atomic.StoreUint32(r.word(offState), stateClosed)
		futexWake(r.word(offState))
		if err := os.Remove(r.linkPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove link: %w", err))
		}
		if err := os.Remove(r.backingPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove segment: %w", err))
		}
	}
	if err := unix.Munmap(r.mem); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	r.mem = nil
	return errors.Join(errs...)
}

// word returns a pointer to the aligned u32 at off in the header.
func (r *Region) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *Region) data() []byte {
	return r.mem[headerSize:]
}

func mapFile(path string, size int, create bool) ([]byte, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open segment: %w", err)
	}
	defer f.Close()

	if create {
		if err := f.Truncate(int64(size)); err != nil {
			_ = os.Remove(path)
			return nil, fmt.Errorf("shm: size segment: %w", err)
		}
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if create {
			_ = os.Remove(path)
		}
		return nil, fmt.Errorf("shm: mmap segment: %w", err)
	}
	return mem, nil
}

// writeLink creates the link file exclusively so two workers with the same
// identity cannot both publish a region.
func writeLink(link, backing string) error {
	f, err := os.OpenFile(link, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrLinkExists, link)
		}
		return fmt.Errorf("shm: create link: %w", err)
	}
	if _, err := f.WriteString(backing); err != nil {
		f.Close()
		_ = os.Remove(link)
		return fmt.Errorf("shm: write link: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(link)
		return fmt.Errorf("shm: close link: %w", err)
	}
	return nil
}
