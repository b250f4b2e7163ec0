package progress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"math/cmplx"
	"regexp"
	"strconv"
	"strings"
)

var npyMagic = []byte("\x93NUMPY")

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// errShortHeader returned while the header is not fully written yet
var errShortHeader = errors.New("incomplete npy header")

// npyHeader describes a complex array stored in npy file, shape is (iterations, modes, nx, ny)
type npyHeader struct {
	dtype  string
	shape  []int
	offset int64 // start of the data
}

// readHeader parses npy header, versions 1 to 3
func readHeader(r io.ReaderAt) (npyHeader, error) {
	pre := make([]byte, 12)
	n, err := r.ReadAt(pre, 0)
	if n < 10 {
		if err == nil || errors.Is(err, io.EOF) {
			return npyHeader{}, errShortHeader
		}
		return npyHeader{}, err
	}
	if string(pre[:6]) != string(npyMagic) {
		return npyHeader{}, errors.New("not an npy file")
	}

	var hlen, start int64
	switch pre[6] {
	case 1:
		hlen, start = int64(binary.LittleEndian.Uint16(pre[8:10])), 10
	case 2, 3:
		if n < 12 {
			return npyHeader{}, errShortHeader
		}
		hlen, start = int64(binary.LittleEndian.Uint32(pre[8:12])), 12
	default:
		return npyHeader{}, fmt.Errorf("unsupported npy version %d.%d", pre[6], pre[7])
	}

	raw := make([]byte, hlen)
	if n, err = r.ReadAt(raw, start); int64(n) < hlen {
		if err == nil || errors.Is(err, io.EOF) {
			return npyHeader{}, errShortHeader
		}
		return npyHeader{}, err
	}
	return parseHeader(string(raw), start+hlen)
}

func parseHeader(dict string, offset int64) (npyHeader, error) {
	res := npyHeader{offset: offset}

	m := reDescr.FindStringSubmatch(dict)
	if m == nil {
		return npyHeader{}, fmt.Errorf("no descr in npy header %q", dict)
	}
	res.dtype = m[1]
	if res.itemSize() == 0 {
		return npyHeader{}, fmt.Errorf("unsupported dtype %q, complex64 or complex128 expected", res.dtype)
	}

	if m = reFortran.FindStringSubmatch(dict); m == nil || m[1] != "False" {
		return npyHeader{}, errors.New("fortran ordered arrays not supported")
	}

	if m = reShape.FindStringSubmatch(dict); m == nil {
		return npyHeader{}, fmt.Errorf("no shape in npy header %q", dict)
	}
	for dim := range strings.SplitSeq(m[1], ",") {
		dim = strings.TrimSpace(dim)
		if dim == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(dim, "L"))
		if err != nil || v < 0 {
			return npyHeader{}, fmt.Errorf("bad dimension %q in npy shape", dim)
		}
		res.shape = append(res.shape, v)
	}
	if len(res.shape) != 4 {
		return npyHeader{}, fmt.Errorf("expected 4 dimensions, got shape %v", res.shape)
	}

	size := uint64(res.itemSize())
	for _, dim := range res.shape {
		hi, lo := bits.Mul64(size, uint64(dim))
		if hi != 0 || lo > uint64(math.MaxInt64-offset) {
			return npyHeader{}, fmt.Errorf("npy shape %v %s is too large", res.shape, res.dtype)
		}
		size = lo
	}
	return res, nil
}

func (h npyHeader) itemSize() int {
	switch h.dtype {
	case "<c8":
		return 8
	case "<c16":
		return 16
	}
	return 0
}

// slotSize is the byte size of a single (nx, ny) grid
func (h npyHeader) slotSize() int64 {
	return int64(h.shape[2]) * int64(h.shape[3]) * int64(h.itemSize())
}

// dataSize is the total byte size of the array
func (h npyHeader) dataSize() int64 {
	return int64(h.shape[0]) * int64(h.shape[1]) * h.slotSize()
}

// slotOffset returns file offset of [it-1, mode] grid
func (h npyHeader) slotOffset(it, mode int) int64 {
	return h.offset + (int64(it-1)*int64(h.shape[1])+int64(mode))*h.slotSize()
}

// decodeSlot converts raw grid to amplitude and phase, rotated for display
func (h npyHeader) decodeSlot(raw []byte) (amp, phase Grid) {
	nx, ny := h.shape[2], h.shape[3]
	amp, phase = newGrid(ny, nx), newGrid(ny, nx)
	for r := range ny {
		for c := range nx {
			v := h.value(raw, c*ny+ny-1-r)
			amp.Data[r*nx+c] = cmplx.Abs(v)
			phase.Data[r*nx+c] = cmplx.Phase(v)
		}
	}
	return amp, phase
}

func (h npyHeader) value(raw []byte, idx int) complex128 {
	if h.dtype == "<c8" {
		b := raw[idx*8:]
		re := math.Float32frombits(binary.LittleEndian.Uint32(b[0:4]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(b[4:8]))
		return complex(float64(re), float64(im))
	}
	b := raw[idx*16:]
	return complex(math.Float64frombits(binary.LittleEndian.Uint64(b[0:8])),
		math.Float64frombits(binary.LittleEndian.Uint64(b[8:16])))
}
