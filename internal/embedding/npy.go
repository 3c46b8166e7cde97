package embedding

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Minimal NumPy .npy (format version 1.0) codec for one-dimensional
// float arrays. Cluster sample files on disk stay interoperable with
// the Python tooling that reads and writes them.

var npyMagic = []byte("\x93NUMPY")

var npyShapeRe = regexp.MustCompile(`'shape':\s*\((\d+),?\)`)

// WriteNpy writes vector to path as a little-endian float32 array.
func WriteNpy(path string, vector []float64) error {
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d,), }", len(vector))
	// Total header (magic + version + length + dict) pads to a 64-byte
	// multiple, terminated by newline.
	base := len(npyMagic) + 2 + 2
	padded := base + len(header) + 1
	if rem := padded % 64; rem != 0 {
		padded += 64 - rem
	}
	dict := header + strings.Repeat(" ", padded-base-len(header)-1) + "\n"

	buf := make([]byte, 0, padded+4*len(vector))
	buf = append(buf, npyMagic...)
	buf = append(buf, 1, 0)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(dict)))
	buf = append(buf, dict...)
	for _, x := range vector {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(x)))
	}
	return os.WriteFile(path, buf, 0o644)
}

// ReadNpy reads a one-dimensional float32 or float64 array from path.
func ReadNpy(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < len(npyMagic)+4 || string(data[:len(npyMagic)]) != string(npyMagic) {
		return nil, fmt.Errorf("%s: not an npy file", path)
	}
	major := data[len(npyMagic)]
	if major != 1 {
		return nil, fmt.Errorf("%s: unsupported npy version %d", path, major)
	}
	headerLen := int(binary.LittleEndian.Uint16(data[len(npyMagic)+2:]))
	headerStart := len(npyMagic) + 4
	if len(data) < headerStart+headerLen {
		return nil, fmt.Errorf("%s: truncated npy header", path)
	}
	header := string(data[headerStart : headerStart+headerLen])
	body := data[headerStart+headerLen:]

	var elemSize int
	switch {
	case strings.Contains(header, "<f4"):
		elemSize = 4
	case strings.Contains(header, "<f8"):
		elemSize = 8
	default:
		return nil, fmt.Errorf("%s: unsupported npy dtype in header %q", path, header)
	}

	match := npyShapeRe.FindStringSubmatch(header)
	if match == nil {
		return nil, fmt.Errorf("%s: unsupported npy shape in header %q", path, header)
	}
	count, err := strconv.Atoi(match[1])
	if err != nil {
		return nil, fmt.Errorf("%s: parse npy shape: %w", path, err)
	}
	if len(body) < count*elemSize {
		return nil, fmt.Errorf("%s: truncated npy data: want %d elements", path, count)
	}

	out := make([]float64, count)
	for i := 0; i < count; i++ {
		offset := i * elemSize
		if elemSize == 4 {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(body[offset:])))
		} else {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[offset:]))
		}
	}
	return out, nil
}
