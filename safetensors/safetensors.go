// Package safetensors reads tensors stored in the safetensors file format: an 8-byte
// little-endian header length, a JSON header mapping tensor names to dtype, shape and
// byte offsets, followed by the raw tensor data in row-major order.
//
// The format is defined by https://github.com/huggingface/safetensors. It is the
// interchange format most published diffusion checkpoints ship in, so this package is
// the entry point for running the models in this repository with pretrained weights.
// See LoadIntoContext to copy a file's tensors into a context.Context.
package safetensors

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// maxHeaderSize bounds the JSON header, to fail fast on corrupted files rather than
// attempting a giant allocation.
const maxHeaderSize = 100 * 1024 * 1024

// metadataKey is the reserved header entry holding free-form string metadata.
const metadataKey = "__metadata__"

// dtypeByName maps the dtype strings of the format to GoMLX dtypes, for the subset of
// dtypes this package supports.
var dtypeByName = map[string]dtypes.DType{
	"F64":  dtypes.Float64,
	"F32":  dtypes.Float32,
	"F16":  dtypes.Float16,
	"BF16": dtypes.BFloat16,
	"I64":  dtypes.Int64,
	"I32":  dtypes.Int32,
	"U8":   dtypes.Uint8,
	"BOOL": dtypes.Bool,
}

// bytesPerElement for each supported dtype string.
var bytesPerElement = map[string]int{
	"F64":  8,
	"F32":  4,
	"F16":  2,
	"BF16": 2,
	"I64":  8,
	"I32":  4,
	"U8":   1,
	"BOOL": 1,
}

// headerEntry is the JSON value describing one tensor in the header.
type headerEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Tensor is one named tensor read from a safetensors file. The raw little-endian data
// is kept in memory; use Float32s or Value to materialize it.
type Tensor struct {
	// Name of the tensor in the file.
	Name string

	// DType of the elements.
	DType dtypes.DType

	// Dims of the tensor, outermost first. Empty for a scalar.
	Dims []int

	data []byte
}

// File is a parsed safetensors file with all tensor data loaded in memory.
type File struct {
	byName   map[string]*Tensor
	names    []string
	metadata map[string]string
}

// Open reads and parses the safetensors file at the given path.
func Open(path string) (f *File, err error) {
	reader, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "safetensors: failed to open %q", path)
	}
	defer func() {
		closeErr := reader.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "safetensors: failed to close %q", path)
		}
	}()
	stat, err := reader.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "safetensors: failed to stat %q", path)
	}
	f, err = Read(reader, stat.Size())
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading %q", path)
	}
	return f, nil
}

// Read parses a safetensors file from r, which must hold size bytes.
func Read(r io.ReaderAt, size int64) (*File, error) {
	var sizeBuf [8]byte
	if _, err := r.ReadAt(sizeBuf[:], 0); err != nil {
		return nil, errors.Wrap(err, "safetensors: failed to read header length")
	}
	headerLen := int64(binary.LittleEndian.Uint64(sizeBuf[:]))
	if headerLen <= 0 || headerLen > maxHeaderSize || 8+headerLen > size {
		return nil, errors.Errorf("safetensors: invalid header length %d in a file of %d bytes", headerLen, size)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := r.ReadAt(headerBytes, 8); err != nil {
		return nil, errors.Wrap(err, "safetensors: failed to read header")
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, errors.Wrap(err, "safetensors: failed to parse JSON header")
	}

	dataStart := 8 + headerLen
	dataSize := size - dataStart
	f := &File{byName: make(map[string]*Tensor, len(header))}
	for name, raw := range header {
		if name == metadataKey {
			if err := json.Unmarshal(raw, &f.metadata); err != nil {
				return nil, errors.Wrapf(err, "safetensors: failed to parse %s", metadataKey)
			}
			continue
		}
		var entry headerEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, errors.Wrapf(err, "safetensors: failed to parse header entry of tensor %q", name)
		}
		dtype, ok := dtypeByName[entry.DType]
		if !ok {
			return nil, errors.Errorf("safetensors: tensor %q has unsupported dtype %q", name, entry.DType)
		}
		numElements := 1
		for _, dim := range entry.Shape {
			if dim < 0 {
				return nil, errors.Errorf("safetensors: tensor %q has invalid shape %v", name, entry.Shape)
			}
			numElements *= dim
		}
		begin, end := entry.DataOffsets[0], entry.DataOffsets[1]
		if begin < 0 || end < begin || end > dataSize {
			return nil, errors.Errorf("safetensors: tensor %q has data offsets [%d, %d) outside the %d data bytes",
				name, begin, end, dataSize)
		}
		if wantBytes := int64(numElements) * int64(bytesPerElement[entry.DType]); end-begin != wantBytes {
			return nil, errors.Errorf("safetensors: tensor %q has %d data bytes, but shape %v of %s requires %d",
				name, end-begin, entry.Shape, entry.DType, wantBytes)
		}
		data := make([]byte, end-begin)
		if _, err := r.ReadAt(data, dataStart+begin); err != nil {
			return nil, errors.Wrapf(err, "safetensors: failed to read data of tensor %q", name)
		}
		f.byName[name] = &Tensor{Name: name, DType: dtype, Dims: entry.Shape, data: data}
	}

	f.names = make([]string, 0, len(f.byName))
	for name := range f.byName {
		f.names = append(f.names, name)
	}
	slices.Sort(f.names)
	return f, nil
}

// Names returns the names of all tensors in the file, sorted.
func (f *File) Names() []string {
	return slices.Clone(f.names)
}

// Metadata returns the free-form "__metadata__" entries of the file, or nil if the
// file has none.
func (f *File) Metadata() map[string]string {
	return f.metadata
}

// Tensor returns the tensor with the given name.
func (f *File) Tensor(name string) (*Tensor, error) {
	t, ok := f.byName[name]
	if !ok {
		return nil, errors.Errorf("safetensors: file has no tensor named %q", name)
	}
	return t, nil
}

// NumElements returns the number of elements of the tensor, 1 for a scalar.
func (t *Tensor) NumElements() int {
	n := 1
	for _, dim := range t.Dims {
		n *= dim
	}
	return n
}

// Float32s returns the tensor data converted element-wise to float32, whatever the
// stored dtype.
func (t *Tensor) Float32s() ([]float32, error) {
	out := make([]float32, t.NumElements())
	switch t.DType {
	case dtypes.Float64:
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(t.data[8*i:])))
		}
	case dtypes.Float32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.data[4*i:]))
		}
	case dtypes.Float16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.data[2*i:])).Float32()
		}
	case dtypes.BFloat16:
		// bfloat16 is the upper half of a float32.
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(t.data[2*i:])) << 16)
		}
	case dtypes.Int64:
		for i := range out {
			out[i] = float32(int64(binary.LittleEndian.Uint64(t.data[8*i:])))
		}
	case dtypes.Int32:
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(t.data[4*i:])))
		}
	case dtypes.Uint8:
		for i := range out {
			out[i] = float32(t.data[i])
		}
	case dtypes.Bool:
		for i := range out {
			if t.data[i] != 0 {
				out[i] = 1
			}
		}
	default:
		return nil, errors.Errorf("safetensors: tensor %q: cannot convert dtype %s to float32", t.Name, t.DType)
	}
	return out, nil
}

// Value materializes the tensor as a GoMLX tensor of the same dtype and dimensions.
func (t *Tensor) Value() (*tensors.Tensor, error) {
	switch t.DType {
	case dtypes.Float64:
		return fromRawData(t, 8, func(b []byte) float64 {
			return math.Float64frombits(binary.LittleEndian.Uint64(b))
		}), nil
	case dtypes.Float32:
		return fromRawData(t, 4, func(b []byte) float32 {
			return math.Float32frombits(binary.LittleEndian.Uint32(b))
		}), nil
	case dtypes.Float16:
		return fromRawData(t, 2, func(b []byte) float16.Float16 {
			return float16.Frombits(binary.LittleEndian.Uint16(b))
		}), nil
	case dtypes.BFloat16:
		return fromRawData(t, 2, func(b []byte) bfloat16.BFloat16 {
			return bfloat16.BFloat16(binary.LittleEndian.Uint16(b))
		}), nil
	case dtypes.Int64:
		return fromRawData(t, 8, func(b []byte) int64 {
			return int64(binary.LittleEndian.Uint64(b))
		}), nil
	case dtypes.Int32:
		return fromRawData(t, 4, func(b []byte) int32 {
			return int32(binary.LittleEndian.Uint32(b))
		}), nil
	case dtypes.Uint8:
		return fromRawData(t, 1, func(b []byte) uint8 { return b[0] }), nil
	case dtypes.Bool:
		return fromRawData(t, 1, func(b []byte) bool { return b[0] != 0 }), nil
	}
	return nil, errors.Errorf("safetensors: tensor %q has unsupported dtype %s", t.Name, t.DType)
}

// fromRawData decodes the little-endian raw data of t into a flat slice of T and
// builds a tensor with t's dimensions from it.
func fromRawData[T dtypes.Supported](t *Tensor, elemSize int, decode func([]byte) T) *tensors.Tensor {
	flat := make([]T, t.NumElements())
	for i := range flat {
		flat[i] = decode(t.data[i*elemSize:])
	}
	return tensors.FromFlatDataAndDimensions(flat, t.Dims...)
}
