package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/Belluxx/Perplex/internal/logger"
)

const (
	// maxStringLen guards against corrupt length prefixes.
	maxStringLen = 1 << 24
	// maxPrealloc caps slice preallocation for array values.
	maxPrealloc = 1 << 20
)

// LoadFile parses the header, metadata and tensor descriptors of a GGUF
// file. Tensor data is not read.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close() // Ignore close error in reader function
	}()

	file, err := Decode(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("gguf %s: %w", path, err)
	}

	logger.Log.Debug("GGUF metadata loaded",
		"path", path,
		"version", file.Header.Version,
		"kv", len(file.KV),
		"tensors", len(file.Tensors),
	)
	return file, nil
}

// Decode reads a GGUF stream up to the end of the tensor descriptors.
func Decode(r io.Reader) (*GGUFFile, error) {
	d := &decoder{r: r}

	file := &GGUFFile{KV: make(map[string]interface{})}

	file.Header.Magic = d.u32()
	if d.err != nil {
		return nil, d.err
	}
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}

	file.Header.Version = d.u32()
	if d.err != nil {
		return nil, d.err
	}
	// We support version 2 and 3
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}

	file.Header.TensorCount = d.u64()
	file.Header.KVCount = d.u64()
	if d.err != nil {
		return nil, d.err
	}

	for i := uint64(0); i < file.Header.KVCount; i++ {
		key := d.str()
		typ := GGUFMetadataValueType(d.u32())
		val := d.value(typ)
		if d.err != nil {
			return nil, fmt.Errorf("metadata entry %d: %w", i, d.err)
		}
		file.KV[key] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name := d.str()
		dims := d.u32()
		if d.err == nil && dims > 8 {
			return nil, fmt.Errorf("tensor %q: implausible dimension count %d", name, dims)
		}
		dimArr := make([]uint64, dims)
		for j := range dimArr {
			dimArr[j] = d.u64()
		}
		typ := GGMLType(d.u32())
		offset := d.u64()
		if d.err != nil {
			return nil, fmt.Errorf("tensor descriptor %d: %w", i, d.err)
		}
		file.Tensors = append(file.Tensors, &TensorInfo{
			Name:       name,
			Dimensions: dimArr,
			Type:       typ,
			Offset:     offset,
		})
	}

	return file, nil
}

// decoder keeps the first error so the parsing code can read straight
// through and check once per entry.
type decoder struct {
	r   io.Reader
	buf [8]byte
	err error
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return d.buf[:n]
	}
	if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		d.err = err
	}
	return d.buf[:n]
}

func (d *decoder) u8() uint8   { return d.read(1)[0] }
func (d *decoder) u16() uint16 { return binary.LittleEndian.Uint16(d.read(2)) }
func (d *decoder) u32() uint32 { return binary.LittleEndian.Uint32(d.read(4)) }
func (d *decoder) u64() uint64 { return binary.LittleEndian.Uint64(d.read(8)) }

func (d *decoder) str() string {
	n := d.u64()
	if d.err != nil {
		return ""
	}
	if n > maxStringLen {
		d.err = fmt.Errorf("string length %d exceeds limit", n)
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = io.ErrUnexpectedEOF
		return ""
	}
	return string(b)
}

func (d *decoder) value(typ GGUFMetadataValueType) interface{} {
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return d.u8()
	case GGUFMetadataValueTypeInt8:
		return int8(d.u8())
	case GGUFMetadataValueTypeUint16:
		return d.u16()
	case GGUFMetadataValueTypeInt16:
		return int16(d.u16())
	case GGUFMetadataValueTypeUint32:
		return d.u32()
	case GGUFMetadataValueTypeInt32:
		return int32(d.u32())
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(d.u32())
	case GGUFMetadataValueTypeBool:
		return d.u8() != 0
	case GGUFMetadataValueTypeString:
		return d.str()
	case GGUFMetadataValueTypeUint64:
		return d.u64()
	case GGUFMetadataValueTypeInt64:
		return int64(d.u64())
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(d.u64())
	case GGUFMetadataValueTypeArray:
		elemType := GGUFMetadataValueType(d.u32())
		n := d.u64()
		if d.err != nil {
			return nil
		}
		if elemType == GGUFMetadataValueTypeArray {
			d.err = fmt.Errorf("nested arrays are not supported")
			return nil
		}
		arr := make([]interface{}, 0, min(n, maxPrealloc))
		for i := uint64(0); i < n; i++ {
			v := d.value(elemType)
			if d.err != nil {
				return nil
			}
			arr = append(arr, v)
		}
		return arr
	default:
		d.err = fmt.Errorf("unsupported metadata type: %d", typ)
		return nil
	}
}
