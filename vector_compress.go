package vexfs

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/s2"
)

// compressPayload applies the codec named by c: q4/q8 are numeric
// quantization codecs needing no external library, sparse is backed by
// klauspost/compress/s2, and PQ remains a reserved, unimplemented codec.
func compressPayload(data []byte, c Compression) ([]byte, int, error) {
	switch c {
	case CompressNone:
		return data, len(data), nil
	case CompressQ8:
		out := quantize(data, 8)
		return out, len(out), nil
	case CompressQ4:
		out := quantize(data, 4)
		return out, len(out), nil
	case CompressSparse:
		out := s2.Encode(nil, data)
		return out, len(out), nil
	case CompressPQ:
		return nil, 0, fmt.Errorf("%w: product quantization codec not implemented", ErrSerialization)
	default:
		return nil, 0, fmt.Errorf("%w: unknown compression codec %d", ErrSerialization, c)
	}
}

func decompressPayload(payload []byte, c Compression, originalSize int) ([]byte, error) {
	switch c {
	case CompressNone:
		return payload, nil
	case CompressQ8:
		return dequantize(payload, 8, originalSize)
	case CompressQ4:
		return dequantize(payload, 4, originalSize)
	case CompressSparse:
		out, err := s2.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: sparse decode: %v", ErrCorruptedData, err)
		}
		return out, nil
	case CompressPQ:
		return nil, fmt.Errorf("%w: product quantization codec not implemented", ErrSerialization)
	default:
		return nil, fmt.Errorf("%w: unknown compression codec %d", ErrSerialization, c)
	}
}

// quantize reduces each f32 component to a bits-wide fixed-point code,
// scaled against the payload's own min/max range. The scale and offset
// (as float32 values) are stored as an 8-byte header in front of the
// packed codes so dequantize needs no side channel.
func quantize(data []byte, bits int) []byte {
	n := len(data) / 4
	if n == 0 {
		return append([]byte{}, data...)
	}
	vals := make([]float32, n)
	min, max := float32(math.MaxFloat32), -float32(math.MaxFloat32)
	for i := 0; i < n; i++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
		vals[i] = v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	span := max - min
	if span == 0 {
		span = 1
	}
	levels := float32((1 << uint(bits)) - 1)

	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], math.Float32bits(min))
	binary.LittleEndian.PutUint32(out[4:8], math.Float32bits(span))

	switch bits {
	case 8:
		codes := make([]byte, n)
		for i, v := range vals {
			codes[i] = byte(((v - min) / span) * levels)
		}
		return append(out, codes...)
	case 4:
		codes := make([]byte, (n+1)/2)
		for i, v := range vals {
			code := byte(((v - min) / span) * levels)
			if i%2 == 0 {
				codes[i/2] |= code
			} else {
				codes[i/2] |= code << 4
			}
		}
		return append(out, codes...)
	default:
		return append(out, data...)
	}
}

func dequantize(payload []byte, bits int, originalSize int) ([]byte, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("%w: quantized payload too short", ErrCorruptedData)
	}
	min := math.Float32frombits(binary.LittleEndian.Uint32(payload[0:4]))
	span := math.Float32frombits(binary.LittleEndian.Uint32(payload[4:8]))
	codes := payload[8:]
	n := originalSize / 4
	out := make([]byte, originalSize)
	levels := float32((1 << uint(bits)) - 1)

	switch bits {
	case 8:
		if len(codes) < n {
			return nil, fmt.Errorf("%w: quantized payload truncated", ErrCorruptedData)
		}
		for i := 0; i < n; i++ {
			v := min + (float32(codes[i])/levels)*span
			binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(v))
		}
	case 4:
		if len(codes) < (n+1)/2 {
			return nil, fmt.Errorf("%w: quantized payload truncated", ErrCorruptedData)
		}
		for i := 0; i < n; i++ {
			var code byte
			if i%2 == 0 {
				code = codes[i/2] & 0x0F
			} else {
				code = (codes[i/2] >> 4) & 0x0F
			}
			v := min + (float32(code)/levels)*span
			binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(v))
		}
	default:
		return nil, fmt.Errorf("%w: unsupported quantization width %d", ErrSerialization, bits)
	}
	return out, nil
}
