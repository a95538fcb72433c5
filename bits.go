// bits.go: small bit-reinterpretation helpers shared by the segment header
// (float32 client version field) and the wire codec (u64/f32 framing).
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hop

import (
	"math"
	"unsafe"
)

func float32Bits(f float32) uint32    { return math.Float32bits(f) }
func float32FromBits(b uint32) float32 { return math.Float32frombits(b) }

// ptrAt returns a pointer to the byte at offset within buf, for use with
// sync/atomic's typed pointer helpers over mmap'd memory. Callers are
// responsible for offset alignment and for buf outliving the pointer.
func ptrAt(buf []byte, offset int) unsafe.Pointer {
	return unsafe.Pointer(&buf[offset])
}
