// Package batch converts ragged per-file FeatureSets into the dense, padded
// buffers fed to the classifier in a single call.
package batch

import "github.com/straja-ai/apkguard/internal/features"

// Pad is the sentinel written into every padded cell.
const Pad = 0

// Batch holds row-major buffers. Row i of every buffer belongs to the i-th
// FeatureSet passed to Assemble.
type Batch struct {
	Rows int

	// OpcodeWidth is the padded opcode sequence length (columns of Opcodes).
	OpcodeWidth int
	// SpanWidth is the padded number of (start, end) pairs per row; Indices
	// holds 2*SpanWidth int32 values per row.
	SpanWidth int

	Opcodes     []uint8 // (Rows, OpcodeWidth)
	Indices     []int32 // (Rows, SpanWidth, 2)
	Permissions []uint8 // (Rows, features.NumPermissions)
}

// Assemble pads every FeatureSet to the batch-wide maxima and flattens them.
// It returns false for an empty input, in which case no batch exists and no
// inference must be attempted. Padded widths are at least one so that no
// tensor dimension is zero.
func Assemble(sets []features.FeatureSet) (*Batch, bool) {
	if len(sets) == 0 {
		return nil, false
	}

	maxOps, maxSpans := 1, 1
	for i := range sets {
		if n := len(sets[i].Opcodes); n > maxOps {
			maxOps = n
		}
		if n := len(sets[i].Spans); n > maxSpans {
			maxSpans = n
		}
	}

	b := &Batch{
		Rows:        len(sets),
		OpcodeWidth: maxOps,
		SpanWidth:   maxSpans,
		Opcodes:     make([]uint8, len(sets)*maxOps),
		Indices:     make([]int32, len(sets)*maxSpans*2),
		Permissions: make([]uint8, len(sets)*features.NumPermissions),
	}

	// make() zero-fills, which is the padding sentinel; only copy payloads.
	for i := range sets {
		copy(b.Opcodes[i*maxOps:], sets[i].Opcodes)

		row := b.Indices[i*maxSpans*2 : (i+1)*maxSpans*2]
		for j, s := range sets[i].Spans {
			row[2*j] = s.Start
			row[2*j+1] = s.End
		}

		copy(b.Permissions[i*features.NumPermissions:], sets[i].Permissions[:])
	}
	return b, true
}

// OpcodeShape is the tensor shape of Opcodes.
func (b *Batch) OpcodeShape() []int64 {
	return []int64{int64(b.Rows), int64(b.OpcodeWidth)}
}

// IndexShape is the tensor shape of Indices.
func (b *Batch) IndexShape() []int64 {
	return []int64{int64(b.Rows), int64(b.SpanWidth), 2}
}

// PermissionShape is the tensor shape of Permissions.
func (b *Batch) PermissionShape() []int64 {
	return []int64{int64(b.Rows), features.NumPermissions}
}

// OpcodeRow returns row i of the opcode matrix.
func (b *Batch) OpcodeRow(i int) []uint8 {
	return b.Opcodes[i*b.OpcodeWidth : (i+1)*b.OpcodeWidth]
}

// SpanRow returns row i of the index matrix as flat (start, end) pairs.
func (b *Batch) SpanRow(i int) []int32 {
	return b.Indices[i*b.SpanWidth*2 : (i+1)*b.SpanWidth*2]
}

// PermissionRow returns row i of the permission matrix.
func (b *Batch) PermissionRow(i int) []uint8 {
	return b.Permissions[i*features.NumPermissions : (i+1)*features.NumPermissions]
}
