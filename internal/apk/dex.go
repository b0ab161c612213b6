package apk

import (
	"encoding/binary"
	"fmt"
)

const (
	dexHeaderSize   = 0x70
	dexEndianTag    = 0x12345678
	classDefSize    = 32
	codeItemHeader  = 16
	payloadPacked   = 0x0100
	payloadSparse   = 0x0200
	payloadFillData = 0x0300
)

// Dalvik references type, field and method ids with 16-bit indices, so a
// well-formed file never defines more classes, fields or methods than this.
const maxDexIDs = 1 << 16

// ParseDex walks every class definition of a DEX file and returns the opcode
// stream of each method that has code, in class-def then declaration order
// (direct methods before virtual methods).
//
// At most budget opcodes are returned (<= 0 uses DefaultMaxOpcodes): the method
// that crosses the budget is clipped and the walk stops there. Methods without
// instructions are omitted. Code items shared between methods are decoded once
// and the returned opcode slices may alias each other; treat them as read-only.
func ParseDex(raw []byte, budget int) ([]Method, error) {
	if budget <= 0 {
		budget = DefaultMaxOpcodes
	}
	if len(raw) < dexHeaderSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrMalformedDex, len(raw))
	}
	if string(raw[:4]) != "dex\n" || raw[7] != 0 {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedDex)
	}
	r := reader{buf: raw}
	if tag, _ := r.u32(0x28); tag != dexEndianTag {
		return nil, fmt.Errorf("%w: unsupported endian tag %#x", ErrMalformedDex, tag)
	}

	classDefsSize, _ := r.u32(0x60)
	classDefsOff, _ := r.u32(0x64)
	if classDefsSize > maxDexIDs {
		return nil, fmt.Errorf("%w: %d class_defs", ErrMalformedDex, classDefsSize)
	}
	if !r.fits(int(classDefsOff), int(classDefsSize)*classDefSize) {
		return nil, fmt.Errorf("%w: class_defs out of range", ErrMalformedDex)
	}

	w := &dexWalker{reader: r, budget: budget, code: make(map[uint32][]uint8)}
	for i := 0; i < int(classDefsSize) && w.budget > 0; i++ {
		def := int(classDefsOff) + i*classDefSize
		classDataOff, _ := r.u32(def + 24)
		if classDataOff == 0 {
			continue
		}
		if err := w.classData(int(classDataOff)); err != nil {
			return nil, fmt.Errorf("class_def %d: %w", i, err)
		}
	}
	return w.methods, nil
}

type reader struct {
	buf []byte
}

func (r reader) fits(off, n int) bool {
	return off >= 0 && n >= 0 && off <= len(r.buf) && n <= len(r.buf)-off
}

func (r reader) u16(off int) (uint16, bool) {
	if !r.fits(off, 2) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(r.buf[off:]), true
}

func (r reader) u32(off int) (uint32, bool) {
	if !r.fits(off, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(r.buf[off:]), true
}

// uleb128 decodes an unsigned LEB128 value of at most five bytes.
func (r reader) uleb128(off int) (uint32, int, error) {
	var result uint32
	for i := 0; i < 5; i++ {
		if !r.fits(off+i, 1) {
			return 0, 0, fmt.Errorf("%w: uleb128 out of range", ErrMalformedDex)
		}
		b := r.buf[off+i]
		result |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return result, off + i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: uleb128 too long", ErrMalformedDex)
}

// dexWalker carries the per-file limits across class_data items. fields and
// entries count every encoded member visited, so class_data offsets shared or
// overlapping between class_defs cannot multiply the work.
type dexWalker struct {
	reader
	budget  int
	fields  int
	entries int
	code    map[uint32][]uint8
	methods []Method
}

func (w *dexWalker) classData(off int) error {
	var sizes [4]uint32
	var err error
	for i := range sizes {
		if sizes[i], off, err = w.uleb128(off); err != nil {
			return err
		}
	}
	staticFields, instanceFields, direct, virtual := sizes[0], sizes[1], sizes[2], sizes[3]

	// Each encoded field is at least two bytes and each method at least three;
	// reject counts the remaining buffer cannot possibly hold.
	remaining := uint64(len(w.buf) - off)
	if 2*(uint64(staticFields)+uint64(instanceFields))+3*(uint64(direct)+uint64(virtual)) > remaining {
		return fmt.Errorf("%w: class_data counts exceed file", ErrMalformedDex)
	}

	w.fields += int(staticFields) + int(instanceFields)
	if w.fields > maxDexIDs {
		return fmt.Errorf("%w: more than %d encoded fields", ErrMalformedDex, maxDexIDs)
	}
	for i := uint32(0); i < staticFields+instanceFields; i++ {
		if _, off, err = w.uleb128(off); err != nil {
			return err
		}
		if _, off, err = w.uleb128(off); err != nil {
			return err
		}
	}

	for i := uint32(0); i < direct+virtual && w.budget > 0; i++ {
		w.entries++
		if w.entries > maxDexIDs {
			return fmt.Errorf("%w: more than %d encoded methods", ErrMalformedDex, maxDexIDs)
		}
		var codeOff uint32
		if _, off, err = w.uleb128(off); err != nil { // method_idx_diff
			return err
		}
		if _, off, err = w.uleb128(off); err != nil { // access_flags
			return err
		}
		if codeOff, off, err = w.uleb128(off); err != nil {
			return err
		}
		if codeOff == 0 {
			continue
		}
		ops, seen := w.code[codeOff]
		if !seen {
			if ops, err = w.codeItem(int(codeOff)); err != nil {
				return err
			}
			w.code[codeOff] = ops
		}
		if len(ops) == 0 {
			continue
		}
		if len(ops) > w.budget {
			ops = ops[:w.budget]
		}
		w.budget -= len(ops)
		w.methods = append(w.methods, Method{Opcodes: ops})
	}
	return nil
}

func (r reader) codeItem(off int) ([]uint8, error) {
	insnsSize, ok := r.u32(off + 12)
	if !ok {
		return nil, fmt.Errorf("%w: code_item header out of range", ErrMalformedDex)
	}
	start := off + codeItemHeader
	if !r.fits(start, int(insnsSize)*2) {
		return nil, fmt.Errorf("%w: insns out of range", ErrMalformedDex)
	}
	return decodeInstructions(r.buf[start:start+int(insnsSize)*2], int(insnsSize))
}

// decodeInstructions emits one opcode per instruction and skips switch and
// array payload pseudo-instructions.
func decodeInstructions(code []byte, units int) ([]uint8, error) {
	unit := func(i int) uint32 { return uint32(binary.LittleEndian.Uint16(code[i*2:])) }

	ops := make([]uint8, 0, units/2)
	for pc := 0; pc < units; {
		u := unit(pc)
		op := uint8(u & 0xff)

		width := 0
		if op == 0x00 && u != 0 {
			switch u {
			case payloadPacked:
				if pc+1 >= units {
					return nil, fmt.Errorf("%w: truncated packed-switch payload", ErrMalformedDex)
				}
				width = int(unit(pc+1))*2 + 4
			case payloadSparse:
				if pc+1 >= units {
					return nil, fmt.Errorf("%w: truncated sparse-switch payload", ErrMalformedDex)
				}
				width = int(unit(pc+1))*4 + 2
			case payloadFillData:
				if pc+3 >= units {
					return nil, fmt.Errorf("%w: truncated fill-array-data payload", ErrMalformedDex)
				}
				elemWidth := uint64(unit(pc + 1))
				size := uint64(unit(pc+2)) | uint64(unit(pc+3))<<16
				width64 := (size*elemWidth+1)/2 + 4
				if width64 > uint64(units-pc) {
					return nil, fmt.Errorf("%w: fill-array-data payload overruns method", ErrMalformedDex)
				}
				width = int(width64)
			}
		}
		if width == 0 {
			width = opcodeWidth[op]
			ops = append(ops, op)
		}
		if width > units-pc {
			return nil, fmt.Errorf("%w: instruction %#02x at %d overruns method", ErrMalformedDex, op, pc)
		}
		pc += width
	}
	return ops, nil
}
