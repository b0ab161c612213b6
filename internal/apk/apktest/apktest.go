// Package apktest builds minimal, well-formed APK archives for tests: a single
// DEX class whose direct methods carry the given code units, and a binary
// AndroidManifest.xml declaring the given permissions.
package apktest

import (
	"bytes"
	"encoding/binary"
	"sort"
	"unicode/utf16"

	"github.com/klauspost/compress/zip"
)

// Code returns code units for the given single-unit opcodes (format 10x/11x/12x).
func Code(opcodes ...uint8) []uint16 {
	out := make([]uint16, len(opcodes))
	for i, op := range opcodes {
		out[i] = uint16(op)
	}
	return out
}

// Repeat returns n single-unit instructions with the given opcode.
func Repeat(op uint8, n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = uint16(op)
	}
	return out
}

// Dex builds a DEX file with one class. Each element of methods is the
// instruction stream of one direct method; a nil element is a method without
// code (abstract or native).
func Dex(methods ...[]uint16) []byte {
	const (
		headerSize   = 0x70
		classDefOff  = headerSize
		classDataOff = classDefOff + 32
	)
	classDataLen := 4 + len(methods)*(1+1+5)
	codeOff := classDataOff + classDataLen
	codeOff = (codeOff + 3) &^ 3

	var code bytes.Buffer
	offsets := make([]int, len(methods))
	for i, m := range methods {
		if m == nil {
			continue
		}
		offsets[i] = codeOff + code.Len()
		item := make([]byte, 16+len(m)*2)
		binary.LittleEndian.PutUint16(item[0:], 1) // registers_size
		binary.LittleEndian.PutUint32(item[12:], uint32(len(m)))
		for j, u := range m {
			binary.LittleEndian.PutUint16(item[16+j*2:], u)
		}
		code.Write(item)
		for code.Len()%4 != 0 {
			code.WriteByte(0)
		}
	}

	buf := make([]byte, codeOff+code.Len())
	copy(buf, "dex\n035\x00")
	binary.LittleEndian.PutUint32(buf[0x20:], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[0x24:], headerSize)
	binary.LittleEndian.PutUint32(buf[0x28:], 0x12345678)
	binary.LittleEndian.PutUint32(buf[0x60:], 1)
	binary.LittleEndian.PutUint32(buf[0x64:], classDefOff)
	binary.LittleEndian.PutUint32(buf[classDefOff+24:], classDataOff)

	p := classDataOff
	for _, v := range []byte{0, 0, byte(len(methods)), 0} {
		buf[p] = v
		p++
	}
	for i := range methods {
		diff := byte(1)
		if i == 0 {
			diff = 0
		}
		buf[p] = diff
		buf[p+1] = 1 // ACC_PUBLIC
		putPaddedULEB(buf[p+2:], uint32(offsets[i]))
		p += 7
	}
	copy(buf[codeOff:], code.Bytes())
	return buf
}

// putPaddedULEB writes v as a five-byte unsigned LEB128.
func putPaddedULEB(dst []byte, v uint32) {
	for i := 0; i < 4; i++ {
		dst[i] = byte(v&0x7f) | 0x80
		v >>= 7
	}
	dst[4] = byte(v & 0x7f)
}

// Manifest builds a binary AndroidManifest.xml with one uses-permission
// element per entry of permissions.
func Manifest(permissions ...string) []byte {
	strs := append([]string{"manifest", "uses-permission", "name"}, permissions...)

	var pool bytes.Buffer
	offsets := make([]uint32, len(strs))
	for i, s := range strs {
		offsets[i] = uint32(pool.Len())
		units := utf16.Encode([]rune(s))
		writeU16(&pool, uint16(len(units)))
		for _, u := range units {
			writeU16(&pool, u)
		}
		writeU16(&pool, 0)
	}
	for pool.Len()%4 != 0 {
		pool.WriteByte(0)
	}

	var body bytes.Buffer
	spHeader := 28
	spSize := spHeader + 4*len(strs) + pool.Len()
	writeU16(&body, 0x0001)
	writeU16(&body, uint16(spHeader))
	writeU32(&body, uint32(spSize))
	writeU32(&body, uint32(len(strs)))
	writeU32(&body, 0)
	writeU32(&body, 0)
	writeU32(&body, uint32(spHeader+4*len(strs)))
	writeU32(&body, 0)
	for _, o := range offsets {
		writeU32(&body, o)
	}
	body.Write(pool.Bytes())

	writeU16(&body, 0x0180)
	writeU16(&body, 8)
	writeU32(&body, 8+4*3)
	writeU32(&body, 0)
	writeU32(&body, 0)
	writeU32(&body, 0x01010003)

	startElement(&body, 0, nil)
	for i := range permissions {
		startElement(&body, 1, []uint32{uint32(3 + i)})
		endElement(&body, 1)
	}
	endElement(&body, 0)

	var doc bytes.Buffer
	writeU16(&doc, 0x0003)
	writeU16(&doc, 8)
	writeU32(&doc, uint32(8+body.Len()))
	doc.Write(body.Bytes())
	return doc.Bytes()
}

func startElement(b *bytes.Buffer, name uint32, nameValues []uint32) {
	writeU16(b, 0x0102)
	writeU16(b, 16)
	writeU32(b, uint32(16+20+20*len(nameValues)))
	writeU32(b, 1)          // line number
	writeU32(b, 0xffffffff) // comment
	writeU32(b, 0xffffffff) // ns
	writeU32(b, name)
	writeU16(b, 20) // attributeStart
	writeU16(b, 20) // attributeSize
	writeU16(b, uint16(len(nameValues)))
	writeU16(b, 0)
	writeU16(b, 0)
	writeU16(b, 0)
	for _, v := range nameValues {
		writeU32(b, 0xffffffff)
		writeU32(b, 2) // "name"
		writeU32(b, v)
		writeU16(b, 8)
		b.WriteByte(0)
		b.WriteByte(0x03)
		writeU32(b, v)
	}
}

func endElement(b *bytes.Buffer, name uint32) {
	writeU16(b, 0x0103)
	writeU16(b, 16)
	writeU32(b, 24)
	writeU32(b, 1)
	writeU32(b, 0xffffffff)
	writeU32(b, 0xffffffff)
	writeU32(b, name)
}

// Archive zips the given entries in name order.
func Archive(entries map[string][]byte) []byte {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			panic(err)
		}
		if _, err := w.Write(entries[name]); err != nil {
			panic(err)
		}
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// APK builds an archive with classes.dex and, when permissions is non-nil,
// an AndroidManifest.xml.
func APK(permissions []string, methods ...[]uint16) []byte {
	entries := map[string][]byte{"classes.dex": Dex(methods...)}
	if permissions != nil {
		entries["AndroidManifest.xml"] = Manifest(permissions...)
	}
	return Archive(entries)
}

func writeU16(b *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.Write(tmp[:])
}

func writeU32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}
