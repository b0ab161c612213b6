package apk

import (
	"fmt"
	"unicode/utf16"
)

const (
	chunkXML          = 0x0003
	chunkStringPool   = 0x0001
	chunkResourceMap  = 0x0180
	chunkStartElement = 0x0102

	stringPoolUTF8 = 1 << 8
	noIndex        = 0xffffffff
	typeString     = 0x03

	// android:name
	attrNameResID = 0x01010003
)

var permissionElements = map[string]bool{
	"uses-permission":        true,
	"uses-permission-sdk-23": true,
	"uses-permission-sdk-m":  true,
}

// ParseManifestPermissions decodes a compiled (binary XML) AndroidManifest.xml
// and returns the android:name of every uses-permission element, deduplicated,
// in document order.
func ParseManifestPermissions(raw []byte) ([]string, error) {
	r := reader{buf: raw}
	typ, ok := r.u16(0)
	if !ok || typ != chunkXML {
		return nil, fmt.Errorf("%w: not a binary xml document", ErrMalformedXML)
	}
	headerSize, _ := r.u16(2)
	docSize, _ := r.u32(4)
	end := len(raw)
	if int(docSize) < end {
		end = int(docSize)
	}

	var (
		pool   *stringPool
		resMap []uint32
		perms  []string
		seen   = map[string]bool{}
	)
	for off := int(headerSize); off+8 <= end; {
		ctype, _ := r.u16(off)
		cheader, _ := r.u16(off + 2)
		csize, _ := r.u32(off + 4)
		if csize < 8 || int(cheader) > int(csize) || !r.fits(off, int(csize)) {
			return nil, fmt.Errorf("%w: chunk %#x at %d has bad size", ErrMalformedXML, ctype, off)
		}

		switch ctype {
		case chunkStringPool:
			p, err := parseStringPool(r, off, int(cheader))
			if err != nil {
				return nil, err
			}
			pool = p
		case chunkResourceMap:
			for i := off + int(cheader); i+4 <= off+int(csize); i += 4 {
				id, _ := r.u32(i)
				resMap = append(resMap, id)
			}
		case chunkStartElement:
			if pool == nil {
				return nil, fmt.Errorf("%w: element before string pool", ErrMalformedXML)
			}
			name, values := startElement(r, off, int(cheader), int(csize), pool, resMap)
			if permissionElements[name] {
				for _, v := range values {
					if v != "" && !seen[v] {
						seen[v] = true
						perms = append(perms, v)
					}
				}
			}
		}
		off += int(csize)
	}
	return perms, nil
}

// startElement returns the element name and the value of its android:name
// attribute(s). Malformed attributes are skipped.
func startElement(r reader, off, header, size int, pool *stringPool, resMap []uint32) (string, []string) {
	ext := off + header
	nameIdx, ok := r.u32(ext + 4)
	if !ok {
		return "", nil
	}
	attrStart, _ := r.u16(ext + 8)
	attrSize, _ := r.u16(ext + 10)
	attrCount, _ := r.u16(ext + 12)
	name := pool.get(nameIdx)
	if !permissionElements[name] || attrSize < 20 {
		return name, nil
	}

	var values []string
	for i := 0; i < int(attrCount); i++ {
		a := ext + int(attrStart) + i*int(attrSize)
		if a+20 > off+size {
			break
		}
		attrName, _ := r.u32(a + 4)
		isName := pool.get(attrName) == "name" ||
			(int(attrName) < len(resMap) && resMap[attrName] == attrNameResID)
		if !isName {
			continue
		}
		rawValue, _ := r.u32(a + 8)
		dataType := r.buf[a+15]
		data, _ := r.u32(a + 16)
		switch {
		case rawValue != noIndex:
			values = append(values, pool.get(rawValue))
		case dataType == typeString:
			values = append(values, pool.get(data))
		}
	}
	return name, values
}

type stringPool struct {
	r       reader
	base    int
	offsets []uint32
	utf8    bool
}

func parseStringPool(r reader, off, header int) (*stringPool, error) {
	count, ok1 := r.u32(off + 8)
	flags, ok2 := r.u32(off + 16)
	stringsStart, ok3 := r.u32(off + 20)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("%w: string pool header out of range", ErrMalformedXML)
	}
	idx := off + header
	if !r.fits(idx, int(count)*4) {
		return nil, fmt.Errorf("%w: string pool index out of range", ErrMalformedXML)
	}
	offsets := make([]uint32, count)
	for i := range offsets {
		offsets[i], _ = r.u32(idx + i*4)
	}
	return &stringPool{
		r:       r,
		base:    off + int(stringsStart),
		offsets: offsets,
		utf8:    flags&stringPoolUTF8 != 0,
	}, nil
}

// get returns the string at index i, or "" when it cannot be decoded.
func (p *stringPool) get(i uint32) string {
	if p == nil || int(i) >= len(p.offsets) || i == noIndex {
		return ""
	}
	at := p.base + int(p.offsets[i])
	if p.utf8 {
		return p.utf8At(at)
	}
	return p.utf16At(at)
}

func (p *stringPool) utf8At(at int) string {
	buf := p.r.buf
	readLen := func(pos int) (int, int, bool) {
		if !p.r.fits(pos, 1) {
			return 0, 0, false
		}
		n := int(buf[pos])
		if n&0x80 == 0 {
			return n, pos + 1, true
		}
		if !p.r.fits(pos+1, 1) {
			return 0, 0, false
		}
		return (n&0x7f)<<8 | int(buf[pos+1]), pos + 2, true
	}
	_, pos, ok := readLen(at) // character count
	if !ok {
		return ""
	}
	n, pos, ok := readLen(pos)
	if !ok || !p.r.fits(pos, n) {
		return ""
	}
	return string(buf[pos : pos+n])
}

func (p *stringPool) utf16At(at int) string {
	n16, ok := p.r.u16(at)
	if !ok {
		return ""
	}
	n := int(n16)
	pos := at + 2
	if n&0x8000 != 0 {
		lo, ok := p.r.u16(pos)
		if !ok {
			return ""
		}
		n = (n&0x7fff)<<16 | int(lo)
		pos += 2
	}
	if !p.r.fits(pos, n*2) {
		return ""
	}
	units := make([]uint16, n)
	for i := range units {
		units[i], _ = p.r.u16(pos + i*2)
	}
	return string(utf16.Decode(units))
}
