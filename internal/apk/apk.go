// Package apk parses Android application packages into the structural view
// used for feature extraction: methods with their Dalvik opcode streams and the
// permissions declared by the manifest.
//
// All input is untrusted. Every offset read from the archive is bounds-checked
// and decompressed entries are size-limited.
package apk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Signature is the leading byte sequence of every APK (a zip archive).
var Signature = []byte("PK")

// DefaultMaxEntryBytes limits the decompressed size of a single archive entry.
const DefaultMaxEntryBytes = 256 << 20

// DefaultMaxOpcodes bounds the opcodes decoded from one package across all of
// its DEX files.
const DefaultMaxOpcodes = 512_000

var (
	ErrNotAPK       = errors.New("apk: payload is not a zip archive")
	ErrNoDex        = errors.New("apk: archive has no classes.dex")
	ErrEntryTooBig  = errors.New("apk: archive entry exceeds size limit")
	ErrMalformedDex = errors.New("apk: malformed dex")
	ErrMalformedXML = errors.New("apk: malformed binary manifest")
)

// Method is one code-bearing method in declaration order.
type Method struct {
	Opcodes []uint8
}

// Package is the parsed, structural view of one APK.
type Package struct {
	Methods     []Method
	Permissions []string
}

// Parser turns raw bytes into a Package.
type Parser interface {
	Parse(data []byte) (*Package, error)
}

// HasSignature reports whether data starts with the archive signature.
func HasSignature(data []byte) bool {
	return bytes.HasPrefix(data, Signature)
}

// DexParser reads classes*.dex and AndroidManifest.xml from an APK.
type DexParser struct {
	MaxEntryBytes int64
	MaxOpcodes    int
}

// NewDexParser returns a parser with the given entry limit (<= 0 uses the
// default) and the DefaultMaxOpcodes decode budget.
func NewDexParser(maxEntryBytes int64) *DexParser {
	if maxEntryBytes <= 0 {
		maxEntryBytes = DefaultMaxEntryBytes
	}
	return &DexParser{MaxEntryBytes: maxEntryBytes, MaxOpcodes: DefaultMaxOpcodes}
}

// Parse implements Parser. A missing or unreadable manifest yields an empty
// permission list; unreadable bytecode fails the whole package.
func (p *DexParser) Parse(data []byte) (*Package, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAPK, err)
	}

	var (
		dexFiles []*zip.File
		manifest *zip.File
	)
	for _, f := range zr.File {
		switch {
		case f.Name == "AndroidManifest.xml":
			manifest = f
		case dexIndex(f.Name) > 0:
			dexFiles = append(dexFiles, f)
		}
	}
	if len(dexFiles) == 0 {
		return nil, ErrNoDex
	}
	sort.SliceStable(dexFiles, func(i, j int) bool {
		return dexIndex(dexFiles[i].Name) < dexIndex(dexFiles[j].Name)
	})

	budget := p.MaxOpcodes
	if budget <= 0 {
		budget = DefaultMaxOpcodes
	}
	pkg := &Package{}
	for _, f := range dexFiles {
		if budget == 0 {
			break
		}
		raw, err := p.readEntry(f)
		if err != nil {
			return nil, err
		}
		methods, err := ParseDex(raw, budget)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		for _, m := range methods {
			budget -= len(m.Opcodes)
		}
		pkg.Methods = append(pkg.Methods, methods...)
	}

	if manifest != nil {
		if raw, err := p.readEntry(manifest); err == nil {
			if perms, err := ParseManifestPermissions(raw); err == nil {
				pkg.Permissions = perms
			}
		}
	}
	return pkg, nil
}

func (p *DexParser) readEntry(f *zip.File) ([]byte, error) {
	limit := p.MaxEntryBytes
	if limit <= 0 {
		limit = DefaultMaxEntryBytes
	}
	if f.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("%w: %s", ErrEntryTooBig, f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	// The header size is attacker controlled; enforce the limit on the stream too.
	raw, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("%w: %s", ErrEntryTooBig, f.Name)
	}
	return raw, nil
}

// dexIndex maps classes.dex -> 1, classesN.dex -> N, anything else -> 0.
func dexIndex(name string) int {
	if !strings.HasPrefix(name, "classes") || !strings.HasSuffix(name, ".dex") {
		return 0
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(name, "classes"), ".dex")
	if mid == "" {
		return 1
	}
	n, err := strconv.Atoi(mid)
	if err != nil || n < 2 {
		return 0
	}
	return n
}
