// Package features turns a parsed package into the model-ready FeatureSet:
// a capped opcode sequence, the inclusive span of every contributing method,
// and a membership vector over the fixed permission vocabulary.
package features

import (
	"errors"
	"fmt"
	"strings"

	"github.com/straja-ai/apkguard/internal/apk"
)

// MaxOpcodes bounds the opcode sequence of a single file.
const MaxOpcodes = apk.DefaultMaxOpcodes

// ErrUnparseable marks a submission whose package could not be parsed.
var ErrUnparseable = errors.New("unparseable input")

// Span is the inclusive [Start, End] range of one method in the opcode sequence.
type Span struct {
	Start int32
	End   int32
}

// FeatureSet is the extracted representation of one file.
type FeatureSet struct {
	Opcodes     []uint8
	Spans       []Span
	Permissions [NumPermissions]uint8
}

// Extract builds the FeatureSet of pkg. Methods are admitted in declaration
// order until the sequence reaches MaxOpcodes; the method crossing the cap is
// clipped so the sequence ends exactly at the cap. Methods without
// instructions contribute no span.
func Extract(pkg *apk.Package) FeatureSet {
	return extract(pkg, MaxOpcodes)
}

func extract(pkg *apk.Package, limit int) FeatureSet {
	var fs FeatureSet
	if pkg == nil {
		return fs
	}

	for _, m := range pkg.Methods {
		if len(fs.Opcodes) >= limit {
			break
		}
		ops := m.Opcodes
		if len(ops) == 0 {
			continue
		}
		if room := limit - len(fs.Opcodes); len(ops) > room {
			ops = ops[:room]
		}
		start := int32(len(fs.Opcodes))
		fs.Opcodes = append(fs.Opcodes, ops...)
		fs.Spans = append(fs.Spans, Span{Start: start, End: int32(len(fs.Opcodes)) - 1})
	}

	for _, p := range pkg.Permissions {
		name := strings.TrimPrefix(strings.TrimSpace(p), androidPermissionPrefix)
		if i, ok := permissionIndex[name]; ok {
			fs.Permissions[i] = 1
		}
	}
	return fs
}

// ExtractBytes parses data and extracts its features. Parser failures and
// panics are reported as ErrUnparseable so the caller can skip the file.
func ExtractBytes(parser apk.Parser, data []byte) (fs FeatureSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: parser panic: %v", ErrUnparseable, r)
		}
	}()

	pkg, err := parser.Parse(data)
	if err != nil {
		return FeatureSet{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return Extract(pkg), nil
}
