package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"path"
	"strings"

	"github.com/meigma/imgfactory/core/internal/imgtype"
	"github.com/meigma/imgfactory/core/internal/sizing"
)

// Layout constants.
const (
	RecordSize = 32
	NameSize   = 24
	MaxNameLen = NameSize - 1
	HeaderSize = 8
	Magic      = "VER2"
)

// Repair reasons attached to sanitized records.
const (
	ReasonUnterminated = "name not NUL-terminated"
	ReasonEmpty        = "empty name"
	ReasonNonPrintable = "non-printable name"
	ReasonDuplicate    = "duplicate name"
	ReasonSize         = "inconsistent size"
)

// Header describes a parsed directory.
type Header struct {
	Variant imgtype.Variant
	Count   uint32
}

// Record is one decoded directory record.
type Record struct {
	Name         string
	Offset       uint32
	Sectors      uint16
	Reserved     uint16
	NeedsRepair  bool
	RepairReason string
}

type parseConfig struct {
	strict bool
}

// ParseOption configures Parse.
type ParseOption func(*parseConfig)

// WithStrict makes Parse fail with ErrNameNotNullTerminated instead of
// truncating names that fill all 24 bytes.
func WithStrict(strict bool) ParseOption {
	return func(c *parseConfig) {
		c.strict = strict
	}
}

// ParseHeader decodes the 8-byte VER2 header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, imgtype.ErrTruncatedHeader
	}
	if string(b[:4]) != Magic {
		return Header{}, imgtype.ErrBadMagic
	}
	return Header{
		Variant: imgtype.VariantVER2,
		Count:   binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// DirectorySize returns the number of directory bytes for count records.
func DirectorySize(v imgtype.Variant, count int) uint64 {
	n := uint64(count) * RecordSize //nolint:gosec // count is a slice length
	if v == imgtype.VariantVER2 {
		n += HeaderSize
	}
	return n
}

// DataStart returns the first sector available for payload.
func DataStart(v imgtype.Variant, count int) uint64 {
	if v != imgtype.VariantVER2 {
		return 0
	}
	return sizing.SectorsFor(DirectorySize(v, count))
}

// Parse decodes a directory.
//
// For VariantDir, b is the complete .dir file. For VariantVER2, b must
// contain at least the header and all records; trailing bytes are ignored.
func Parse(v imgtype.Variant, b []byte, opts ...ParseOption) (Header, []Record, error) {
	var cfg parseConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var h Header
	var table []byte
	switch v {
	case imgtype.VariantDir:
		if len(b)%RecordSize != 0 {
			return Header{}, nil, imgtype.ErrTruncatedDirectory
		}
		h = Header{Variant: v, Count: uint32(len(b) / RecordSize)} //nolint:gosec // bounded by file size
		table = b
	case imgtype.VariantVER2:
		var err error
		h, err = ParseHeader(b)
		if err != nil {
			return Header{}, nil, err
		}
		need := DirectorySize(v, int(h.Count))
		if uint64(len(b)) < need {
			return Header{}, nil, imgtype.ErrTruncatedDirectory
		}
		table = b[HeaderSize:need]
	default:
		return Header{}, nil, fmt.Errorf("index: unknown variant %d", v)
	}

	records := make([]Record, 0, h.Count)
	seen := make(map[string]struct{}, h.Count)
	for i := range int(h.Count) {
		raw := table[i*RecordSize : (i+1)*RecordSize]
		rec, err := decodeRecord(raw, i, cfg.strict)
		if err != nil {
			return Header{}, nil, err
		}
		key := NameKey(rec.Name)
		if _, dup := seen[key]; dup {
			rec.Name = placeholder(fmt.Sprintf("dup_%04d", i), path.Ext(rec.Name), seen)
			rec.flag(ReasonDuplicate)
			key = NameKey(rec.Name)
		}
		seen[key] = struct{}{}
		records = append(records, rec)
	}
	return h, records, nil
}

func decodeRecord(raw []byte, i int, strict bool) (Record, error) {
	rec := Record{
		Offset:   binary.LittleEndian.Uint32(raw[0:4]),
		Sectors:  binary.LittleEndian.Uint16(raw[4:6]),
		Reserved: binary.LittleEndian.Uint16(raw[6:8]),
	}
	name := raw[8:RecordSize]

	end := bytes.IndexByte(name, 0)
	if end < 0 {
		if strict {
			return Record{}, fmt.Errorf("record %d: %w", i, imgtype.ErrNameNotNullTerminated)
		}
		end = MaxNameLen
		rec.flag(ReasonUnterminated)
	}
	name = name[:end]

	switch {
	case len(name) == 0:
		rec.Name = fmt.Sprintf("unnamed_%04d.dat", i)
		rec.flag(ReasonEmpty)
	case !printable(name):
		rec.Name = fmt.Sprintf("file_%04d.dat", i)
		rec.flag(ReasonNonPrintable)
	default:
		rec.Name = string(name)
	}

	if uint64(rec.Offset)+uint64(rec.Sectors) > math.MaxUint32 {
		rec.flag(ReasonSize)
	}
	return rec, nil
}

func (r *Record) flag(reason string) {
	if r.NeedsRepair {
		r.RepairReason += "; " + reason
		return
	}
	r.NeedsRepair = true
	r.RepairReason = reason
}

// placeholder returns base+ext, or base+ext with a numeric suffix, that is
// not yet present in seen.
func placeholder(base, ext string, seen map[string]struct{}) string {
	if len(ext) > 8 || !printable([]byte(ext)) {
		ext = ".dat"
	}
	name := base + ext
	for n := 1; ; n++ {
		if _, taken := seen[NameKey(name)]; !taken {
			return name
		}
		name = fmt.Sprintf("%s_%d%s", base, n, ext)
	}
}

// Serialize encodes a directory. For VariantVER2 the result is the header
// followed by the record table, without sector padding.
func Serialize(v imgtype.Variant, h Header, records []Record) ([]byte, error) {
	if h.Variant != v {
		return nil, fmt.Errorf("index: header variant %s does not match %s", h.Variant, v)
	}
	if int(h.Count) != len(records) {
		return nil, fmt.Errorf("index: header count %d does not match %d records", h.Count, len(records))
	}
	if v != imgtype.VariantDir && v != imgtype.VariantVER2 {
		return nil, fmt.Errorf("index: unknown variant %d", v)
	}

	buf := make([]byte, DirectorySize(v, len(records)))
	table := buf
	if v == imgtype.VariantVER2 {
		copy(buf[0:4], Magic)
		binary.LittleEndian.PutUint32(buf[4:8], h.Count)
		table = buf[HeaderSize:]
	}
	for i, rec := range records {
		if err := ValidateName(rec.Name); err != nil {
			return nil, fmt.Errorf("record %d %q: %w", i, rec.Name, err)
		}
		raw := table[i*RecordSize : (i+1)*RecordSize]
		binary.LittleEndian.PutUint32(raw[0:4], rec.Offset)
		binary.LittleEndian.PutUint16(raw[4:6], rec.Sectors)
		binary.LittleEndian.PutUint16(raw[6:8], rec.Reserved)
		copy(raw[8:], rec.Name)
	}
	return buf, nil
}

// ValidateName checks that name can be stored in a record.
func ValidateName(name string) error {
	if name == "" {
		return imgtype.ErrInvalidName
	}
	if len(name) > MaxNameLen {
		return imgtype.ErrNameTooLong
	}
	if !printable([]byte(name)) {
		return imgtype.ErrInvalidName
	}
	return nil
}

// NameKey returns the case-insensitive comparison key for a name.
func NameKey(name string) string {
	return strings.ToLower(name)
}

func printable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
