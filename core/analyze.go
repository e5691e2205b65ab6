package archive

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/zeebo/blake3"

	"github.com/meigma/imgfactory/core/internal/index"
	"github.com/meigma/imgfactory/core/internal/sizing"
)

// Severity buckets an archive's fragmentation.
type Severity uint8

// Fragmentation severities.
const (
	SeverityNone Severity = iota
	SeverityMinor
	SeverityModerate
	SeveritySevere
)

// String returns the name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityMinor:
		return "minor"
	case SeverityModerate:
		return "moderate"
	case SeveritySevere:
		return "severe"
	default:
		return "unknown"
	}
}

// Issue lists the problems found with one entry.
type Issue struct {
	Index    int
	Name     string
	Problems []string
}

// Report describes the on-disk health of an archive.
type Report struct {
	Path    string
	Variant Variant

	// Entries counts every entry, Live those not tombstoned.
	Entries int
	Live    int

	// DataBytes is the size of the data file.
	DataBytes int64

	// PendingBytes is the size of payloads staged for the next rebuild.
	PendingBytes int64

	Issues []Issue

	// Gaps counts unused sector runs between on-disk spans. GapBytes is
	// their total size and FragmentationPercent their share of DataBytes.
	Gaps                 int
	GapBytes             uint64
	FragmentationPercent float64

	// ReclaimableBytes is what a rebuild would free: gaps plus the spans of
	// tombstoned entries.
	ReclaimableBytes uint64

	Severity Severity

	// Duplicates groups live entries with identical payloads. It is only
	// filled when AnalyzeWithDuplicates is set.
	Duplicates [][]string
}

// AnalyzeOption configures Analyze.
type AnalyzeOption func(*analyzeConfig)

type analyzeConfig struct {
	duplicates bool
}

// AnalyzeWithDuplicates hashes every live payload to find duplicates.
// This reads the whole archive.
func AnalyzeWithDuplicates(enabled bool) AnalyzeOption {
	return func(c *analyzeConfig) {
		c.duplicates = enabled
	}
}

// span is an on-disk sector range.
type span struct {
	index int
	name  string
	start uint64
	end   uint64
}

// Analyze inspects the document's on-disk layout. Entries not yet written
// by a rebuild are ignored for layout checks.
func (d *Document) Analyze(opts ...AnalyzeOption) (Report, error) {
	var cfg analyzeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return Report{}, ErrClosed
	}

	info, err := d.backing.Stat()
	if err != nil {
		return Report{}, fmt.Errorf("analyze %s: %w: %w", d.dataPath, ErrSourceRead, err)
	}
	rep := Report{
		Path:         d.dataPath,
		Variant:      d.variant,
		Entries:      len(d.entries),
		DataBytes:    info.Size(),
		PendingBytes: d.overlay.SizeBytes(),
	}
	dataSectors := sizing.SectorsFor(uint64(info.Size())) //nolint:gosec // file sizes are non-negative

	problems := make(map[int][]string)
	var spans []span
	for i, e := range d.entries {
		m := e.meta
		if !m.Flags.Has(FlagTombstoned) {
			rep.Live++
		}
		if m.Flags.Has(FlagNeedsRepair) {
			problems[i] = append(problems[i], "needs repair: "+m.RepairReason)
		}
		if e.overlay != "" {
			continue
		}
		if m.Sectors == 0 {
			problems[i] = append(problems[i], "zero size")
		}
		if m.End() > dataSectors {
			problems[i] = append(problems[i], "span beyond end of data")
		}
		if m.Flags.Has(FlagTombstoned) {
			rep.ReclaimableBytes += sizing.SectorBytes(uint64(m.Sectors))
		}
		spans = append(spans, span{index: i, name: m.Name, start: uint64(m.Offset), end: m.End()})
	}

	slices.SortStableFunc(spans, func(a, b span) int { return cmp.Compare(a.start, b.start) })
	// An embedded directory occupies the sectors before the first payload.
	// Entries added since the last rebuild are not in it yet.
	onDisk := 0
	for _, e := range d.entries {
		if !e.meta.Flags.Has(FlagNew) {
			onDisk++
		}
	}
	cursor := index.DataStart(d.variant, onDisk)
	var reach *span
	if cursor > 0 {
		reach = &span{index: -1, name: "directory", end: cursor}
	}
	for i := range spans {
		s := &spans[i]
		switch {
		case s.start > cursor:
			rep.Gaps++
			rep.GapBytes += sizing.SectorBytes(s.start - cursor)
		case reach != nil && s.start < reach.end && s.end > s.start:
			problems[s.index] = append(problems[s.index], "overlaps "+reach.name)
			if reach.index >= 0 {
				problems[reach.index] = append(problems[reach.index], "overlaps "+s.name)
			}
		}
		if reach == nil || s.end > reach.end {
			reach = s
		}
		cursor = max(cursor, s.end)
	}

	rep.ReclaimableBytes += rep.GapBytes
	if rep.DataBytes > 0 {
		rep.FragmentationPercent = float64(rep.GapBytes) / float64(rep.DataBytes) * 100
	}
	rep.Severity = severityFor(rep.FragmentationPercent, rep.Gaps)

	for i, e := range d.entries {
		if p, ok := problems[i]; ok {
			rep.Issues = append(rep.Issues, Issue{Index: i, Name: e.meta.Name, Problems: p})
		}
	}

	if cfg.duplicates {
		dups, err := d.duplicates()
		if err != nil {
			return Report{}, fmt.Errorf("analyze %s: %w", d.dataPath, err)
		}
		rep.Duplicates = dups
	}
	return rep, nil
}

func severityFor(percent float64, gaps int) Severity {
	switch {
	case gaps == 0:
		return SeverityNone
	case percent < 5:
		return SeverityMinor
	case percent < 25:
		return SeverityModerate
	default:
		return SeveritySevere
	}
}

// duplicates groups live entries by the BLAKE3 hash of their payload.
// The caller must hold d.mu.
func (d *Document) duplicates() ([][]string, error) {
	groups := make(map[[32]byte][]string)
	var order [][32]byte
	for _, e := range d.entries {
		if e.meta.Flags.Has(FlagTombstoned) {
			continue
		}
		data, err := d.payload(e)
		if err != nil {
			return nil, err
		}
		sum := blake3.Sum256(data)
		if _, ok := groups[sum]; !ok {
			order = append(order, sum)
		}
		groups[sum] = append(groups[sum], e.meta.Name)
	}
	var out [][]string
	for _, sum := range order {
		if names := groups[sum]; len(names) > 1 {
			out = append(out, names)
		}
	}
	return out, nil
}
