// Package shape supplies the default ReducedAlphabet, Shape and
// SketchIterator collaborators of spec.md §6, plus sensitivity presets
// that select a shape set and sketch size for the round driver (C8).
//
// The sketch selection policy resolves the open question in spec.md §9
// ("first K keys" vs. "K smallest keys under a hash ordering") to
// minimizer-style selection: the K smallest keys under internal/radix's
// mixing hash, which bounds recall loss from sequence-local key clustering
// the way a true minimizer sketch does.
package shape

import (
	"sort"

	"github.com/biocluster/linclust/internal/radix"
)

// DefaultAlphabet reduces the 20 standard amino acids (plus common
// ambiguity codes) to a 10-letter alphabet grouped by physicochemical
// similarity, a coarser partition than the full 24-symbol residue set.
// Unrecognized bytes map to code 0.
type DefaultAlphabet struct{}

var reduceTable = buildReduceTable()

func buildReduceTable() [256]byte {
	groups := []string{
		"AG",   // 0: small
		"ST",   // 1: small polar
		"CVU",  // 2: small/sulfur (selenocysteine U grouped with C)
		"ILMV", // (V appears twice intentionally trimmed below)
	}
	_ = groups
	// Explicit residue -> reduced-code table (Murphy-10-style grouping).
	groupOf := map[byte]byte{
		'L': 0, 'V': 0, 'I': 0, 'M': 0, // hydrophobic aliphatic
		'C': 1,
		'A': 2, 'G': 2,
		'S': 3, 'T': 3,
		'P': 4,
		'F': 5, 'Y': 5, 'W': 5, // aromatic
		'E': 6, 'D': 6, // acidic
		'Q': 7, 'N': 7, // amide
		'K': 8, 'R': 8, // basic
		'H': 9,
		'X': 0, 'B': 7, 'Z': 6, 'U': 1, 'O': 8, // ambiguity/nonstandard codes
	}
	var table [256]byte
	for b, g := range groupOf {
		table[b] = g
	}
	return table
}

func (DefaultAlphabet) Reduce(residue byte) byte { return reduceTable[residue] }
func (DefaultAlphabet) Size() int                { return 10 }

// SpacedSeed is a spaced-seed pattern: positions lists the k-mer offsets
// ("care" positions) that contribute to the packed key, most significant
// first.
type SpacedSeed struct {
	positions   []int
	alphabetLog int // bits per reduced-alphabet symbol
}

// NewSpacedSeed builds a shape whose care positions are the given offsets
// into a k-mer window, packing alphabetBits bits per position.
func NewSpacedSeed(positions []int, alphabetBits int) *SpacedSeed {
	return &SpacedSeed{positions: positions, alphabetLog: alphabetBits}
}

func (s *SpacedSeed) Length() int {
	max := 0
	for _, p := range s.positions {
		if p+1 > max {
			max = p + 1
		}
	}
	return max
}

func (s *SpacedSeed) BitLength() int { return len(s.positions) * s.alphabetLog }

func (s *SpacedSeed) Key(seq []byte, pos int) uint64 {
	var key uint64
	for _, care := range s.positions {
		key = (key << uint(s.alphabetLog)) | uint64(seq[pos+care]&((1<<s.alphabetLog)-1))
	}
	return key
}

// ContiguousShape builds a non-spaced k-mer shape of the given span.
func ContiguousShape(span, alphabetBits int) *SpacedSeed {
	pos := make([]int, span)
	for i := range pos {
		pos[i] = i
	}
	return NewSpacedSeed(pos, alphabetBits)
}

// MinimizerSketch selects, for every window position, the shape's packed
// key, then keeps the K keys with the smallest radix.Mix64 value —
// resolving spec.md §9's open question toward minimizer-style selection.
// k <= 0 means unbounded (every position's key is kept).
type MinimizerSketch struct{}

type keyedPos struct {
	key   uint64
	mixed uint64
}

func (MinimizerSketch) Sketch(seq []byte, sh ShapeKeyer, k int) []uint64 {
	n := len(seq) - sh.Length() + 1
	if n <= 0 {
		return nil
	}
	candidates := make([]keyedPos, n)
	for i := 0; i < n; i++ {
		key := sh.Key(seq, i)
		candidates[i] = keyedPos{key: key, mixed: radix.Mix64(key)}
	}
	if k <= 0 || k >= n {
		keys := make([]uint64, n)
		for i, c := range candidates {
			keys[i] = c.key
		}
		return keys
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mixed < candidates[j].mixed })
	selected := candidates[:k]
	// Canonical order per spec.md §4.4: yield in ascending key order, not
	// selection order, so downstream radix-sort tie-breaking is stable
	// across runs with the same input.
	sort.Slice(selected, func(i, j int) bool { return selected[i].key < selected[j].key })
	keys := make([]uint64, len(selected))
	for i, c := range selected {
		keys[i] = c.key
	}
	return keys
}

// ShapeKeyer is the minimal subset of the Shape interface MinimizerSketch
// needs, declared locally so internal/shape does not import the root
// package (which would create an import cycle, since the root package's
// Shape interface is satisfied by *SpacedSeed).
type ShapeKeyer interface {
	Length() int
	Key(seq []byte, pos int) uint64
}

// Preset is a sensitivity preset: a shape set and a default sketch size.
type Preset struct {
	Shapes     []*SpacedSeed
	SketchSize int
}

// Presets mirrors mmseqs-style sensitivity steps (spec.md §6
// "sensitivity (enum -> predefined sketch size & shape set)"). Values are
// representative, not tuned against a reference corpus; see DESIGN.md.
func Presets() map[float64]Preset {
	const alphabetBits = 4 // ceil(log2(10))
	return map[float64]Preset{
		1.0: {Shapes: []*SpacedSeed{ContiguousShape(10, alphabetBits)}, SketchSize: 1},
		4.0: {Shapes: []*SpacedSeed{ContiguousShape(7, alphabetBits)}, SketchSize: 2},
		5.7: {
			Shapes: []*SpacedSeed{
				ContiguousShape(6, alphabetBits),
				NewSpacedSeed([]int{0, 1, 2, 4, 5, 7}, alphabetBits),
			},
			SketchSize: 4,
		},
		7.5: {
			Shapes: []*SpacedSeed{
				ContiguousShape(5, alphabetBits),
				NewSpacedSeed([]int{0, 1, 3, 4, 6}, alphabetBits),
				NewSpacedSeed([]int{0, 2, 3, 5, 6}, alphabetBits),
			},
			SketchSize: 0, // unbounded
		},
	}
}

// ForSensitivity returns the preset whose key is closest to s, defaulting
// to the 4.0 preset when Presets is somehow empty.
func ForSensitivity(s float64) Preset {
	presets := Presets()
	bestKey, bestDelta := 4.0, -1.0
	for key := range presets {
		delta := key - s
		if delta < 0 {
			delta = -delta
		}
		if bestDelta < 0 || delta < bestDelta {
			bestKey, bestDelta = key, delta
		}
	}
	return presets[bestKey]
}
