// Package seqio provides the default SequenceReader collaborator (spec.md
// §6): a FASTA/FASTQ auto-detecting reader exposed through a monomorphized
// sum type rather than an interface with virtual dispatch, per the design
// note in spec.md §9 ("expose a sum type {Fasta, Fastq} with a common
// operation set; avoid virtual-dispatch runtime overhead on hot paths").
package seqio

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/biocluster/linclust/internal/fs"
)

// format is the sum type's tag.
type format uint8

const (
	formatFasta format = iota
	formatFastq
)

// Record mirrors linclust.SeqRecord without importing the root package, to
// keep internal/seqio dependency-free of the pipeline's stage packages.
type Record struct {
	ID      string
	Residue []byte
}

// Reader auto-detects FASTA ('>') vs FASTQ ('@') by leading byte and
// dispatches to the matching parse path. The format field is a plain enum
// switch, not an interface, so the hot Next() path never pays for dynamic
// dispatch.
type Reader struct {
	f      fs.File
	r      *bufio.Reader
	format format
}

// Open opens path for reading and sniffs its format from the first byte.
func Open(fsys fs.FileSystem, path string) (*Reader, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("seqio: open %s: %w", path, err)
	}
	br := bufio.NewReader(f)
	lead, err := br.Peek(1)
	if err != nil && err != io.EOF {
		f.Close()
		return nil, fmt.Errorf("seqio: sniff %s: %w", path, err)
	}
	var fmtTag format
	if len(lead) > 0 && lead[0] == '@' {
		fmtTag = formatFastq
	} else {
		fmtTag = formatFasta
	}
	return &Reader{f: f, r: br, format: fmtTag}, nil
}

// Next returns the next record, or io.EOF when exhausted.
func (r *Reader) Next() (Record, error) {
	switch r.format {
	case formatFastq:
		return r.nextFastq()
	default:
		return r.nextFasta()
	}
}

func (r *Reader) nextFasta() (Record, error) {
	header, err := r.r.ReadString('\n')
	if err != nil {
		if header == "" {
			return Record{}, io.EOF
		}
	}
	header = trimCRLF(header)
	if len(header) == 0 || header[0] != '>' {
		return Record{}, fmt.Errorf("seqio: malformed fasta header %q: %w", header, ErrMalformed)
	}
	id := header[1:]

	var seq []byte
	for {
		peek, perr := r.r.Peek(1)
		if perr != nil || len(peek) == 0 || peek[0] == '>' {
			break
		}
		line, lerr := r.r.ReadString('\n')
		seq = append(seq, trimCRLF(line)...)
		if lerr != nil {
			break
		}
	}
	return Record{ID: id, Residue: seq}, nil
}

func (r *Reader) nextFastq() (Record, error) {
	header, err := r.r.ReadString('\n')
	if err != nil {
		if header == "" {
			return Record{}, io.EOF
		}
	}
	header = trimCRLF(header)
	if len(header) == 0 || header[0] != '@' {
		return Record{}, fmt.Errorf("seqio: malformed fastq header %q: %w", header, ErrMalformed)
	}
	id := header[1:]

	seqLine, err := r.r.ReadString('\n')
	if err != nil && seqLine == "" {
		return Record{}, fmt.Errorf("seqio: truncated fastq record %q: %w", id, ErrMalformed)
	}
	seq := []byte(trimCRLF(seqLine))

	plusLine, err := r.r.ReadString('\n')
	if err != nil && plusLine == "" {
		return Record{}, fmt.Errorf("seqio: truncated fastq record %q: %w", id, ErrMalformed)
	}
	if trimmed := trimCRLF(plusLine); len(trimmed) == 0 || trimmed[0] != '+' {
		return Record{}, fmt.Errorf("seqio: expected '+' separator for %q, got %q: %w", id, trimmed, ErrMalformed)
	}

	qualLine, err := r.r.ReadString('\n')
	qual := trimCRLF(qualLine)
	if len(qual) != len(seq) {
		return Record{}, fmt.Errorf("seqio: quality length %d != sequence length %d for %q: %w", len(qual), len(seq), id, ErrMalformed)
	}

	return Record{ID: id, Residue: seq}, nil
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.f.Close() }

// ErrMalformed is returned for any FASTA/FASTQ grammar violation.
var ErrMalformed = fmt.Errorf("seqio: malformed sequence record")
