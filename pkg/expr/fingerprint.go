package expr

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// fingerprinter accumulates a structural token stream for Fingerprint,
// hashed with xxhash (the teacher's checksum package uses the same
// family of fast non-cryptographic hashes for chunk digests).
type fingerprinter struct {
	h *xxhash.Digest
}

func newFingerprinter() *fingerprinter { return &fingerprinter{h: xxhash.New()} }

func (f *fingerprinter) write(s string) { _, _ = f.h.WriteString(s); _, _ = f.h.Write([]byte{0}) }

func (f *fingerprinter) writeInt(i int) { f.write(strconv.Itoa(i)) }

func (f *fingerprinter) sum() uint64 { return f.h.Sum64() }

// Fingerprint returns a structural hash of e that excludes literal
// values, so two predicates differing only in a literal (or a bound
// parameter) compile to the same plan and can share a pooled graph
// (spec.md §5.3).
func Fingerprint(e Expr) uint64 {
	fp := newFingerprinter()
	e.fingerprint(fp)
	return fp.sum()
}
