// Package ncz reads NCZ containers (zstd-compressed NCAs produced by NSZ
// tools) and reconstructs the original NCA byte stream: the first 0x4000
// header bytes are stored verbatim, a section table describes the crypto of
// the remainder, and the remainder itself is a zstd stream of the decrypted
// payload that must be re-encrypted on the way out.
package ncz

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/falk/nca-go/pkg/crypto"
)

const (
	// HeaderSize is the uncompressed prefix: the full NCA header region.
	HeaderSize = 0x4000

	MagicNCZSECTN = "NCZSECTN"
	MagicNCZBLOCK = "NCZBLOCK"
)

// Section crypto types that require CTR re-encryption on decompression.
const (
	cryptoCtr  = 3
	cryptoBktr = 4
)

var (
	// ErrNotNcz is returned when the section-table magic is absent.
	ErrNotNcz = errors.New("not an NCZ stream")

	// ErrBlockLayout is returned for the random-access NCZBLOCK layout,
	// which this reader does not implement.
	ErrBlockLayout = errors.New("NCZ block layout is not supported")
)

// SectionHeader prefixes the section table.
type SectionHeader struct {
	Magic        [8]byte // NCZSECTN
	SectionCount uint64
}

// Section describes the crypto of one byte range of the decompressed NCA.
// Ranges are sorted and contiguous from HeaderSize.
type Section struct {
	Offset        uint64
	Size          uint64
	CryptoType    uint64
	Padding       uint64
	CryptoKey     [16]byte
	CryptoCounter [16]byte
}

// Reader yields the reconstructed NCA byte stream.
type Reader struct {
	header    []byte
	headerPos int

	sections []Section
	secIdx   int
	stream   cipher.Stream // CTR stream of the current section
	pos      uint64        // absolute NCA offset of the next payload byte

	zr *zstd.Decoder
}

// NewReader parses the NCZ framing from r and returns a reader over the
// reconstructed NCA stream. Close releases the decompressor.
func NewReader(r io.Reader) (*Reader, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading NCZ header: %w", err)
	}

	var sh SectionHeader
	if err := binary.Read(r, binary.LittleEndian, &sh); err != nil {
		return nil, fmt.Errorf("reading NCZ section header: %w", err)
	}
	if string(sh.Magic[:]) != MagicNCZSECTN {
		return nil, fmt.Errorf("%w: magic %q", ErrNotNcz, sh.Magic)
	}
	if sh.SectionCount == 0 || sh.SectionCount > 0xFF {
		return nil, fmt.Errorf("%w: %d sections", ErrNotNcz, sh.SectionCount)
	}

	sections := make([]Section, sh.SectionCount)
	if err := binary.Read(r, binary.LittleEndian, &sections); err != nil {
		return nil, fmt.Errorf("reading NCZ section table: %w", err)
	}

	// The compressed payload follows, optionally prefixed by an NCZBLOCK
	// table. Peek the first 8 bytes to tell the layouts apart.
	peek := make([]byte, 8)
	if _, err := io.ReadFull(r, peek); err != nil {
		return nil, fmt.Errorf("reading NCZ payload: %w", err)
	}
	if string(peek) == MagicNCZBLOCK {
		return nil, ErrBlockLayout
	}

	zr, err := zstd.NewReader(io.MultiReader(bytes.NewReader(peek), r))
	if err != nil {
		return nil, err
	}

	return &Reader{
		header:   header,
		sections: sections,
		pos:      HeaderSize,
		zr:       zr,
	}, nil
}

// Sections returns the parsed section table.
func (r *Reader) Sections() []Section {
	return r.sections
}

// Read yields the verbatim header first, then decompressed payload bytes
// re-encrypted according to the section table.
func (r *Reader) Read(p []byte) (int, error) {
	if r.headerPos < len(r.header) {
		n := copy(p, r.header[r.headerPos:])
		r.headerPos += n
		return n, nil
	}

	n, err := r.zr.Read(p)
	if n > 0 {
		if encErr := r.encrypt(p[:n]); encErr != nil {
			return n, encErr
		}
	}
	return n, err
}

// Close releases the decompressor. The Reader must not be used afterwards.
func (r *Reader) Close() {
	r.zr.Close()
}

// encrypt re-applies section crypto to decompressed payload bytes in place.
// CTR and BKTR sections are CTR-encrypted; everything else passes through.
func (r *Reader) encrypt(buf []byte) error {
	for len(buf) > 0 {
		sec := r.currentSection()
		if sec == nil {
			// Past the last section: plain bytes.
			r.pos += uint64(len(buf))
			return nil
		}

		if r.pos < sec.Offset {
			// Gap before the section: plain bytes.
			n := len(buf)
			if gap := sec.Offset - r.pos; uint64(n) > gap {
				n = int(gap)
			}
			r.pos += uint64(n)
			buf = buf[n:]
			continue
		}

		n := len(buf)
		if remaining := sec.Offset + sec.Size - r.pos; uint64(n) > remaining {
			n = int(remaining)
		}
		chunk := buf[:n]

		if sec.CryptoType == cryptoCtr || sec.CryptoType == cryptoBktr {
			if r.stream == nil {
				stream, err := crypto.NewCTRStream(sec.CryptoKey[:], sec.CryptoCounter[:], int64(r.pos))
				if err != nil {
					return err
				}
				r.stream = stream
			}
			r.stream.XORKeyStream(chunk, chunk)
		}

		r.pos += uint64(n)
		buf = buf[n:]

		if r.pos == sec.Offset+sec.Size {
			r.secIdx++
			r.stream = nil
		}
	}
	return nil
}

// currentSection advances past exhausted sections and returns the one the
// cursor is in or before, or nil when the table is exhausted.
func (r *Reader) currentSection() *Section {
	for r.secIdx < len(r.sections) {
		sec := &r.sections[r.secIdx]
		if r.pos < sec.Offset+sec.Size {
			return sec
		}
		r.secIdx++
		r.stream = nil
	}
	return nil
}
