package nca

import (
	"fmt"
	"io"

	"github.com/falk/nca-go/pkg/keys"
)

// Magic values of the recognized header layouts.
const (
	magicNCA3 = "NCA3"
	magicNCA2 = "NCA2"
	magicNCA0 = "NCA0"
)

// decryptHeader reads and decrypts the 0xC00-byte NCA header.
//
// The first 0x400 bytes (the two signature blocks) are encrypted the same
// way under every layout, so they are decrypted first to expose the magic at
// 0x200; the magic then decides how the remaining 0x800 bytes are handled.
// NCA3 stores every 0x200-byte sector, FS headers included, under the same
// per-sector XTS encryption. NCA2 encrypts each FS header independently
// (zero blocks stay plain) and NCA0 is a different layout entirely; both are
// surfaced as unsupported rather than decoded wrong.
func decryptHeader(ks *keys.Keyset, r io.Reader) (*rawNca, error) {
	encrypted := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, encrypted); err != nil {
		return nil, fmt.Errorf("reading NCA header: %w", err)
	}

	headerKey, err := ks.HeaderKey()
	if err != nil {
		return nil, err
	}

	decrypted := make([]byte, HeaderSize)
	copy(decrypted[:0x400], encrypted[:0x400])
	if err := headerKey.DecryptSectors(decrypted[:0x400], 0, MediaSize); err != nil {
		return nil, err
	}

	switch magic := string(decrypted[0x200:0x204]); magic {
	case magicNCA3:
		copy(decrypted, encrypted)
		if err := headerKey.DecryptSectors(decrypted, 0, MediaSize); err != nil {
			return nil, err
		}
	case magicNCA2:
		return nil, &UnsupportedFormatError{Reason: "NCA2 header layout"}
	case magicNCA0:
		return nil, &UnsupportedFormatError{Reason: "NCA0 header layout"}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMagic, magic)
	}

	return decodeRawNca(decrypted), nil
}
