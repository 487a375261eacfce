// Package nca decrypts and parses Nintendo Content Archive headers.
//
// NCAs are signed and encrypted containers holding software content. The
// header is encrypted with a fixed system key; the container's own working
// keys are wrapped in the header key area and unwrapped with a key-area key
// selected by key family and master-key revision. FromReader runs the whole
// pipeline and returns a handle over the still-open stream.
package nca

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/falk/nca-go/pkg/crypto"
	"github.com/falk/nca-go/pkg/keys"
)

// Format identifies the container header layout, from the header magic.
type Format int

const (
	FormatNCA3 Format = iota
	FormatNCA2
	FormatNCA0
)

func (f Format) String() string {
	switch f {
	case FormatNCA3:
		return "NCA3"
	case FormatNCA2:
		return "NCA2"
	case FormatNCA0:
		return "NCA0"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// MarshalJSON renders the format tag as its magic string.
func (f Format) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.String() + `"`), nil
}

// ContentType tags what kind of content the container carries.
type ContentType byte

const (
	ContentProgram    ContentType = 0
	ContentMeta       ContentType = 1
	ContentControl    ContentType = 2
	ContentManual     ContentType = 3
	ContentData       ContentType = 4
	ContentPublicData ContentType = 5
)

func (c ContentType) String() string {
	switch c {
	case ContentProgram:
		return "Program"
	case ContentMeta:
		return "Meta"
	case ContentControl:
		return "Control"
	case ContentManual:
		return "Manual"
	case ContentData:
		return "Data"
	case ContentPublicData:
		return "PublicData"
	}
	return fmt.Sprintf("content(%d)", byte(c))
}

// MarshalJSON renders the content type by name.
func (c ContentType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// KeyType selects which key-area-key family unwraps the container keys.
type KeyType byte

const (
	KeyTypeApplication KeyType = 0
	KeyTypeOcean       KeyType = 1
	KeyTypeSystem      KeyType = 2
)

func (k KeyType) String() string {
	switch k {
	case KeyTypeApplication:
		return "Application"
	case KeyTypeOcean:
		return "Ocean"
	case KeyTypeSystem:
		return "System"
	}
	return fmt.Sprintf("keytype(%d)", byte(k))
}

// MarshalJSON renders the key type by name.
func (k KeyType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

func (k KeyType) family() (keys.KeyFamily, bool) {
	switch k {
	case KeyTypeApplication:
		return keys.FamilyApplication, true
	case KeyTypeOcean:
		return keys.FamilyOcean, true
	case KeyTypeSystem:
		return keys.FamilySystem, true
	}
	return 0, false
}

// TitleID is the 64-bit title identifier, rendered as 16 hex digits.
type TitleID uint64

func (t TitleID) String() string {
	return fmt.Sprintf("%016x", uint64(t))
}

// MarshalJSON renders the title id as a hex string.
func (t TitleID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// Signature is one of the two 0x100-byte header signature blobs, kept for
// inspection only; this parser never verifies them.
type Signature [0x100]byte

// MarshalJSON renders the signature as a hex string.
func (s Signature) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(s[:]) + `"`), nil
}

// Info is the fully derived container description.
type Info struct {
	Format      Format           `json:"format"`
	FixedKeySig Signature        `json:"sig"`
	NpdmSig     Signature        `json:"npdm_sig"`
	IsGamecard  bool             `json:"is_gamecard"`
	ContentType ContentType      `json:"content_type"`
	KeyRevision uint8            `json:"key_revision"`
	KeyType     KeyType          `json:"key_type"`
	NcaSize     uint64           `json:"nca_size"`
	TitleID     TitleID          `json:"title_id"`
	SdkVersion  uint32           `json:"sdk_version"`
	XtsKey      crypto.AesXtsKey `json:"xts_key"`
	CtrKey      crypto.Aes128Key `json:"ctr_key"`

	// RightsID is always nil: the rights-id derivation path is rejected
	// as unsupported before keys are derived.
	RightsID *[0x10]byte `json:"rights_id"`

	Sections [sectionCount]*Section `json:"sections"`
}

// Nca is a parsed container: its description plus the underlying stream,
// positioned just past the header for later section reads. The description
// is immutable after parsing; the stream is single-owner and sequential.
type Nca struct {
	Stream io.Reader
	Info   Info
}

// FromReader decrypts and parses an NCA header from r, resolving and
// deriving all key material from ks. It reads exactly HeaderSize bytes.
func FromReader(ks *keys.Keyset, r io.Reader) (*Nca, error) {
	header, err := decryptHeader(ks, r)
	if err != nil {
		return nil, err
	}

	var format Format
	switch string(header.Magic[:]) {
	case magicNCA3:
		format = FormatNCA3
	default:
		// decryptHeader only lets NCA3 through
		return nil, fmt.Errorf("%w: %q", ErrInvalidMagic, header.Magic)
	}

	revision := masterKeyRevision(header.CryptoType, header.CryptoType2)

	if header.RightsID != [0x10]byte{} {
		return nil, &UnsupportedFormatError{Reason: "rights-id key derivation"}
	}

	keyType := KeyType(header.KeyType)
	family, ok := keyType.family()
	if !ok {
		return nil, &ValidationError{Field: "key type", Value: uint64(header.KeyType)}
	}

	keyAreaKey, err := ks.KeyAreaKey(family, revision)
	if err != nil {
		return nil, err
	}

	xtsKey, err := keyAreaKey.DeriveXtsKey(header.EncryptedXtsKey)
	if err != nil {
		return nil, fmt.Errorf("deriving XTS key: %w", err)
	}
	ctrKey, err := keyAreaKey.DeriveKey(header.EncryptedCtrKey)
	if err != nil {
		return nil, fmt.Errorf("deriving CTR key: %w", err)
	}

	var sections [sectionCount]*Section
	for i, fs := range header.FsHeaders {
		if fs == nil {
			continue
		}
		section, err := decodeSection(&header.SectionEntries[i], fs)
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", i, err)
		}
		sections[i] = section
	}

	return &Nca{
		Stream: r,
		Info: Info{
			Format:      format,
			FixedKeySig: Signature(header.FixedKeySig),
			NpdmSig:     Signature(header.NpdmSig),
			IsGamecard:  header.Distribution != 0,
			ContentType: ContentType(header.ContentType),
			KeyRevision: revision,
			KeyType:     keyType,
			NcaSize:     header.NcaSize,
			TitleID:     TitleID(header.TitleID),
			SdkVersion:  header.SdkVersion,
			XtsKey:      xtsKey,
			CtrKey:      ctrKey,
			RightsID:    nil,
			Sections:    sections,
		},
	}, nil
}

// masterKeyRevision normalizes the two raw crypto-type fields. The platform
// stores the revision twice, takes the max, and encodes revision 0 as either
// raw value 0 or 1, so everything above is shifted down by one.
func masterKeyRevision(cryptoType, cryptoType2 byte) uint8 {
	rev := cryptoType
	if cryptoType2 > rev {
		rev = cryptoType2
	}
	if rev == 0 {
		return 0
	}
	return rev - 1
}
