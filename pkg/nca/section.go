package nca

import (
	"encoding/binary"
	"encoding/hex"
)

// CryptoType tags how a section's payload is encrypted.
type CryptoType byte

const (
	CryptoNone CryptoType = 1
	CryptoXts  CryptoType = 2
	CryptoCtr  CryptoType = 3
	CryptoBktr CryptoType = 4
)

func (c CryptoType) String() string {
	switch c {
	case CryptoNone:
		return "None"
	case CryptoXts:
		return "Xts"
	case CryptoCtr:
		return "Ctr"
	case CryptoBktr:
		return "Bktr"
	}
	return "crypto(" + hex.EncodeToString([]byte{byte(c)}) + ")"
}

// MarshalJSON renders the crypto mode by name.
func (c CryptoType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// FsType tags the filesystem variant embedded in a section.
type FsType string

const (
	FsTypePfs0  FsType = "pfs0"
	FsTypeRomFs FsType = "romfs"
)

// Partition-type bytes of the FS header superblock union.
const (
	partitionTypeRomFs = 0
	partitionTypePfs0  = 1
)

// Hash is a SHA-256 digest, rendered as hex.
type Hash [0x20]byte

// MarshalJSON renders the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(h[:]) + `"`), nil
}

// Pfs0Superblock describes the hashed PFS0 filesystem layout of a section.
type Pfs0Superblock struct {
	MasterHash      Hash   `json:"master_hash"`
	BlockSize       uint32 `json:"block_size"`
	HashTableOffset uint64 `json:"hash_table_offset"`
	HashTableSize   uint64 `json:"hash_table_size"`
	Pfs0Offset      uint64 `json:"pfs0_offset"`
	Pfs0Size        uint64 `json:"pfs0_size"`
}

// Section describes one of the container's content regions. Offsets are in
// MediaSize units.
type Section struct {
	MediaStartOffset uint32     `json:"media_start_offset"`
	MediaEndOffset   uint32     `json:"media_end_offset"`
	Unknown1         uint32     `json:"unknown1"`
	Unknown2         uint32     `json:"unknown2"`
	Crypto           CryptoType `json:"crypto"`
	FsType           FsType     `json:"fstype"`
	Nounce           uint64     `json:"nounce"`

	// Pfs0 is set when FsType is FsTypePfs0.
	Pfs0 *Pfs0Superblock `json:"pfs0,omitempty"`
}

// decodeSection interprets one (section entry, FS header) pair. Called only
// for present FS headers.
func decodeSection(entry *rawSectionEntry, fs *rawFsHeader) (*Section, error) {
	// Every FS header this path supports reports version 2; anything else
	// means the superblock union cannot be interpreted safely.
	if fs.Version != 2 {
		return nil, &ValidationError{Field: "fs header version", Value: uint64(fs.Version)}
	}

	section := &Section{
		MediaStartOffset: entry.MediaStartOffset,
		MediaEndOffset:   entry.MediaEndOffset,
		Unknown1:         entry.Unknown1,
		Unknown2:         entry.Unknown2,
		Crypto:           CryptoType(fs.CryptType),
		Nounce:           fs.SectionCtr,
	}

	switch fs.PartitionType {
	case partitionTypePfs0:
		section.FsType = FsTypePfs0
		section.Pfs0 = decodePfs0Superblock(fs.Superblock[:])
	case partitionTypeRomFs:
		// RomFs sections never reach this decoder in practice; until a
		// real sample shows what their superblock holds here, refuse
		// rather than guess.
		return nil, &ValidationError{Field: "superblock type", Value: uint64(fs.PartitionType)}
	default:
		return nil, &ValidationError{Field: "superblock type", Value: uint64(fs.PartitionType)}
	}

	return section, nil
}

// decodePfs0Superblock decodes the PFS0 variant of the superblock union
// (offset 0x8 in the FS header).
func decodePfs0Superblock(buf []byte) *Pfs0Superblock {
	sb := &Pfs0Superblock{
		BlockSize:       binary.LittleEndian.Uint32(buf[0x20:0x24]),
		HashTableOffset: binary.LittleEndian.Uint64(buf[0x28:0x30]),
		HashTableSize:   binary.LittleEndian.Uint64(buf[0x30:0x38]),
		Pfs0Offset:      binary.LittleEndian.Uint64(buf[0x38:0x40]),
		Pfs0Size:        binary.LittleEndian.Uint64(buf[0x40:0x48]),
	}
	copy(sb.MasterHash[:], buf[0x00:0x20])
	return sb
}
