package nca

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the encrypted NCA header structure size.
	HeaderSize = 0xC00

	// MediaSize is the unit section offsets are expressed in, and the XTS
	// sector size of the header encryption.
	MediaSize = 0x200

	sectionCount = 4
	fsHeaderSize = 0x200
	fsHeaderBase = 0x400
)

// rawSectionEntry mirrors one 0x10-byte entry of the section table at 0x240.
type rawSectionEntry struct {
	MediaStartOffset uint32
	MediaEndOffset   uint32
	Unknown1         uint32
	Unknown2         uint32
}

// rawFsHeader mirrors one decrypted 0x200-byte FS header block.
type rawFsHeader struct {
	Version       uint16
	PartitionType uint8
	FsType        uint8
	CryptType     uint8
	Superblock    [0x138]byte // 0x008, variant decided by PartitionType
	SectionCtr    uint64      // 0x140
}

// rawNca is the fixed-offset view of a fully decrypted 0xC00 header buffer.
// Intermediate only; FromReader exposes the derived Info instead.
type rawNca struct {
	FixedKeySig     [0x100]byte // 0x000
	NpdmSig         [0x100]byte // 0x100
	Magic           [4]byte     // 0x200
	Distribution    byte        // 0x204, 1 = gamecard
	ContentType     byte        // 0x205
	CryptoType      byte        // 0x206
	KeyType         byte        // 0x207, key-area-key family index
	NcaSize         uint64      // 0x208
	TitleID         uint64      // 0x210
	ContentIndex    uint32      // 0x218
	SdkVersion      uint32      // 0x21C
	CryptoType2     byte        // 0x220
	RightsID        [0x10]byte  // 0x230
	SectionEntries  [sectionCount]rawSectionEntry // 0x240
	SectionHashes   [sectionCount][0x20]byte      // 0x280
	EncryptedXtsKey [0x20]byte                    // 0x300
	EncryptedCtrKey [0x10]byte                    // 0x320

	// FS headers at 0x400 + i*0x200. An all-zero block marks an absent
	// section and decodes to nil.
	FsHeaders [sectionCount]*rawFsHeader
}

var zeroFsHeader [fsHeaderSize]byte

// decodeRawNca interprets a fully decrypted header buffer. The buffer length
// is an invariant of the decryptor, not a runtime condition.
func decodeRawNca(buf []byte) *rawNca {
	if len(buf) != HeaderSize {
		panic(fmt.Sprintf("nca: raw header buffer is %#x bytes, want %#x", len(buf), HeaderSize))
	}

	var raw rawNca
	copy(raw.FixedKeySig[:], buf[0x000:0x100])
	copy(raw.NpdmSig[:], buf[0x100:0x200])
	copy(raw.Magic[:], buf[0x200:0x204])
	raw.Distribution = buf[0x204]
	raw.ContentType = buf[0x205]
	raw.CryptoType = buf[0x206]
	raw.KeyType = buf[0x207]
	raw.NcaSize = binary.LittleEndian.Uint64(buf[0x208:0x210])
	raw.TitleID = binary.LittleEndian.Uint64(buf[0x210:0x218])
	raw.ContentIndex = binary.LittleEndian.Uint32(buf[0x218:0x21C])
	raw.SdkVersion = binary.LittleEndian.Uint32(buf[0x21C:0x220])
	raw.CryptoType2 = buf[0x220]
	copy(raw.RightsID[:], buf[0x230:0x240])

	for i := range raw.SectionEntries {
		entry := buf[0x240+i*0x10:]
		raw.SectionEntries[i] = rawSectionEntry{
			MediaStartOffset: binary.LittleEndian.Uint32(entry[0x0:0x4]),
			MediaEndOffset:   binary.LittleEndian.Uint32(entry[0x4:0x8]),
			Unknown1:         binary.LittleEndian.Uint32(entry[0x8:0xC]),
			Unknown2:         binary.LittleEndian.Uint32(entry[0xC:0x10]),
		}
	}
	for i := range raw.SectionHashes {
		copy(raw.SectionHashes[i][:], buf[0x280+i*0x20:])
	}
	copy(raw.EncryptedXtsKey[:], buf[0x300:0x320])
	copy(raw.EncryptedCtrKey[:], buf[0x320:0x330])

	for i := 0; i < sectionCount; i++ {
		block := buf[fsHeaderBase+i*fsHeaderSize:][:fsHeaderSize]
		if bytes.Equal(block, zeroFsHeader[:]) {
			continue
		}
		fs := &rawFsHeader{
			Version:       binary.LittleEndian.Uint16(block[0x0:0x2]),
			PartitionType: block[0x2],
			FsType:        block[0x3],
			CryptType:     block[0x4],
			SectionCtr:    binary.LittleEndian.Uint64(block[0x140:0x148]),
		}
		copy(fs.Superblock[:], block[0x8:0x140])
		raw.FsHeaders[i] = fs
	}

	return &raw
}
