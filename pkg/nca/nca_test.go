package nca

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/falk/nca-go/pkg/crypto"
	"github.com/falk/nca-go/pkg/keys"
)

// Fixed test vectors; no real platform key material.
var (
	testHeaderKey  = makeXtsKey(0x01)
	testKeyAreaKey = makeAesKey(0x40)
	testXtsKey     = makeXtsKey(0x80)
	testCtrKey     = makeAesKey(0xA0)
)

func makeAesKey(seed byte) crypto.Aes128Key {
	var k crypto.Aes128Key
	for i := range k {
		k[i] = seed + byte(i)
	}
	return k
}

func makeXtsKey(seed byte) crypto.AesXtsKey {
	var k crypto.AesXtsKey
	for i := range k {
		k[i] = seed + byte(i)
	}
	return k
}

// buildPlainHeader lays out a decrypted NCA3 header with sections at slots
// 0 and 2, crypto types (3, 5) and application key area keys wrapped with
// testKeyAreaKey.
func buildPlainHeader(t *testing.T) []byte {
	t.Helper()

	buf := make([]byte, HeaderSize)
	for i := 0; i < 0x200; i++ {
		buf[i] = byte(i) // signature blobs, arbitrary content
	}
	copy(buf[0x200:], "NCA3")
	buf[0x204] = 1 // gamecard
	buf[0x205] = byte(ContentControl)
	buf[0x206] = 3 // crypto_type
	buf[0x207] = byte(KeyTypeApplication)
	binary.LittleEndian.PutUint64(buf[0x208:], 0x60000)
	binary.LittleEndian.PutUint64(buf[0x210:], 0x0100abcdef001234)
	binary.LittleEndian.PutUint32(buf[0x21C:], 0x000C1100)
	buf[0x220] = 5 // crypto_type2, so revision = max(3,5)-1 = 4

	wrappedXts, err := crypto.ECBEncrypt(testXtsKey[:], testKeyAreaKey[:])
	require.NoError(t, err)
	copy(buf[0x300:], wrappedXts)
	wrappedCtr, err := crypto.ECBEncrypt(testCtrKey[:], testKeyAreaKey[:])
	require.NoError(t, err)
	copy(buf[0x320:], wrappedCtr)

	putSectionEntry(buf, 0, 6, 100)
	putSectionEntry(buf, 2, 100, 200)
	putFsHeader(buf, 0, 0x1111)
	putFsHeader(buf, 2, 0x2222)

	return buf
}

func putSectionEntry(buf []byte, idx int, start, end uint32) {
	off := 0x240 + idx*0x10
	binary.LittleEndian.PutUint32(buf[off:], start)
	binary.LittleEndian.PutUint32(buf[off+4:], end)
	binary.LittleEndian.PutUint32(buf[off+8:], 1)
	binary.LittleEndian.PutUint32(buf[off+12:], 2)
}

func putFsHeader(buf []byte, idx int, nounce uint64) {
	off := fsHeaderBase + idx*fsHeaderSize
	binary.LittleEndian.PutUint16(buf[off:], 2) // version
	buf[off+2] = partitionTypePfs0
	buf[off+3] = 2 // hashed SHA-256
	buf[off+4] = byte(CryptoCtr)

	sb := buf[off+8:]
	for i := 0; i < 0x20; i++ {
		sb[i] = 0xE0 + byte(idx)
	}
	binary.LittleEndian.PutUint32(sb[0x20:], 0x1000)  // block size
	binary.LittleEndian.PutUint32(sb[0x24:], 2)       // always 2
	binary.LittleEndian.PutUint64(sb[0x28:], 0x100)   // hash table offset
	binary.LittleEndian.PutUint64(sb[0x30:], 0x200)   // hash table size
	binary.LittleEndian.PutUint64(sb[0x38:], 0x300)   // pfs0 offset
	binary.LittleEndian.PutUint64(sb[0x40:], 0x5000)  // pfs0 size

	binary.LittleEndian.PutUint64(buf[off+0x140:], nounce)
}

func encryptHeader(t *testing.T, plain []byte) []byte {
	t.Helper()
	enc := make([]byte, len(plain))
	copy(enc, plain)
	require.NoError(t, testHeaderKey.EncryptSectors(enc, 0, MediaSize))
	return enc
}

func testKeyset() *keys.Keyset {
	ks := keys.New()
	ks.SetHeaderKey(testHeaderKey)
	ks.SetKeyAreaKey(keys.FamilyApplication, 4, testKeyAreaKey)
	return ks
}

func TestMasterKeyRevision(t *testing.T) {
	tests := []struct {
		cryptoType, cryptoType2 byte
		want                    uint8
	}{
		{0, 0, 0},
		{1, 0, 0},
		{0, 1, 0},
		{3, 5, 4},
		{5, 3, 4},
		{2, 2, 1},
		{255, 0, 254},
	}
	for _, tt := range tests {
		got := masterKeyRevision(tt.cryptoType, tt.cryptoType2)
		assert.Equal(t, tt.want, got, "masterKeyRevision(%d, %d)", tt.cryptoType, tt.cryptoType2)
	}
}

func TestFromReaderNCA3(t *testing.T) {
	plain := buildPlainHeader(t)
	enc := encryptHeader(t, plain)

	// Trailing payload bytes stay on the stream for later section reads.
	payload := []byte("section data")
	r := bytes.NewReader(append(append([]byte{}, enc...), payload...))

	parsed, err := FromReader(testKeyset(), r)
	require.NoError(t, err)

	info := parsed.Info
	assert.Equal(t, FormatNCA3, info.Format)
	assert.True(t, info.IsGamecard)
	assert.Equal(t, ContentControl, info.ContentType)
	assert.Equal(t, uint8(4), info.KeyRevision)
	assert.Equal(t, KeyTypeApplication, info.KeyType)
	assert.Equal(t, uint64(0x60000), info.NcaSize)
	assert.Equal(t, TitleID(0x0100abcdef001234), info.TitleID)
	assert.Equal(t, uint32(0x000C1100), info.SdkVersion)
	assert.Equal(t, testXtsKey, info.XtsKey)
	assert.Equal(t, testCtrKey, info.CtrKey)
	assert.Nil(t, info.RightsID)
	assert.Equal(t, Signature(plain[:0x100]), info.FixedKeySig)
	assert.Equal(t, Signature(plain[0x100:0x200]), info.NpdmSig)

	// The stream is positioned just past the header.
	rest, err := io.ReadAll(parsed.Stream)
	require.NoError(t, err)
	assert.Equal(t, payload, rest)
}

func TestFromReaderSectionTable(t *testing.T) {
	enc := encryptHeader(t, buildPlainHeader(t))

	parsed, err := FromReader(testKeyset(), bytes.NewReader(enc))
	require.NoError(t, err)

	sections := parsed.Info.Sections
	require.NotNil(t, sections[0])
	assert.Nil(t, sections[1])
	require.NotNil(t, sections[2])
	assert.Nil(t, sections[3])

	sec := sections[0]
	assert.Equal(t, uint32(6), sec.MediaStartOffset)
	assert.Equal(t, uint32(100), sec.MediaEndOffset)
	assert.Equal(t, uint32(1), sec.Unknown1)
	assert.Equal(t, uint32(2), sec.Unknown2)
	assert.Equal(t, CryptoCtr, sec.Crypto)
	assert.Equal(t, uint64(0x1111), sec.Nounce)
	assert.Equal(t, FsTypePfs0, sec.FsType)

	require.NotNil(t, sec.Pfs0)
	assert.Equal(t, uint32(0x1000), sec.Pfs0.BlockSize)
	assert.Equal(t, uint64(0x100), sec.Pfs0.HashTableOffset)
	assert.Equal(t, uint64(0x200), sec.Pfs0.HashTableSize)
	assert.Equal(t, uint64(0x300), sec.Pfs0.Pfs0Offset)
	assert.Equal(t, uint64(0x5000), sec.Pfs0.Pfs0Size)
	var wantHash Hash
	for i := range wantHash {
		wantHash[i] = 0xE0
	}
	assert.Equal(t, wantHash, sec.Pfs0.MasterHash)

	assert.Equal(t, uint64(0x2222), sections[2].Nounce)
}

func TestFromReaderIdempotent(t *testing.T) {
	enc := encryptHeader(t, buildPlainHeader(t))

	first, err := FromReader(testKeyset(), bytes.NewReader(enc))
	require.NoError(t, err)
	second, err := FromReader(testKeyset(), bytes.NewReader(enc))
	require.NoError(t, err)

	assert.Equal(t, first.Info, second.Info)
}

func TestFromReaderMissingHeaderKey(t *testing.T) {
	enc := encryptHeader(t, buildPlainHeader(t))

	_, err := FromReader(keys.New(), bytes.NewReader(enc))
	require.Error(t, err)
	assert.ErrorIs(t, err, keys.ErrMissingKey)

	var missing *keys.MissingKeyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "header_key", missing.Name)
}

func TestFromReaderMissingKeyAreaKey(t *testing.T) {
	enc := encryptHeader(t, buildPlainHeader(t))

	ks := keys.New()
	ks.SetHeaderKey(testHeaderKey)

	_, err := FromReader(ks, bytes.NewReader(enc))
	require.Error(t, err)
	assert.ErrorIs(t, err, keys.ErrMissingKey)

	var missing *keys.MissingKeyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "key_area_key_application_04", missing.Name)
}

func TestFromReaderInvalidMagic(t *testing.T) {
	plain := buildPlainHeader(t)
	copy(plain[0x200:], "ZZZZ")
	enc := encryptHeader(t, plain)

	_, err := FromReader(testKeyset(), bytes.NewReader(enc))
	assert.ErrorIs(t, err, ErrInvalidMagic)

	// An all-zero buffer decrypts to garbage, never to a known magic.
	_, err = FromReader(testKeyset(), bytes.NewReader(make([]byte, HeaderSize)))
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestFromReaderUnsupportedLayouts(t *testing.T) {
	for _, magic := range []string{"NCA2", "NCA0"} {
		plain := buildPlainHeader(t)
		copy(plain[0x200:], magic)
		enc := encryptHeader(t, plain)

		_, err := FromReader(testKeyset(), bytes.NewReader(enc))
		require.Error(t, err, magic)
		assert.ErrorIs(t, err, ErrUnsupportedFormat, magic)
		assert.ErrorContains(t, err, magic)
		assert.NotErrorIs(t, err, ErrInvalidMagic, magic)
	}
}

func TestFromReaderRightsID(t *testing.T) {
	plain := buildPlainHeader(t)
	plain[0x230] = 0xAB // non-zero rights id
	enc := encryptHeader(t, plain)

	_, err := FromReader(testKeyset(), bytes.NewReader(enc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.ErrorContains(t, err, "rights-id")
}

func TestFromReaderBadFsHeaderVersion(t *testing.T) {
	plain := buildPlainHeader(t)
	binary.LittleEndian.PutUint16(plain[fsHeaderBase:], 3)
	enc := encryptHeader(t, plain)

	_, err := FromReader(testKeyset(), bytes.NewReader(enc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	var invalid *ValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "fs header version", invalid.Field)
	assert.Equal(t, uint64(3), invalid.Value)
}

func TestFromReaderRomFsSuperblock(t *testing.T) {
	plain := buildPlainHeader(t)
	plain[fsHeaderBase+2] = partitionTypeRomFs
	enc := encryptHeader(t, plain)

	_, err := FromReader(testKeyset(), bytes.NewReader(enc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorContains(t, err, "superblock")
}

func TestFromReaderUnknownKeyType(t *testing.T) {
	plain := buildPlainHeader(t)
	plain[0x207] = 7
	enc := encryptHeader(t, plain)

	_, err := FromReader(testKeyset(), bytes.NewReader(enc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFromReaderShortRead(t *testing.T) {
	enc := encryptHeader(t, buildPlainHeader(t))

	_, err := FromReader(testKeyset(), bytes.NewReader(enc[:0x100]))
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "got %v", err)
}

func TestDecryptHeaderRereadsAllSectors(t *testing.T) {
	plain := buildPlainHeader(t)
	enc := encryptHeader(t, plain)

	raw, err := decryptHeader(testKeyset(), bytes.NewReader(enc))
	require.NoError(t, err)

	// FS headers live past the 0x400 boundary; matching plaintext proves
	// the second full-header decryption pass ran.
	require.NotNil(t, raw.FsHeaders[0])
	assert.Equal(t, uint16(2), raw.FsHeaders[0].Version)
	assert.Equal(t, uint64(0x1111), raw.FsHeaders[0].SectionCtr)
	assert.Nil(t, raw.FsHeaders[1])
	assert.Nil(t, raw.FsHeaders[3])
}
