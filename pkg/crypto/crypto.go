// Package crypto implements the AES primitives the NCA format relies on:
// AES-ECB key unwrapping, the console's non-standard AES-XTS variant used
// for header encryption, and AES-CTR streams for section data.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
)

// Aes128Key is a raw AES-128 key. Key-area keys, master keys and the
// per-container CTR key are all of this type.
type Aes128Key [0x10]byte

// AesXtsKey is a pair of AES-128 keys (K1 || K2) used in XTS mode. The
// header key and the per-container XTS key are of this type.
type AesXtsKey [0x20]byte

// Cipher cache to avoid recreating AES ciphers for the same key
var (
	cipherCache   = make(map[Aes128Key]cipher.Block)
	cipherCacheMu sync.RWMutex
)

func getCachedCipher(key []byte) (cipher.Block, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("key must be 16 bytes, got %d", len(key))
	}

	var keyArr Aes128Key
	copy(keyArr[:], key)

	cipherCacheMu.RLock()
	block, ok := cipherCache[keyArr]
	cipherCacheMu.RUnlock()
	if ok {
		return block, nil
	}

	cipherCacheMu.Lock()
	defer cipherCacheMu.Unlock()

	// Double-check after acquiring write lock
	if block, ok = cipherCache[keyArr]; ok {
		return block, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	cipherCache[keyArr] = block
	return block, nil
}

// ECBDecrypt decrypts data using AES-ECB.
// Note: ECB is not secure for general purpose, but the console uses it for
// key unwrapping.
func ECBDecrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Decrypt(out[i:i+block.BlockSize()], data[i:i+block.BlockSize()])
	}
	return out, nil
}

// ECBEncrypt encrypts data using AES-ECB.
func ECBEncrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Encrypt(out[i:i+block.BlockSize()], data[i:i+block.BlockSize()])
	}
	return out, nil
}

// DeriveKey unwraps a 16-byte wrapped key with k (AES-ECB decrypt).
func (k Aes128Key) DeriveKey(wrapped [0x10]byte) (Aes128Key, error) {
	var out Aes128Key
	plain, err := ECBDecrypt(wrapped[:], k[:])
	if err != nil {
		return out, err
	}
	copy(out[:], plain)
	return out, nil
}

// DeriveXtsKey unwraps a 32-byte wrapped XTS key pair with k.
func (k Aes128Key) DeriveXtsKey(wrapped [0x20]byte) (AesXtsKey, error) {
	var out AesXtsKey
	plain, err := ECBDecrypt(wrapped[:], k[:])
	if err != nil {
		return out, err
	}
	copy(out[:], plain)
	return out, nil
}

// MarshalJSON renders the key as a hex string.
func (k Aes128Key) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(k[:]) + `"`), nil
}

// MarshalJSON renders the key pair as a hex string.
func (k AesXtsKey) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(k[:]) + `"`), nil
}

// NewCTRStream creates an AES-CTR stream starting at a specific absolute offset.
// The iv contains the base counter (bytes 0-7 are section-specific).
// Bytes 8-15 are SET to the block number (offset / 16) in big-endian.
func NewCTRStream(key, iv []byte, absoluteOffset int64) (cipher.Stream, error) {
	block, err := getCachedCipher(key)
	if err != nil {
		return nil, err
	}

	counter := make([]byte, 16)
	copy(counter, iv)
	binary.BigEndian.PutUint64(counter[8:], uint64(absoluteOffset>>4))

	return cipher.NewCTR(block, counter), nil
}

// DecryptSectors decrypts buf in place using AES-XTS with the console's
// big-endian sector tweak. buf must be a whole number of sectors; the tweak
// counter starts at firstSector and advances per sector.
func (k AesXtsKey) DecryptSectors(buf []byte, firstSector uint64, sectorSize int) error {
	return k.xtsSectors(buf, firstSector, sectorSize, false)
}

// EncryptSectors is the inverse of DecryptSectors.
func (k AesXtsKey) EncryptSectors(buf []byte, firstSector uint64, sectorSize int) error {
	return k.xtsSectors(buf, firstSector, sectorSize, true)
}

func (k AesXtsKey) xtsSectors(buf []byte, firstSector uint64, sectorSize int, encrypt bool) error {
	if sectorSize <= 0 || sectorSize%16 != 0 {
		return fmt.Errorf("XTS sector size %d not a multiple of the block size", sectorSize)
	}
	if len(buf)%sectorSize != 0 {
		return fmt.Errorf("XTS buffer length %d not a multiple of sector size %d", len(buf), sectorSize)
	}

	c1, err := aes.NewCipher(k[:16]) // K1
	if err != nil {
		return err
	}
	c2, err := aes.NewCipher(k[16:]) // K2
	if err != nil {
		return err
	}

	for i := 0; i < len(buf); i += sectorSize {
		sector := firstSector + uint64(i/sectorSize)
		xtsSector(c1, c2, buf[i:i+sectorSize], sector, encrypt)
	}
	return nil
}

// xtsSector processes one sector in place. Unlike standard XTS, the console
// encodes the sector number big-endian in the tweak.
func xtsSector(c1, c2 cipher.Block, sector []byte, sectorNum uint64, encrypt bool) {
	tweak := make([]byte, 16)
	binary.BigEndian.PutUint64(tweak[8:], sectorNum)
	c2.Encrypt(tweak, tweak)

	buf := make([]byte, 16)
	for i := 0; i < len(sector); i += 16 {
		chunk := sector[i : i+16]
		xor(buf, chunk, tweak)
		if encrypt {
			c1.Encrypt(buf, buf)
		} else {
			c1.Decrypt(buf, buf)
		}
		xor(chunk, buf, tweak)
		mul2(tweak)
	}
}

func xor(dst, a, b []byte) {
	for i := 0; i < 16; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

func mul2(tweak []byte) {
	var carry byte = 0
	for i := 0; i < 16; i++ {
		b := tweak[i]
		nextCarry := b >> 7
		tweak[i] = (b << 1) | carry
		carry = nextCarry
	}
	if carry != 0 {
		tweak[0] ^= 0x87
	}
}
