// Package keys loads and resolves the platform key material an NCA parse
// needs: the fixed header key and the per-revision key-area-key tables.
package keys

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/falk/nca-go/pkg/crypto"
)

// KeyFamily selects one of the three key-area-key tables.
type KeyFamily int

const (
	FamilyApplication KeyFamily = iota
	FamilyOcean
	FamilySystem
)

func (f KeyFamily) String() string {
	switch f {
	case FamilyApplication:
		return "application"
	case FamilyOcean:
		return "ocean"
	case FamilySystem:
		return "system"
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// MaxKeyRevision bounds the per-revision key tables. Revisions at or above
// it are reported as missing keys, never indexed.
const MaxKeyRevision = 0x20

// ErrMissingKey matches any MissingKeyError via errors.Is.
var ErrMissingKey = errors.New("missing key")

// MissingKeyError reports exactly which platform key was absent from the
// keyset, named the way it appears in a prod.keys file.
type MissingKeyError struct {
	Name string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("missing key %q", e.Name)
}

// Is implements errors.Is against ErrMissingKey.
func (e *MissingKeyError) Is(target error) bool {
	return target == ErrMissingKey
}

// Keyset holds loaded and derived platform keys. It is read-only after
// loading/derivation and safe to share across concurrent parses.
type Keyset struct {
	headerKey   *crypto.AesXtsKey
	masterKeys  [MaxKeyRevision]*crypto.Aes128Key
	titleKeks   [MaxKeyRevision]*crypto.Aes128Key
	keyAreaKeys [3][MaxKeyRevision]*crypto.Aes128Key

	aesKekGenerationSource *crypto.Aes128Key
	aesKeyGenerationSource *crypto.Aes128Key
	titleKekSource         *crypto.Aes128Key
	keyAreaKeySources      [3]*crypto.Aes128Key
}

// New returns an empty keyset. Useful for tests and callers that inject key
// material directly instead of loading a keys file.
func New() *Keyset {
	return &Keyset{}
}

// HeaderKey resolves the fixed system key used to decrypt NCA headers.
func (ks *Keyset) HeaderKey() (crypto.AesXtsKey, error) {
	if ks.headerKey == nil {
		return crypto.AesXtsKey{}, &MissingKeyError{Name: "header_key"}
	}
	return *ks.headerKey, nil
}

// KeyAreaKey resolves the key-area key for a family and master-key revision.
func (ks *Keyset) KeyAreaKey(family KeyFamily, revision uint8) (crypto.Aes128Key, error) {
	name := fmt.Sprintf("key_area_key_%s_%02x", family, revision)
	if family < FamilyApplication || family > FamilySystem || int(revision) >= MaxKeyRevision {
		return crypto.Aes128Key{}, &MissingKeyError{Name: name}
	}
	key := ks.keyAreaKeys[family][revision]
	if key == nil {
		return crypto.Aes128Key{}, &MissingKeyError{Name: name}
	}
	return *key, nil
}

// SetHeaderKey injects the header key.
func (ks *Keyset) SetHeaderKey(k crypto.AesXtsKey) {
	ks.headerKey = &k
}

// SetKeyAreaKey injects a key-area key for a family and revision.
func (ks *Keyset) SetKeyAreaKey(family KeyFamily, revision uint8, k crypto.Aes128Key) {
	if family < FamilyApplication || family > FamilySystem || int(revision) >= MaxKeyRevision {
		return
	}
	ks.keyAreaKeys[family][revision] = &k
}

// Parse reads keys in prod.keys format (key_name = HEXVALUE). Unknown names
// and malformed lines are skipped.
func Parse(r io.Reader) (*Keyset, error) {
	ks := New()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		name := strings.TrimSpace(parts[0])
		val, err := hex.DecodeString(strings.TrimSpace(parts[1]))
		if err != nil {
			continue
		}

		ks.set(name, val)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return ks, nil
}

// LoadFile parses a keys file from disk.
func LoadFile(path string) (*Keyset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}

// LoadDefault tries to load keys from standard locations.
func LoadDefault() (*Keyset, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	paths := []string{
		"prod.keys",
		"keys.txt",
		filepath.Join(home, ".switch", "prod.keys"),
		filepath.Join(home, ".switch", "keys.txt"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return LoadFile(p)
		}
	}
	return nil, fmt.Errorf("no keys file found")
}

func (ks *Keyset) set(name string, val []byte) {
	switch name {
	case "header_key":
		if k, ok := asXtsKey(val); ok {
			ks.headerKey = k
		}
		return
	case "aes_kek_generation_source":
		ks.aesKekGenerationSource, _ = asAesKey(val)
		return
	case "aes_key_generation_source":
		ks.aesKeyGenerationSource, _ = asAesKey(val)
		return
	case "titlekek_source":
		ks.titleKekSource, _ = asAesKey(val)
		return
	case "key_area_key_application_source":
		ks.keyAreaKeySources[FamilyApplication], _ = asAesKey(val)
		return
	case "key_area_key_ocean_source":
		ks.keyAreaKeySources[FamilyOcean], _ = asAesKey(val)
		return
	case "key_area_key_system_source":
		ks.keyAreaKeySources[FamilySystem], _ = asAesKey(val)
		return
	}

	if rev, ok := revisionSuffix(name, "master_key_"); ok {
		ks.masterKeys[rev], _ = asAesKey(val)
		return
	}
	if rev, ok := revisionSuffix(name, "titlekek_"); ok {
		ks.titleKeks[rev], _ = asAesKey(val)
		return
	}
	for family := FamilyApplication; family <= FamilySystem; family++ {
		prefix := fmt.Sprintf("key_area_key_%s_", family)
		if rev, ok := revisionSuffix(name, prefix); ok {
			ks.keyAreaKeys[family][rev], _ = asAesKey(val)
			return
		}
	}
}

// revisionSuffix parses names like master_key_0a into their hex revision.
func revisionSuffix(name, prefix string) (int, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	rev, err := strconv.ParseUint(name[len(prefix):], 16, 8)
	if err != nil || rev >= MaxKeyRevision {
		return 0, false
	}
	return int(rev), true
}

func asAesKey(val []byte) (*crypto.Aes128Key, bool) {
	if len(val) != 0x10 {
		return nil, false
	}
	var k crypto.Aes128Key
	copy(k[:], val)
	return &k, true
}

func asXtsKey(val []byte) (*crypto.AesXtsKey, bool) {
	if len(val) != 0x20 {
		return nil, false
	}
	var k crypto.AesXtsKey
	copy(k[:], val)
	return &k, true
}
