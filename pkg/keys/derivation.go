package keys

import (
	"fmt"

	"github.com/falk/nca-go/pkg/crypto"
)

// Derive fills the key-area-key and titlekek tables for every loaded master
// key. Keys already present (loaded directly from the keys file) are kept.
// Should be called once after loading.
func (ks *Keyset) Derive() {
	if ks.aesKekGenerationSource == nil || ks.aesKeyGenerationSource == nil {
		return
	}

	for rev := 0; rev < MaxKeyRevision; rev++ {
		masterKey := ks.masterKeys[rev]
		if masterKey == nil {
			continue
		}

		if ks.titleKekSource != nil && ks.titleKeks[rev] == nil {
			tk, err := crypto.ECBDecrypt(ks.titleKekSource[:], masterKey[:])
			if err == nil {
				ks.titleKeks[rev], _ = asAesKey(tk)
			}
		}

		for family := FamilyApplication; family <= FamilySystem; family++ {
			src := ks.keyAreaKeySources[family]
			if src == nil || ks.keyAreaKeys[family][rev] != nil {
				continue
			}
			kak, err := generateKek(*src, *masterKey, *ks.aesKekGenerationSource, ks.aesKeyGenerationSource)
			if err == nil {
				ks.keyAreaKeys[family][rev] = &kak
			}
		}
	}
}

// generateKek runs the console's kek generation chain: decrypt the kek seed
// with the master key, decrypt the source with the result, then optionally
// decrypt the key seed with that.
func generateKek(src, masterKey, kekSeed crypto.Aes128Key, keySeed *crypto.Aes128Key) (crypto.Aes128Key, error) {
	var out crypto.Aes128Key

	kek, err := crypto.ECBDecrypt(kekSeed[:], masterKey[:])
	if err != nil {
		return out, err
	}

	srcKek, err := crypto.ECBDecrypt(src[:], kek)
	if err != nil {
		return out, err
	}

	if keySeed == nil {
		copy(out[:], srcKek)
		return out, nil
	}

	key, err := crypto.ECBDecrypt(keySeed[:], srcKek)
	if err != nil {
		return out, err
	}
	copy(out[:], key)
	return out, nil
}

// DecryptTitleKey decrypts a ticket title key with the titlekek of the given
// master-key revision. The in-core rights-id path stays unsupported; this is
// for callers that resolve title keys from tickets themselves.
func (ks *Keyset) DecryptTitleKey(encrypted []byte, revision uint8) (crypto.Aes128Key, error) {
	var out crypto.Aes128Key
	if int(revision) >= MaxKeyRevision || ks.titleKeks[revision] == nil {
		return out, &MissingKeyError{Name: fmt.Sprintf("titlekek_%02x", revision)}
	}

	plain, err := crypto.ECBDecrypt(encrypted, ks.titleKeks[revision][:])
	if err != nil {
		return out, err
	}
	copy(out[:], plain)
	return out, nil
}
