package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"

	"tg-trend-engine/internal/domain"
)

const hkdfSalt = "tg-trend-engine/session/v1"

// Keyring шифрует сессии активной версией ключа и расшифровывает любой известной версией.
type Keyring struct {
	aeads  map[int]cipher.AEAD
	active int
}

// NewKeyring выводит AES-256 ключи из секретов через HKDF.
func NewKeyring(secrets map[int]string, active int) (*Keyring, error) {
	if len(secrets) == 0 {
		return nil, errors.New("crypto: no session keys")
	}
	if _, ok := secrets[active]; !ok {
		return nil, fmt.Errorf("crypto: active key version %d is not configured", active)
	}
	aeads := make(map[int]cipher.AEAD, len(secrets))
	for version, secret := range secrets {
		if secret == "" {
			return nil, fmt.Errorf("crypto: empty secret for version %d", version)
		}
		key := make([]byte, 32)
		kdf := hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), versionInfo(version))
		if _, err := io.ReadFull(kdf, key); err != nil {
			return nil, fmt.Errorf("crypto: derive key %d: %w", version, err)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("crypto: cipher %d: %w", version, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("crypto: gcm %d: %w", version, err)
		}
		aeads[version] = aead
	}
	return &Keyring{aeads: aeads, active: active}, nil
}

// Active возвращает текущую версию ключа.
func (k *Keyring) Active() int {
	return k.active
}

// Seal шифрует данные активным ключом. Результат: nonce || ciphertext.
func (k *Keyring) Seal(plain []byte) ([]byte, int, error) {
	aead := k.aeads[k.active]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, 0, fmt.Errorf("crypto: nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, plain, versionInfo(k.active))
	return out, k.active, nil
}

// Open расшифровывает данные ключом указанной версии.
func (k *Keyring) Open(sealed []byte, version int) ([]byte, error) {
	aead, ok := k.aeads[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrUnknownKeyVersion, version)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("crypto: ciphertext too short")
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, versionInfo(version))
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return plain, nil
}

func versionInfo(version int) []byte {
	return []byte("session-key-v" + strconv.Itoa(version))
}
