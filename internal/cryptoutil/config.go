package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	configMagic   = "RBU1"
	configVersion = uint16(1)
	nonceSize     = 12
	headerSize    = len(configMagic) + 2 + nonceSize
)

var ErrConfigHeader = errors.New("not an encrypted config payload")

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptConfig seals a config file: magic, version, nonce, then AES-GCM ciphertext.
func EncryptConfig(plain, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerSize, headerSize+len(plain)+aead.Overhead())
	copy(out, configMagic)
	binary.BigEndian.PutUint16(out[len(configMagic):], configVersion)
	nonce := out[len(configMagic)+2 : headerSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(out, nonce, plain, out[:len(configMagic)+2]), nil
}

// DecryptConfig reverses EncryptConfig.
func DecryptConfig(sealed, key []byte) ([]byte, error) {
	if len(sealed) < headerSize || string(sealed[:len(configMagic)]) != configMagic {
		return nil, ErrConfigHeader
	}
	if v := binary.BigEndian.Uint16(sealed[len(configMagic):]); v != configVersion {
		return nil, fmt.Errorf("unsupported config version %d", v)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := sealed[len(configMagic)+2 : headerSize]
	return aead.Open(nil, nonce, sealed[headerSize:], sealed[:len(configMagic)+2])
}
