package whatsminer

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/hex"

	"codeberg.org/mutker/coolantctl/internal/errors"
)

// KeyDeriver turns account credentials and the session salt into a
// symmetric key. The key never leaves the client.
type KeyDeriver func(account, password, salt string) []byte

// DeriveMD5Key is the device firmware's derivation: the first 16 hex
// characters of md5(account+password+salt), used verbatim as an AES-128 key.
func DeriveMD5Key(account, password, salt string) []byte {
	sum := md5.Sum([]byte(account + password + salt))
	return []byte(hex.EncodeToString(sum[:])[:aes.BlockSize])
}

// sessionCipher is AES in ECB mode with PKCS#7 padding.
type sessionCipher struct {
	block cipher.Block
}

func newSessionCipher(key []byte) (*sessionCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.New().Wrap(ErrAuth, err)
	}
	return &sessionCipher{block: block}, nil
}

func (c *sessionCipher) encrypt(plain []byte) []byte {
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		c.block.Encrypt(out[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}
	return out
}

func (c *sessionCipher) decrypt(data []byte) ([]byte, error) {
	errFactory := errors.New()

	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errFactory.WithData(ErrDecode, "ciphertext is not a whole number of blocks")
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		c.block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New().WithData(ErrDecode, "empty plaintext")
	}

	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New().WithData(ErrDecode, "invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New().WithData(ErrDecode, "invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
