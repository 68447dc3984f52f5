package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

// AlgorithmAES256CTR is the only cipher currently produced. The name is
// recorded on execution rows so artifacts remain decryptable if the
// default ever changes.
const AlgorithmAES256CTR = "aes-256-ctr"

// EncryptedExt is appended to the source file name when encrypting.
const EncryptedExt = ".enc"

const keyLen = 32

// DeriveKey stretches key material into a 256-bit AES key with PBKDF2.
// The salt binds the key to its key reference so two configurations
// sharing key material still get distinct keys.
func DeriveKey(material, salt string) []byte {
	return pbkdf2.Key([]byte(material), []byte(salt), 4096, keyLen, sha256.New)
}

// EncryptFile streams src through AES-256-CTR into a new file at
// src+".enc": a random 16-byte IV prefix followed by the ciphertext.
// The source file is left untouched; the caller decides cleanup.
func EncryptFile(src string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open %s for encryption: %w", src, err)
	}
	defer in.Close()

	dst := src + EncryptedExt
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dst, err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("generate IV: %w", err)
	}
	if _, err := out.Write(iv); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("write IV: %w", err)
	}

	writer := &cipher.StreamWriter{S: cipher.NewCTR(block, iv), W: out}
	if _, err := io.Copy(writer, in); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("encrypt %s: %w", src, err)
	}

	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("close %s: %w", dst, err)
	}
	return dst, nil
}

// DecryptFile is the structural inverse of EncryptFile: it reads the IV
// prefix from src and streams the remainder through the cipher into dst.
func DecryptFile(src string, key []byte, dst string) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s for decryption: %w", src, err)
	}
	defer in.Close()

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(in, iv); err != nil {
		return fmt.Errorf("read IV from %s: %w", src, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}

	reader := &cipher.StreamReader{S: cipher.NewCTR(block, iv), R: in}
	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("decrypt %s: %w", src, err)
	}

	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}
