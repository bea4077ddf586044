package archive

import (
	"crypto/rand"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// Sealed archive layout: magic, scrypt salt, XChaCha20-Poly1305 nonce,
// ciphertext. The key is derived from the passphrase per file.
const (
	sealMagic = "RUNQA1"
	saltSize  = 32

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
}

func sealFile(inputPath, outputPath, passphrase string) error {
	plain, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(sealMagic)+saltSize+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, sealMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plain, nil)

	if err := os.WriteFile(outputPath, out, 0600); err != nil {
		return fmt.Errorf("write sealed archive: %w", err)
	}
	return nil
}

func openSealedFile(inputPath, outputPath, passphrase string) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read sealed archive: %w", err)
	}

	nonceSize := chacha20poly1305.NonceSizeX
	header := len(sealMagic) + saltSize + nonceSize
	if len(data) < header || string(data[:len(sealMagic)]) != sealMagic {
		return fmt.Errorf("not a sealed archive")
	}
	salt := data[len(sealMagic) : len(sealMagic)+saltSize]
	nonce := data[len(sealMagic)+saltSize : header]
	ciphertext := data[header:]

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("wrong passphrase or corrupted archive")
	}

	if err := os.WriteFile(outputPath, plain, 0600); err != nil {
		return fmt.Errorf("write decrypted archive: %w", err)
	}
	return nil
}
