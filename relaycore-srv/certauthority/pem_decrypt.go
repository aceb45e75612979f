package certauthority

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des" //nolint:gosec // legacy PEM decryption for backward compatibility
	"crypto/md5" //nolint:gosec // legacy PEM decryption for backward compatibility
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// decryptPEMKey decrypts a password-protected PEM private key encrypted
// with the legacy RFC 1423 scheme ("Proc-Type"/"DEK-Info" headers, as
// produced by `openssl genrsa -aes256`). If password is empty, or the block
// is not legacy-encrypted, the PEM data is returned unchanged.
func decryptPEMKey(keyPEM []byte, password string) ([]byte, error) {
	if password == "" {
		return keyPEM, nil
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("decoding PEM block")
	}

	if !isLegacyEncryptedPEMBlock(block) {
		return keyPEM, nil
	}

	decrypted, err := decryptLegacyPEMBlock(block, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("decrypting legacy PEM block: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: decrypted}), nil
}

func isLegacyEncryptedPEMBlock(block *pem.Block) bool {
	_, hasInfo := block.Headers["Proc-Type"]
	_, hasKey := block.Headers["DEK-Info"]
	return hasInfo && hasKey
}

func decryptLegacyPEMBlock(block *pem.Block, password []byte) ([]byte, error) {
	procType, ok := block.Headers["Proc-Type"]
	if !ok || procType != "4,ENCRYPTED" {
		return nil, errors.New("PEM block is not marked encrypted")
	}

	dekInfo, ok := block.Headers["DEK-Info"]
	if !ok {
		return nil, errors.New("PEM block missing DEK-Info header")
	}

	parts := strings.Split(dekInfo, ",")
	if len(parts) != 2 {
		return nil, errors.New("invalid DEK-Info format")
	}
	alg := parts[0]

	if strings.HasPrefix(alg, "AES-") && strings.HasSuffix(alg, "-CBC") {
		return decryptAESCBC(alg, parts[1], block.Bytes, password)
	}
	if alg != "DES-CBC" {
		return nil, fmt.Errorf("unsupported encryption algorithm: %s", alg)
	}
	return decryptDESCBC(parts[1], block.Bytes, password)
}

func decodeHexIV(hexStr string, length int) ([]byte, error) {
	if len(hexStr) != length*2 {
		return nil, fmt.Errorf("invalid IV length: expected %d hex chars, got %d", length*2, len(hexStr))
	}
	iv := make([]byte, length)
	for i := 0; i < length; i++ {
		var b byte
		if _, err := fmt.Sscanf(hexStr[i*2:i*2+2], "%02x", &b); err != nil {
			return nil, fmt.Errorf("invalid IV hex: %w", err)
		}
		iv[i] = b
	}
	return iv, nil
}

func removePKCS5Padding(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("decryption produced empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("invalid padding")
	}
	for i := len(data) - padLen; i < len(data); i++ {
		if data[i] != byte(padLen) {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}

func decryptAESCBC(alg, ivHex string, ciphertext, password []byte) ([]byte, error) {
	var keySize int
	switch alg {
	case "AES-128-CBC":
		keySize = 16
	case "AES-192-CBC":
		keySize = 24
	case "AES-256-CBC":
		keySize = 32
	default:
		return nil, fmt.Errorf("unsupported AES algorithm: %s", alg)
	}

	iv, err := decodeHexIV(ivHex, aes.BlockSize)
	if err != nil {
		return nil, err
	}

	// EVP_BytesToKey, legacy OpenSSL key derivation using only the first 8
	// bytes of the IV as salt.
	key := make([]byte, keySize)
	var derived []byte
	for len(derived) < keySize {
		h := md5.New() //nolint:gosec // legacy PEM decryption for backward compatibility
		h.Write(derived)
		h.Write(password)
		h.Write(iv[:8])
		derived = h.Sum(derived)
	}
	copy(key, derived[:keySize])

	blockCipher, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}
	decrypted := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(blockCipher, iv).CryptBlocks(decrypted, ciphertext)
	return removePKCS5Padding(decrypted, aes.BlockSize)
}

func decryptDESCBC(ivHex string, ciphertext, password []byte) ([]byte, error) {
	iv, err := decodeHexIV(ivHex, des.BlockSize)
	if err != nil {
		return nil, err
	}

	key := make([]byte, 8)
	h := md5.New() //nolint:gosec // legacy PEM decryption for backward compatibility
	h.Write(password)
	h.Write(iv)
	copy(key, h.Sum(nil))

	blockCipher, err := des.NewCipher(key) //nolint:gosec // legacy PEM decryption for backward compatibility
	if err != nil {
		return nil, fmt.Errorf("creating DES cipher: %w", err)
	}
	if len(ciphertext)%des.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}
	decrypted := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(blockCipher, iv).CryptBlocks(decrypted, ciphertext)
	return removePKCS5Padding(decrypted, des.BlockSize)
}
