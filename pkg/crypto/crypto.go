package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// rsaKeyBits is the modulus size for generated node keys.
	rsaKeyBits = 4096

	// aesKeySize and aesIVSize frame the hybrid envelope: a fresh AES-256
	// key and CTR IV per payload.
	aesKeySize = 32
	aesIVSize  = 16

	// sep joins the three base64 segments of an encrypted payload.
	sep = "$"
)

// Cryptor converts payload bytes to transport strings and back. Payloads
// travel as ASCII; whether they are actually encrypted depends on the
// collaboration. Mixed mode within a collaboration is forbidden.
type Cryptor interface {
	// Encrypt produces a transport string readable only by the holder of
	// the private key matching recipientKeyB64.
	Encrypt(plaintext []byte, recipientKeyB64 string) (string, error)

	// Decrypt reverses Encrypt using the local private key.
	Decrypt(payload string) ([]byte, error)
}

// RSACryptor implements hybrid AES-CTR + RSA-PKCS1v15 payload encryption
// with the node's RSA-4096 keypair. The key material is value-owned by the
// node process; there is no global key.
type RSACryptor struct {
	private *rsa.PrivateKey
}

// NewRSACryptor loads the private key at path, generating and persisting a
// new RSA-4096 key when the file does not exist. A present but unreadable
// key is fatal to the caller by contract, so the error is returned as-is.
func NewRSACryptor(path string) (*RSACryptor, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return generateKey(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key %s", path)
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// Also accept PKCS8-wrapped RSA keys.
		parsed, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err8 != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key %s is not RSA", path)
		}
		key = rsaKey
	}

	return &RSACryptor{private: key}, nil
}

func generateKey(path string) (*RSACryptor, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}

	return &RSACryptor{private: key}, nil
}

// PublicKeyPEM returns the public half as a SubjectPublicKeyInfo PEM.
func (c *RSACryptor) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&c.private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// PublicKeyB64 returns the transport framing of the public key: the PEM
// bytes, base64 encoded.
func (c *RSACryptor) PublicKeyB64() (string, error) {
	pemBytes, err := c.PublicKeyPEM()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(pemBytes), nil
}

// Verify reports whether peerKeyB64 decodes to exactly this node's own
// serialized public key. Used to detect desynchronization with the
// coordinator's cached copy.
func (c *RSACryptor) Verify(peerKeyB64 string) bool {
	own, err := c.PublicKeyB64()
	if err != nil {
		return false
	}
	return peerKeyB64 == own
}

func parsePublicKey(keyB64 string) (*rsa.PublicKey, error) {
	pemBytes, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("bad peer key: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("bad peer key: no PEM block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("bad peer key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("bad peer key: not RSA")
	}
	return pub, nil
}

// Encrypt draws a fresh AES key and IV, encrypts the plaintext with
// AES-CTR, seals the AES key with RSA-PKCS1v15 for the recipient, and
// emits b64(encKey) + "$" + b64(iv) + "$" + b64(ciphertext).
func (c *RSACryptor) Encrypt(plaintext []byte, recipientKeyB64 string) (string, error) {
	pub, err := parsePublicKey(recipientKeyB64)
	if err != nil {
		return "", err
	}

	shared := make([]byte, aesKeySize)
	if _, err := rand.Read(shared); err != nil {
		return "", fmt.Errorf("failed to draw AES key: %w", err)
	}
	iv := make([]byte, aesIVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to draw IV: %w", err)
	}

	block, err := aes.NewCipher(shared)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	encKey, err := rsa.EncryptPKCS1v15(rand.Reader, pub, shared)
	if err != nil {
		return "", fmt.Errorf("failed to seal shared key: %w", err)
	}

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(encKey),
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, sep), nil
}

// Decrypt reverses Encrypt with the local private key.
func (c *RSACryptor) Decrypt(payload string) ([]byte, error) {
	parts := strings.Split(payload, sep)
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed payload: expected 3 segments, got %d", len(parts))
	}

	encKey, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("malformed payload key segment: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed payload IV segment: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("malformed payload data segment: %w", err)
	}

	shared, err := rsa.DecryptPKCS1v15(rand.Reader, c.private, encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal shared key: %w", err)
	}
	if len(iv) != aesIVSize {
		return nil, fmt.Errorf("bad IV length %d", len(iv))
	}

	block, err := aes.NewCipher(shared)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)

	return plaintext, nil
}

// DummyCryptor is the disabled-encryption mode: identity over bytes with
// base64 transport framing. Selected when the collaboration is not
// encrypted.
type DummyCryptor struct{}

// Encrypt base64-encodes the plaintext; the recipient key is ignored.
func (DummyCryptor) Encrypt(plaintext []byte, _ string) (string, error) {
	return base64.StdEncoding.EncodeToString(plaintext), nil
}

// Decrypt base64-decodes the payload.
func (DummyCryptor) Decrypt(payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	return data, nil
}
