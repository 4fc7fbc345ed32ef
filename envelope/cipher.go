package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"TrackCastServer/logger"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

type Algorithm string

const (
	AESGCM            Algorithm = "aes-256-gcm"
	XChaCha20Poly1305 Algorithm = "xchacha20-poly1305"

	KeySize = 32

	// ErrEncryptFailed is the marker carried in Sealed.Error.
	ErrEncryptFailed = "encrypt_failed"
)

var (
	ErrInvalidKey    = errors.New("key must be 32 bytes")
	ErrInvalidNonce  = errors.New("invalid nonce length")
	ErrMarkerPayload = errors.New("payload carries an encryption error marker")
)

// Sealed is the encrypted form of one envelope. A failed encryption is
// represented by a Sealed with only Error set.
type Sealed struct {
	Ciphertext []byte `json:"ciphertext,omitempty"`
	Nonce      []byte `json:"nonce,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s Sealed) Failed() bool {
	return s.Error != ""
}

// Encryptor seals payloads under one process-lifetime key. Safe for concurrent use.
type Encryptor struct {
	alg  Algorithm
	aead cipher.AEAD
	rand io.Reader
}

func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case "", AESGCM:
		return AESGCM, nil
	case XChaCha20Poly1305:
		return XChaCha20Poly1305, nil
	default:
		return "", fmt.Errorf("unsupported cipher algorithm: %s", s)
	}
}

func NewEncryptor(key []byte, alg Algorithm) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidKey, len(key))
	}
	var (
		aead cipher.AEAD
		err  error
	)
	switch alg {
	case "", AESGCM:
		alg = AESGCM
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	case XChaCha20Poly1305:
		aead, err = chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("unsupported cipher algorithm: %s", alg)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", alg, err)
	}
	return &Encryptor{alg: alg, aead: aead, rand: rand.Reader}, nil
}

// SetRandom replaces the nonce source. Only tests should need this.
func (e *Encryptor) SetRandom(r io.Reader) {
	e.rand = r
}

func (e *Encryptor) Algorithm() Algorithm {
	return e.alg
}

func (e *Encryptor) NonceSize() int {
	return e.aead.NonceSize()
}

// Seal encrypts plaintext under a fresh random nonce. It never returns an
// error: failures are logged and reported through the marker.
func (e *Encryptor) Seal(plaintext []byte) Sealed {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		logger.Log().Error("encrypt payload failed", zap.String("stage", "nonce"), zap.Error(err))
		return Sealed{Error: ErrEncryptFailed}
	}
	sealed, err := e.SealWithNonce(nonce, plaintext)
	if err != nil {
		logger.Log().Error("encrypt payload failed", zap.String("stage", "seal"), zap.Error(err))
		return Sealed{Error: ErrEncryptFailed}
	}
	return sealed
}

// SealWithNonce is deterministic for a given key, nonce and plaintext.
// Never reuse a nonce with the same key outside of tests.
func (e *Encryptor) SealWithNonce(nonce, plaintext []byte) (s Sealed, err error) {
	if len(nonce) != e.aead.NonceSize() {
		return Sealed{}, fmt.Errorf("%w: want %d, got %d", ErrInvalidNonce, e.aead.NonceSize(), len(nonce))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("seal panic: %v", r)
		}
	}()
	ct := e.aead.Seal(nil, nonce, plaintext, nil)
	return Sealed{Ciphertext: ct, Nonce: append([]byte(nil), nonce...)}, nil
}

// Open authenticates and decrypts s.
func (e *Encryptor) Open(s Sealed) ([]byte, error) {
	if s.Failed() {
		return nil, fmt.Errorf("%w: %s", ErrMarkerPayload, s.Error)
	}
	if len(s.Nonce) != e.aead.NonceSize() {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrInvalidNonce, e.aead.NonceSize(), len(s.Nonce))
	}
	pt, err := e.aead.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed payload: %w", err)
	}
	return pt, nil
}
