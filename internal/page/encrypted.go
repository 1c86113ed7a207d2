package page

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

// ErrInvalidPassword is returned by [OpenEncrypted] when the supplied
// password fails to authenticate page 0 (the password oracle).
var ErrInvalidPassword = errors.New("page: invalid password")

const keySize = 32 // AES-256

// Encrypted wraps another [IO] (normally a [Standard] opened with a
// CryptoHeaderSize base offset) and authenticates every page with
// AES-256-GCM. Each write generates a fresh random 12-byte nonce, stored
// alongside a 16-byte tag in the page's trailing [EncryptionTrailerSize]
// bytes. [Encrypted.PageSize] reports the *logical* usable size
// (inner's page size minus the trailer): callers never see or size
// buffers against the trailer, so every on-disk layout built atop an
// [IO] is trailer-size-agnostic whether or not encryption is enabled.
type Encrypted struct {
	inner    IO
	aead     cipher.AEAD
	fullSize Size // inner.PageSize(): ciphertext + trailer
	pageSize Size // logical size exposed to callers: fullSize - trailer
}

// deriveKey runs PBKDF2-HMAC-SHA256 over password and salt for iterations
// rounds, producing a 32-byte AES-256 key. This is the only place GaldrDb
// performs key derivation; it is deliberately expensive and is run once per
// [OpenEncrypted] / [CreateEncrypted] call.
func deriveKey(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, keySize, sha256.New)
}

// CreateEncrypted initializes a brand-new encrypted page store: it writes a
// fresh [CryptoHeader] (random salt) to the first [CryptoHeaderSize] bytes
// of f, derives the key, and wraps inner (which must already be configured
// with a [CryptoHeaderSize] base offset) for page-level AEAD.
func CreateEncrypted(f *os.File, inner IO, password string, iterations uint32) (*Encrypted, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("page: generating salt: %w", err)
	}

	ch := CryptoHeader{
		Magic:         CryptoMagic,
		KDFID:         KDFPBKDF2SHA256,
		KDFIterations: iterations,
		PageSize:      uint32(inner.PageSize()),
	}
	copy(ch.Salt[:], salt)

	buf := make([]byte, CryptoHeaderSize)
	ch.Encode(buf)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return nil, fmt.Errorf("page: writing crypto header: %w", err)
	}

	return newEncrypted(inner, password, &ch)
}

// OpenEncrypted reads the crypto header from the first [CryptoHeaderSize]
// bytes of f, derives the key from password, and authenticates page 0 to
// confirm the password is correct before returning. A tag-verification
// failure on page 0 surfaces as [ErrInvalidPassword].
func OpenEncrypted(f *os.File, inner IO, password string) (*Encrypted, error) {
	buf := make([]byte, CryptoHeaderSize)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, CryptoHeaderSize), buf); err != nil {
		return nil, fmt.Errorf("page: reading crypto header: %w", err)
	}

	ch := DecodeCryptoHeader(buf)
	if ch.Magic != CryptoMagic {
		return nil, errors.New("page: not a GaldrDb encrypted file")
	}

	e, err := newEncrypted(inner, password, &ch)
	if err != nil {
		return nil, err
	}

	// Page 0 is the password oracle: decrypting it and checking the DB
	// header's own magic confirms the password before any other operation.
	probe := make([]byte, e.PageSize())
	if err := e.ReadPage(0, probe); err != nil {
		if errors.Is(err, ErrInvalidPassword) {
			return nil, ErrInvalidPassword
		}
		return nil, err
	}

	n, _ := inner.NumPages()
	if n > 0 && DecodeHeader(probe).Magic != Magic {
		return nil, ErrInvalidPassword
	}

	return e, nil
}

func newEncrypted(inner IO, password string, ch *CryptoHeader) (*Encrypted, error) {
	key := deriveKey(password, ch.Salt[:], int(ch.KDFIterations))

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	full := inner.PageSize()
	return &Encrypted{inner: inner, aead: aead, fullSize: full, pageSize: full - Size(EncryptionTrailerSize)}, nil
}

func (e *Encrypted) PageSize() Size { return e.pageSize }

func (e *Encrypted) ReadPage(id ID, buf []byte) error {
	if err := checkBuf(buf, e.pageSize); err != nil {
		return err
	}

	raw := make([]byte, e.fullSize)
	if err := e.inner.ReadPage(id, raw); err != nil {
		return err
	}

	nonce := raw[e.pageSize : e.pageSize+12]
	tag := raw[e.pageSize+12 : e.pageSize+28]
	ciphertext := raw[:e.pageSize]

	if isZero(nonce) && isZero(tag) && isZero(ciphertext) {
		// Never-written page: stays a zero page, matching the plaintext
		// IO contract instead of failing AEAD on an all-zero "ciphertext".
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)

	plain, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return fmt.Errorf("%w: page %d: %v", ErrInvalidPassword, id, err)
	}

	copy(buf, plain)
	return nil
}

func (e *Encrypted) WritePage(id ID, buf []byte) error {
	if err := checkBuf(buf, e.pageSize); err != nil {
		return err
	}

	nonce := make([]byte, 12)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("page: generating nonce: %w", err)
	}

	sealed := e.aead.Seal(nil, nonce, buf, nil)

	raw := make([]byte, e.fullSize)
	copy(raw, sealed[:e.pageSize])                 // ciphertext
	copy(raw[e.pageSize:], nonce)                   // nonce (12)
	copy(raw[e.pageSize+12:], sealed[e.pageSize:])  // tag (16)

	return e.inner.WritePage(id, raw)
}

func (e *Encrypted) Flush() error                      { return e.inner.Flush() }
func (e *Encrypted) SetLength(numPages uint32) error   { return e.inner.SetLength(numPages) }
func (e *Encrypted) NumPages() (uint32, error)         { return e.inner.NumPages() }
func (e *Encrypted) Close() error                      { return e.inner.Close() }

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
