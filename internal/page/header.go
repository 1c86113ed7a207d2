package page

import "encoding/binary"

// Magic uniquely identifies a GaldrDb file. Opening a file whose first four
// header bytes don't match this value fails fast as corruption.
const Magic uint32 = 0x6761_6C64 // "gald" (little-endian on disk)

// FormatVersion is the current on-disk header version.
const FormatVersion uint32 = 1

// HeaderSize is the fixed, plaintext-layout size of the DB header page's
// leading metadata block (the remainder of page 0 is unused padding).
const HeaderSize = 11 * 4

// Header is GaldrDb's page-0 metadata block, described in spec.md §3.
type Header struct {
	Magic        uint32
	Version      uint32
	PageSize     uint32
	TotalPages   uint32
	BitmapStart  uint32
	BitmapPages  uint32
	FSMStart     uint32
	FSMPages     uint32
	CatalogStart uint32
	CatalogPages uint32
	Flags        uint32
}

// Flag bits stored in Header.Flags.
const (
	FlagWAL       uint32 = 1 << 0
	FlagEncrypted uint32 = 1 << 1
)

// Encode writes the header's little-endian layout into buf[:HeaderSize].
func (h *Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.PageSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.TotalPages)
	binary.LittleEndian.PutUint32(buf[16:20], h.BitmapStart)
	binary.LittleEndian.PutUint32(buf[20:24], h.BitmapPages)
	binary.LittleEndian.PutUint32(buf[24:28], h.FSMStart)
	binary.LittleEndian.PutUint32(buf[28:32], h.FSMPages)
	binary.LittleEndian.PutUint32(buf[32:36], h.CatalogStart)
	binary.LittleEndian.PutUint32(buf[36:40], h.CatalogPages)
	binary.LittleEndian.PutUint32(buf[40:44], h.Flags)
}

// DecodeHeader parses buf[:HeaderSize] into a Header.
func DecodeHeader(buf []byte) Header {
	return Header{
		Magic:        binary.LittleEndian.Uint32(buf[0:4]),
		Version:      binary.LittleEndian.Uint32(buf[4:8]),
		PageSize:     binary.LittleEndian.Uint32(buf[8:12]),
		TotalPages:   binary.LittleEndian.Uint32(buf[12:16]),
		BitmapStart:  binary.LittleEndian.Uint32(buf[16:20]),
		BitmapPages:  binary.LittleEndian.Uint32(buf[20:24]),
		FSMStart:     binary.LittleEndian.Uint32(buf[24:28]),
		FSMPages:     binary.LittleEndian.Uint32(buf[28:32]),
		CatalogStart: binary.LittleEndian.Uint32(buf[32:36]),
		CatalogPages: binary.LittleEndian.Uint32(buf[36:40]),
		Flags:        binary.LittleEndian.Uint32(buf[40:44]),
	}
}

// CryptoHeaderSize is the size of the plaintext crypto header that precedes
// page 0 in an encrypted file.
const CryptoHeaderSize = 32

// CryptoMagic identifies an encrypted GaldrDb file before any page can be
// decrypted.
const CryptoMagic uint32 = 0x6761_6C63 // "galc"

// CryptoHeader is the plaintext preamble of an encrypted file: magic, KDF
// id, salt, iteration count, and the page size (needed before any page,
// including page 0, can be decrypted).
type CryptoHeader struct {
	Magic         uint32
	KDFID         uint32
	Salt          [16]byte
	KDFIterations uint32
	PageSize      uint32
}

// KDFPBKDF2SHA256 is the only KDF id GaldrDb currently writes.
const KDFPBKDF2SHA256 uint32 = 1

// Encode writes the crypto header's little-endian layout into
// buf[:CryptoHeaderSize].
func (c *CryptoHeader) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], c.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], c.KDFID)
	copy(buf[8:24], c.Salt[:])
	binary.LittleEndian.PutUint32(buf[24:28], c.KDFIterations)
	binary.LittleEndian.PutUint32(buf[28:32], c.PageSize)
}

// DecodeCryptoHeader parses buf[:CryptoHeaderSize] into a CryptoHeader.
func DecodeCryptoHeader(buf []byte) CryptoHeader {
	var c CryptoHeader
	c.Magic = binary.LittleEndian.Uint32(buf[0:4])
	c.KDFID = binary.LittleEndian.Uint32(buf[4:8])
	copy(c.Salt[:], buf[8:24])
	c.KDFIterations = binary.LittleEndian.Uint32(buf[24:28])
	c.PageSize = binary.LittleEndian.Uint32(buf[28:32])
	return c
}
