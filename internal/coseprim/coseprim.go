// Package coseprim is the primitive crypto shim COSE message assembly and
// parsing is built on: AEAD and non-AEAD content encryption, AES key wrap,
// HKDF, ECDH, hashing, and randomness. Spec-wise these correspond to the
// "trait boundary" a from-scratch COSE core would define over a pluggable
// crypto backend; in Go, the standard library already supplies every
// primitive except AES key wrap, so this is a set of plain functions rather
// than an interface with one implementation (see DESIGN.md).
package coseprim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/cloudflare/circl/kem/hybrid"
	"golang.org/x/crypto/hkdf"

	"github.com/cose-wg/cose-core/internal/cosealg"
)

var (
	ErrUnsupportedEncryptionAlg = errors.New("coseprim: unsupported content encryption algorithm")
	ErrUnsupportedCipherAlg     = errors.New("coseprim: unsupported cipher algorithm")
	ErrUnsupportedCurve         = errors.New("coseprim: unsupported elliptic curve")
	ErrKeyImportFailed          = errors.New("coseprim: key import failed")
	ErrPrivateKeyImportFailed   = errors.New("coseprim: private key import failed")
	ErrEncryptFailed            = errors.New("coseprim: encrypt failed")
	ErrDecryptFailed            = errors.New("coseprim: decrypt failed")
	ErrDataAuthFailed           = errors.New("coseprim: data authentication failed")
)

// Key is an opaque reference to key material, as spec.md's key handle K:
// ownership is borrowed from the caller for the duration of a call.
type Key struct {
	Symmetric []byte
	ECPriv    *ecdh.PrivateKey
	ECPub     *ecdh.PublicKey
}

// ImportSymmetricKey copies b into a Key handle, grounded on age's pattern
// of copying caller-supplied key bytes into owned storage (x25519.go,
// NewX25519Identity) rather than aliasing the caller's slice.
func ImportSymmetricKey(b []byte) (Key, error) {
	if len(b) == 0 {
		return Key{}, fmt.Errorf("%w: empty symmetric key", ErrKeyImportFailed)
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return Key{Symmetric: cp}, nil
}

// RandBytes fills a new n-byte slice from r, or crypto/rand.Reader if r is nil.
func RandBytes(r io.Reader, n int) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("coseprim: rng: %w", err)
	}
	return b, nil
}

// ---- AEAD body encryption (A128/192/256GCM) ----

func gcmFor(alg cosealg.ID, key []byte) (cipher.AEAD, error) {
	if !cosealg.IsAEAD(alg) || !cosealg.IsSupported(alg) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncryptionAlg, alg)
	}
	if got, want := len(key), cosealg.KeyLen(alg); got != want {
		return nil, fmt.Errorf("%w: key length %d, want %d for %s", ErrKeyImportFailed, got, want, alg)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyImportFailed, err)
	}
	return cipher.NewGCM(block)
}

// AEADEncrypt seals plaintext under key/nonce, binding aad, grounded on
// age's internal/age/primitives.go aeadEncrypt (AEAD from a key,
// aead.Seal(nil, nonce, plaintext, aad)), generalized from a fixed
// ChaCha20-Poly1305 cipher to the COSE AES-GCM family.
func AEADEncrypt(alg cosealg.ID, key, nonce, aad, plaintext []byte) ([]byte, error) {
	aead, err := gcmFor(alg, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad IV length", ErrEncryptFailed)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// AEADDecrypt opens ciphertext (which includes the trailing tag) under
// key/nonce, verifying aad. Authentication failure is reported as
// ErrDataAuthFailed, never as plaintext of undefined content.
func AEADDecrypt(alg cosealg.ID, key, nonce, aad, ciphertext []byte) ([]byte, error) {
	aead, err := gcmFor(alg, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad IV length", ErrDecryptFailed)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDataAuthFailed
	}
	return pt, nil
}

// ---- Non-AEAD body encryption (CTR/CBC, no binding of Enc_structure) ----

// NonAEADEncrypt encrypts plaintext with AES-CTR or AES-CBC (PKCS#7
// padding), grounded on rajithacharith-thunder's jwe/utils.go
// encryptContent, which builds a cipher.Block from the CEK the same way.
// There is no authentication tag; see SPEC_FULL.md §7 for the documented
// open question this implies.
func NonAEADEncrypt(alg cosealg.ID, key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyImportFailed, err)
	}
	switch alg {
	case cosealg.A128CTR, cosealg.A192CTR, cosealg.A256CTR:
		if len(iv) != block.BlockSize() {
			return nil, fmt.Errorf("%w: bad IV length", ErrEncryptFailed)
		}
		out := make([]byte, len(plaintext))
		cipher.NewCTR(block, iv).XORKeyStream(out, plaintext)
		return out, nil
	case cosealg.A128CBC, cosealg.A192CBC, cosealg.A256CBC:
		if len(iv) != block.BlockSize() {
			return nil, fmt.Errorf("%w: bad IV length", ErrEncryptFailed)
		}
		padded := pkcs7Pad(plaintext, block.BlockSize())
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCipherAlg, alg)
	}
}

// NonAEADDecrypt is the inverse of NonAEADEncrypt.
func NonAEADDecrypt(alg cosealg.ID, key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyImportFailed, err)
	}
	switch alg {
	case cosealg.A128CTR, cosealg.A192CTR, cosealg.A256CTR:
		if len(iv) != block.BlockSize() {
			return nil, fmt.Errorf("%w: bad IV length", ErrDecryptFailed)
		}
		out := make([]byte, len(ciphertext))
		cipher.NewCTR(block, iv).XORKeyStream(out, ciphertext)
		return out, nil
	case cosealg.A128CBC, cosealg.A192CBC, cosealg.A256CBC:
		if len(iv) != block.BlockSize() || len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
			return nil, fmt.Errorf("%w: bad ciphertext length", ErrDecryptFailed)
		}
		out := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
		unpadded, err := pkcs7Unpad(out, block.BlockSize())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
		}
		return unpadded, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCipherAlg, alg)
	}
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}

// ---- AES Key Wrap, RFC 3394 ----

var rfc3394IV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// KeyWrap wraps cek under kek per RFC 3394. Grounded on
// rajithacharith-thunder/jwe/utils.go's aesKeyWrap, the only AES-KW
// implementation anywhere in the retrieved corpus; see DESIGN.md for why
// this is hand-written over crypto/aes rather than imported.
func KeyWrap(kek, cek []byte) ([]byte, error) {
	if len(cek)%8 != 0 || len(cek) == 0 {
		return nil, fmt.Errorf("%w: CEK length must be a nonzero multiple of 8", ErrEncryptFailed)
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyImportFailed, err)
	}

	n := len(cek) / 8
	r := make([]byte, (n+1)*8)
	copy(r[:8], rfc3394IV[:])
	copy(r[8:], cek)

	b := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(b[:8], r[:8])
			copy(b[8:], r[i*8:i*8+8])
			block.Encrypt(b, b)

			t := uint64(j)*uint64(n) + uint64(i)
			for k := 0; k < 8; k++ {
				b[7-k] ^= byte(t >> (8 * k))
			}
			copy(r[:8], b[:8])
			copy(r[i*8:i*8+8], b[8:])
		}
	}
	return r, nil
}

// KeyUnwrap is the inverse of KeyWrap. Integrity-check failure (the default
// IV does not verify) is reported as ErrDataAuthFailed.
func KeyUnwrap(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < 16 {
		return nil, fmt.Errorf("%w: invalid wrapped key length", ErrDecryptFailed)
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyImportFailed, err)
	}

	n := len(wrapped)/8 - 1
	r := make([]byte, (n+1)*8)
	copy(r, wrapped)

	b := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(j)*uint64(n) + uint64(i)
			copy(b[:8], r[:8])
			for k := 0; k < 8; k++ {
				b[7-k] ^= byte(t >> (8 * k))
			}
			copy(b[8:], r[i*8:i*8+8])
			block.Decrypt(b, b)

			copy(r[:8], b[:8])
			copy(r[i*8:i*8+8], b[8:])
		}
	}

	for i := 0; i < 8; i++ {
		if r[i] != rfc3394IV[i] {
			return nil, ErrDataAuthFailed
		}
	}
	return r[8:], nil
}

// ---- HKDF ----

// HashID selects the hash function HKDF and header-declared hashes use.
type HashID int

const (
	SHA256 HashID = iota
	SHA384
	SHA512
)

func newHash(h HashID) func() hash.Hash {
	switch h {
	case SHA384:
		return sha512.New384
	case SHA512:
		return sha512.New
	default:
		return sha256.New
	}
}

// HKDF runs extract-and-expand HKDF (RFC 5869) over ikm with salt and info,
// producing length bytes. Grounded on age's internal/age/x25519.go, which
// calls hkdf.New(sha256.New, sharedSecret, salt, info) for its own
// ECDH-derived wrapping key.
func HKDF(h HashID, salt, ikm, info []byte, length int) ([]byte, error) {
	r := hkdf.New(newHash(h), ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("coseprim: hkdf: %w", err)
	}
	return out, nil
}

// ---- ECDH ----

// Curve resolves a COSE/IANA-style curve name to a crypto/ecdh.Curve.
func Curve(name string) (ecdh.Curve, error) {
	switch name {
	case "P-256":
		return ecdh.P256(), nil
	case "P-384":
		return ecdh.P384(), nil
	case "P-521":
		return ecdh.P521(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurve, name)
	}
}

// GenerateEphemeral generates an ephemeral EC key pair on curve, grounded on
// rajithacharith-thunder's jwe/utils.go generateEphemeralKey.
func GenerateEphemeral(curve ecdh.Curve, r io.Reader) (*ecdh.PrivateKey, error) {
	if r == nil {
		r = rand.Reader
	}
	return curve.GenerateKey(r)
}

// ECDH computes the raw shared secret Z = priv x pub, grounded on
// rajithacharith-thunder's jwe/utils.go computeSharedSecret.
func ECDH(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	z, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("coseprim: ecdh: %w", err)
	}
	return z, nil
}

// EncodeECPoint splits an uncompressed EC public key (0x04 || X || Y) into
// its coordinates, for embedding in a COSE_Key map.
func EncodeECPoint(pub *ecdh.PublicKey) (x, y []byte, err error) {
	raw := pub.Bytes()
	if len(raw) < 3 || raw[0] != 0x04 || (len(raw)-1)%2 != 0 {
		return nil, nil, fmt.Errorf("%w: not an uncompressed EC point", ErrKeyImportFailed)
	}
	half := (len(raw) - 1) / 2
	return raw[1 : 1+half], raw[1+half:], nil
}

// DecodeECPoint reconstructs a public key on curve from COSE_Key x/y
// coordinates.
func DecodeECPoint(curve ecdh.Curve, x, y []byte) (*ecdh.PublicKey, error) {
	raw := make([]byte, 1+len(x)+len(y))
	raw[0] = 0x04
	copy(raw[1:], x)
	copy(raw[1+len(x):], y)
	pub, err := curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyImportFailed, err)
	}
	return pub, nil
}

// ImportECPrivateKey imports a raw scalar as a private key on curve.
func ImportECPrivateKey(curve ecdh.Curve, scalar []byte) (*ecdh.PrivateKey, error) {
	priv, err := curve.NewPrivateKey(scalar)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrivateKeyImportFailed, err)
	}
	return priv, nil
}

// ---- Hybrid post-quantum KEM (ML-KEM-768 + X25519) ----

// hybridScheme is the same classical/quantum hybrid KEM age's
// x25519Kyber768.go hard-codes as its package-level kem variable.
var hybridScheme = hybrid.Kyber768X25519()

// HybridPublicKeySize is the encoded size of a hybrid public key.
func HybridPublicKeySize() int { return hybridScheme.PublicKeySize() }

// HybridSeedSize is the size of the seed HybridDeriveKeyPair consumes.
func HybridSeedSize() int { return hybridScheme.SeedSize() }

// HybridDeriveKeyPair deterministically derives a hybrid key pair from
// seed, grounded on age's newx25519Kyber768IdentityFromScalar, which
// derives its key pair from a stored secret seed the same way rather than
// persisting the expanded private key.
func HybridDeriveKeyPair(seed []byte) (pub, priv []byte, err error) {
	if len(seed) != hybridScheme.SeedSize() {
		return nil, nil, fmt.Errorf("%w: hybrid seed length %d, want %d", ErrPrivateKeyImportFailed, len(seed), hybridScheme.SeedSize())
	}
	pubKey, privKey := hybridScheme.DeriveKeyPair(seed)
	pub, err = pubKey.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKeyImportFailed, err)
	}
	priv, err = privKey.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPrivateKeyImportFailed, err)
	}
	return pub, priv, nil
}

// HybridEncapsulate runs the KEM's encapsulation step against an encoded
// public key, grounded on age's x25519Kyber768Recipient.Wrap.
func HybridEncapsulate(pubKey []byte) (ciphertext, sharedSecret []byte, err error) {
	pub, err := hybridScheme.UnmarshalBinaryPublicKey(pubKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKeyImportFailed, err)
	}
	ciphertext, sharedSecret, err = hybridScheme.Encapsulate(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}
	return ciphertext, sharedSecret, nil
}

// HybridDecapsulate runs the KEM's decapsulation step against an encoded
// private key, grounded on age's X25519Kyber768Identity.unwrap.
func HybridDecapsulate(privKey, ciphertext []byte) (sharedSecret []byte, err error) {
	priv, err := hybridScheme.UnmarshalBinaryPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrivateKeyImportFailed, err)
	}
	sharedSecret, err = hybridScheme.Decapsulate(priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return sharedSecret, nil
}
