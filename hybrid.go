package cose

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/cose-wg/cose-core/internal/cosealg"
	"github.com/cose-wg/cose-core/internal/cosehdr"
	"github.com/cose-wg/cose-core/internal/coseprim"
)

// hybridKDFInfo binds the HKDF expansion to this algorithm, the way age's
// x25519Kyber768Label binds its own wrapping-key derivation.
const hybridKDFInfo = "cose-core/v1/hybrid-kyber768-x25519"

// HybridRecipient wraps the CEK under a key-encryption key derived from an
// ML-KEM-768 + X25519 hybrid encapsulation, for post-quantum-resistant key
// distribution. There is no IANA COSE Algorithms registration for this
// combination yet; see internal/cosealg's HybridKyber768X25519 identifier.
// This recipient mirrors the teacher's own experimental
// x25519Kyber768Recipient, generalized from wrapping the CEK with
// ChaCha20-Poly1305 to wrapping it with AES-256 Key Wrap.
type HybridRecipient struct {
	pubKey []byte
	kid    []byte
}

// NewHybridRecipient configures a hybrid recipient for the peer's encoded
// hybrid public key (as derived by coseprim.HybridDeriveKeyPair from a
// seed such as GenerateHybridSeed returns). kid may be nil.
func NewHybridRecipient(pubKey, kid []byte) (*HybridRecipient, error) {
	if len(pubKey) != coseprim.HybridPublicKeySize() {
		return nil, fmt.Errorf("%w: hybrid public key length %d, want %d", ErrKeyImportFailed, len(pubKey), coseprim.HybridPublicKeySize())
	}
	pub := append([]byte(nil), pubKey...)
	var kidCopy []byte
	if kid != nil {
		kidCopy = append([]byte(nil), kid...)
	}
	return &HybridRecipient{pubKey: pub, kid: kidCopy}, nil
}

func (r *HybridRecipient) emitRecipient(cekPlain []byte, _ cosealg.ID, _ io.Reader) ([]byte, []byte, error) {
	if cekPlain == nil {
		return nil, nil, fmt.Errorf("%w: hybrid recipient cannot supply a CEK", ErrNoCEK)
	}
	ciphertext, sharedSecret, err := coseprim.HybridEncapsulate(r.pubKey)
	if err != nil {
		return nil, nil, err
	}
	kek, err := coseprim.HKDF(coseprim.SHA256, r.pubKey, sharedSecret, []byte(hybridKDFInfo), cosealg.KeyLen(cosealg.HybridKyber768X25519))
	if err != nil {
		return nil, nil, err
	}
	wrapped, err := coseprim.KeyWrap(kek, cekPlain)
	if err != nil {
		return nil, nil, err
	}

	params := []cosehdr.Param{
		cosehdr.NewInt(cosehdr.LabelAlg, true, int64(cosealg.HybridKyber768X25519)),
		cosehdr.NewBytes(cosehdr.LabelKemCiphertext, false, ciphertext),
	}
	if r.kid != nil {
		params = append(params, cosehdr.NewBytes(cosehdr.LabelKid, false, r.kid))
	}
	protectedBstr, unprotected, err := cosehdr.EncodeBody(params)
	if err != nil {
		return nil, nil, err
	}
	entry, err := cbor.Marshal([]interface{}{protectedBstr, unprotected, wrapped})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCborShape, err)
	}
	return entry, nil, nil
}

// HybridIdentity decodes a HybridRecipient entry using this party's hybrid
// private key.
type HybridIdentity struct {
	privKey []byte
	pubKey  []byte
	kid     []byte
}

// NewHybridIdentity configures hybrid decoding from an already-derived key
// pair (see HybridDeriveKeyPair). kid may be nil to match any key
// identifier.
func NewHybridIdentity(pubKey, privKey, kid []byte) *HybridIdentity {
	var kidCopy []byte
	if kid != nil {
		kidCopy = append([]byte(nil), kid...)
	}
	return &HybridIdentity{
		privKey: append([]byte(nil), privKey...),
		pubKey:  append([]byte(nil), pubKey...),
		kid:     kidCopy,
	}
}

// NewHybridIdentityFromSeed derives a hybrid key pair from seed and
// configures decoding around it, mirroring age's
// newx25519Kyber768IdentityFromScalar.
func NewHybridIdentityFromSeed(seed, kid []byte) (*HybridIdentity, error) {
	pub, priv, err := coseprim.HybridDeriveKeyPair(seed)
	if err != nil {
		return nil, err
	}
	return NewHybridIdentity(pub, priv, kid), nil
}

// GenerateHybridSeed draws a fresh random seed suitable for
// NewHybridIdentityFromSeed, mirroring age's GenerateX25519Identity /
// Generatex25519Kyber768Identity.
func GenerateHybridSeed(r io.Reader) ([]byte, error) {
	return coseprim.RandBytes(r, coseprim.HybridSeedSize())
}

func (id *HybridIdentity) tryDecode(protectedBstr []byte, unprotectedRaw cbor.RawMessage, wrappedCEK []byte) ([]byte, error) {
	params, err := cosehdr.DecodeHeaders(protectedBstr, unprotectedRaw, cosehdr.IsKnownRecipientLabel)
	if err != nil {
		return nil, err
	}
	algParam, ok := cosehdr.Find(params, cosehdr.LabelAlg)
	if !ok || cosealg.ID(algParam.Int) != cosealg.HybridKyber768X25519 {
		return nil, ErrDecline
	}
	if id.kid != nil {
		kidParam, ok := cosehdr.Find(params, cosehdr.LabelKid)
		if !ok || !bytes.Equal(kidParam.Bytes, id.kid) {
			return nil, ErrDecline
		}
	}

	ctParam, ok := cosehdr.Find(params, cosehdr.LabelKemCiphertext)
	if !ok {
		return nil, fmt.Errorf("%w: missing KEM ciphertext", ErrRecipientFormat)
	}

	sharedSecret, err := coseprim.HybridDecapsulate(id.privKey, ctParam.Bytes)
	if err != nil {
		return nil, err
	}
	kek, err := coseprim.HKDF(coseprim.SHA256, id.pubKey, sharedSecret, []byte(hybridKDFInfo), cosealg.KeyLen(cosealg.HybridKyber768X25519))
	if err != nil {
		return nil, err
	}
	cek, err := coseprim.KeyUnwrap(kek, wrappedCEK)
	if err != nil {
		if errors.Is(err, coseprim.ErrDataAuthFailed) {
			return nil, ErrDataAuthFailed
		}
		return nil, err
	}
	return cek, nil
}
