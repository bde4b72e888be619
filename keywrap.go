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

// KeyWrapRecipient wraps the CEK under a pre-shared key-encryption key
// with AES Key Wrap (RFC 3394).
type KeyWrapRecipient struct {
	kek coseprim.Key
	kid []byte
	alg cosealg.ID
}

// NewKeyWrapRecipient configures an AES-KW recipient. kek must hold a
// symmetric key of the length alg requires; kid may be nil.
func NewKeyWrapRecipient(kek coseprim.Key, kid []byte, alg cosealg.ID) (*KeyWrapRecipient, error) {
	if !cosealg.IsKeyWrap(alg) || cosealg.IsECDH(alg) || cosealg.IsHybrid(alg) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKeyDistributionAlg, alg)
	}
	if len(kek.Symmetric) != cosealg.KeyLen(alg) {
		return nil, fmt.Errorf("%w: KEK length %d, want %d for %s", ErrKeyImportFailed, len(kek.Symmetric), cosealg.KeyLen(alg), alg)
	}
	var kidCopy []byte
	if kid != nil {
		kidCopy = append([]byte(nil), kid...)
	}
	return &KeyWrapRecipient{kek: kek, kid: kidCopy, alg: alg}, nil
}

func (r *KeyWrapRecipient) emitRecipient(cekPlain []byte, _ cosealg.ID, _ io.Reader) ([]byte, []byte, error) {
	if cekPlain == nil {
		return nil, nil, fmt.Errorf("%w: key-wrap recipient cannot supply a CEK", ErrNoCEK)
	}
	wrapped, err := coseprim.KeyWrap(r.kek.Symmetric, cekPlain)
	if err != nil {
		return nil, nil, err
	}
	params := []cosehdr.Param{cosehdr.NewInt(cosehdr.LabelAlg, true, int64(r.alg))}
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

// KeyWrapIdentity decodes an AES-KW recipient entry against a pre-shared
// key-encryption key.
type KeyWrapIdentity struct {
	kek coseprim.Key
	kid []byte
}

// NewKeyWrapIdentity configures AES-KW decoding. kid may be nil to match
// any key identifier.
func NewKeyWrapIdentity(kek coseprim.Key, kid []byte) *KeyWrapIdentity {
	var kidCopy []byte
	if kid != nil {
		kidCopy = append([]byte(nil), kid...)
	}
	return &KeyWrapIdentity{kek: kek, kid: kidCopy}
}

func (id *KeyWrapIdentity) tryDecode(protectedBstr []byte, unprotectedRaw cbor.RawMessage, wrappedCEK []byte) ([]byte, error) {
	params, err := cosehdr.DecodeHeaders(protectedBstr, unprotectedRaw, cosehdr.IsKnownRecipientLabel)
	if err != nil {
		return nil, err
	}
	algParam, ok := cosehdr.Find(params, cosehdr.LabelAlg)
	if !ok {
		return nil, ErrDecline
	}
	alg := cosealg.ID(algParam.Int)
	if !cosealg.IsKeyWrap(alg) || cosealg.IsECDH(alg) || cosealg.IsHybrid(alg) {
		return nil, ErrDecline
	}
	if id.kid != nil {
		kidParam, ok := cosehdr.Find(params, cosehdr.LabelKid)
		if !ok || !bytes.Equal(kidParam.Bytes, id.kid) {
			return nil, ErrDecline
		}
	}
	if len(id.kek.Symmetric) != cosealg.KeyLen(alg) {
		return nil, ErrDecline
	}
	cek, err := coseprim.KeyUnwrap(id.kek.Symmetric, wrappedCEK)
	if err != nil {
		if errors.Is(err, coseprim.ErrDataAuthFailed) {
			return nil, ErrDataAuthFailed
		}
		return nil, err
	}
	return cek, nil
}
