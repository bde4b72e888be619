package cose

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/cose-wg/cose-core/internal/cosealg"
	"github.com/cose-wg/cose-core/internal/cosehdr"
)

// DirectRecipient distributes a pre-shared key directly: the recipient's
// "wrapped CEK" is the empty byte string, and the CEK the body is
// encrypted under is the shared key itself (RFC 9052 §5.1, alg "direct").
// A message carries at most one DirectRecipient.
type DirectRecipient struct {
	key []byte
	kid []byte
}

// NewDirectRecipient configures a direct recipient around a pre-shared key.
// kid may be nil.
func NewDirectRecipient(key, kid []byte) *DirectRecipient {
	k := make([]byte, len(key))
	copy(k, key)
	var kidCopy []byte
	if kid != nil {
		kidCopy = append([]byte(nil), kid...)
	}
	return &DirectRecipient{key: k, kid: kidCopy}
}

func (r *DirectRecipient) emitRecipient(_ []byte, _ cosealg.ID, _ io.Reader) ([]byte, []byte, error) {
	params := []cosehdr.Param{cosehdr.NewInt(cosehdr.LabelAlg, true, int64(cosealg.Direct))}
	if r.kid != nil {
		params = append(params, cosehdr.NewBytes(cosehdr.LabelKid, false, r.kid))
	}
	protectedBstr, unprotected, err := cosehdr.EncodeBody(params)
	if err != nil {
		return nil, nil, err
	}
	entry, err := cbor.Marshal([]interface{}{protectedBstr, unprotected, []byte{}})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCborShape, err)
	}
	return entry, r.key, nil
}

// DirectIdentity decodes a direct recipient entry against a pre-shared key.
type DirectIdentity struct {
	key []byte
	kid []byte
}

// NewDirectIdentity configures direct decoding around a pre-shared key.
// kid may be nil to match any key identifier.
func NewDirectIdentity(key, kid []byte) *DirectIdentity {
	k := make([]byte, len(key))
	copy(k, key)
	var kidCopy []byte
	if kid != nil {
		kidCopy = append([]byte(nil), kid...)
	}
	return &DirectIdentity{key: k, kid: kidCopy}
}

func (id *DirectIdentity) tryDecode(protectedBstr []byte, unprotectedRaw cbor.RawMessage, _ []byte) ([]byte, error) {
	params, err := cosehdr.DecodeHeaders(protectedBstr, unprotectedRaw, cosehdr.IsKnownRecipientLabel)
	if err != nil {
		return nil, err
	}
	algParam, ok := cosehdr.Find(params, cosehdr.LabelAlg)
	if !ok || cosealg.ID(algParam.Int) != cosealg.Direct {
		return nil, ErrDecline
	}
	if id.kid != nil {
		kidParam, ok := cosehdr.Find(params, cosehdr.LabelKid)
		if !ok || !bytes.Equal(kidParam.Bytes, id.kid) {
			return nil, ErrDecline
		}
	}
	return id.key, nil
}
