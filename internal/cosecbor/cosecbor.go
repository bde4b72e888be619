// Package cosecbor provides the small set of CBOR encode/decode helpers the
// COSE message assembler and parser need: protected-header-bstr wrapping,
// the Enc_structure and COSE-KDF-Context arrays, and outer CBOR tag
// handling for tag(16) COSE_Encrypt0 and tag(96) COSE_Encrypt.
//
// It is a thin layer over github.com/fxamacker/cbor/v2, in the same style
// tradeverifyd-transparency-service's pkg/cose package uses: plain
// []interface{} arrays and map[int64]interface{} maps passed straight to
// cbor.Marshal/cbor.Unmarshal, rather than a bespoke incremental encoder.
package cosecbor

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Outer message tags, RFC 9052 §2.
const (
	TagEncrypt0 = 16
	TagEncrypt  = 96
)

var ErrShape = errors.New("cosecbor: unexpected CBOR shape")

// RawMap decodes to a map of int64 labels to still-raw CBOR values, so the
// caller can defer interpreting each value until its expected type is known.
type RawMap map[int64]cbor.RawMessage

// EncodeHeaderMap CBOR-encodes a label->value map for use as an unprotected
// header map.
func EncodeHeaderMap(m map[int64]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return cbor.Marshal(map[int64]interface{}{})
	}
	return cbor.Marshal(m)
}

// EncodeProtected encodes a header map as the contents of the byte string
// RFC 9052 requires for the protected-headers slot; the caller places the
// result in that slot as a CBOR byte string. An empty or nil map yields
// zero-length contents, per RFC 9052 §3.
func EncodeProtected(m map[int64]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return []byte{}, nil
	}
	encoded, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("cosecbor: encode protected headers: %w", err)
	}
	return encoded, nil
}

// DecodeProtected decodes the contents of the protected-headers byte string
// into a raw label->value map. Zero-length contents decode to an empty,
// non-nil map.
func DecodeProtected(bstr []byte) (RawMap, error) {
	if len(bstr) == 0 {
		return RawMap{}, nil
	}
	var m RawMap
	if err := cbor.Unmarshal(bstr, &m); err != nil {
		return nil, fmt.Errorf("%w: protected headers not a map: %v", ErrShape, err)
	}
	return m, nil
}

// DecodeHeaderMap decodes an (already unwrapped) unprotected header map.
func DecodeHeaderMap(raw cbor.RawMessage) (RawMap, error) {
	if len(raw) == 0 {
		return RawMap{}, nil
	}
	var m RawMap
	if err := cbor.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: unprotected headers not a map: %v", ErrShape, err)
	}
	return m, nil
}

// EncStructure builds the RFC 9052 §5.3 Enc_structure:
//
//	Enc_structure = [
//	  context : "Encrypt" / "Encrypt0",
//	  protected : bstr,
//	  external_aad : bstr,
//	]
func EncStructure(context string, protectedBstr, externalAAD []byte) ([]byte, error) {
	if externalAAD == nil {
		externalAAD = []byte{}
	}
	return cbor.Marshal([]interface{}{context, protectedBstr, externalAAD})
}

// PartyInfo is the (identity, nonce, other) triple carried per-party in a
// COSE-KDF-Context, RFC 9053 §5.2. Any of the three may be nil, encoded as
// CBOR null.
type PartyInfo struct {
	Identity []byte
	Nonce    []byte
	Other    []byte
}

func (p PartyInfo) encode() []interface{} {
	return []interface{}{orNull(p.Identity), orNull(p.Nonce), orNull(p.Other)}
}

func orNull(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}

// KDFContext builds the RFC 9053 §5.2 COSE-KDF-Context:
//
//	COSE_KDF_Context = [
//	  AlgorithmID : int,
//	  PartyUInfo : [ identity, nonce, other ],
//	  PartyVInfo : [ identity, nonce, other ],
//	  SuppPubInfo : [ keyDataLength, protected, ? SuppPubOther ],
//	  ? SuppPrivInfo : bstr,
//	]
func KDFContext(algID int64, partyU, partyV PartyInfo, keyDataLengthBits int, protectedBstr, suppPubOther, suppPrivInfo []byte) ([]byte, error) {
	suppPub := []interface{}{keyDataLengthBits, protectedBstr}
	if suppPubOther != nil {
		suppPub = append(suppPub, suppPubOther)
	}
	ctx := []interface{}{algID, partyU.encode(), partyV.encode(), suppPub}
	if suppPrivInfo != nil {
		ctx = append(ctx, suppPrivInfo)
	}
	return cbor.Marshal(ctx)
}

// WrapTag CBOR-encodes content (already-encoded CBOR bytes for the tagged
// value) under the given tag number.
func WrapTag(number uint64, content []byte) ([]byte, error) {
	return cbor.Marshal(cbor.Tag{Number: number, Content: cbor.RawMessage(content)})
}

// isTag reports whether the leading byte of data encodes CBOR major type 6
// (tag), without fully decoding it.
func isTag(data []byte) bool {
	return len(data) > 0 && data[0]>>5 == 6
}

// PeekTag inspects data for an outer CBOR tag. If one is present it returns
// the tag number and the tagged content's raw bytes with ok=true. If data
// is untagged, ok is false and content is data itself.
func PeekTag(data []byte) (number uint64, content cbor.RawMessage, ok bool, err error) {
	if !isTag(data) {
		return 0, cbor.RawMessage(data), false, nil
	}
	var t cbor.RawTag
	if err := cbor.Unmarshal(data, &t); err != nil {
		return 0, nil, false, fmt.Errorf("%w: malformed tag: %v", ErrShape, err)
	}
	return t.Number, t.Content, true, nil
}

// DecodeArray decodes data (or tag content) into a slice of still-raw
// elements, so the message/recipient decoders can type-check each slot.
func DecodeArray(data cbor.RawMessage) ([]cbor.RawMessage, error) {
	var arr []cbor.RawMessage
	if err := cbor.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("%w: not an array: %v", ErrShape, err)
	}
	return arr, nil
}

// DecodeBytesOrNil decodes a CBOR byte string or null into a []byte. A CBOR
// null decodes to a nil slice (the "detached"/"absent" case); any other
// shape is an error.
func DecodeBytesOrNil(raw cbor.RawMessage) ([]byte, error) {
	if isNull(raw) {
		return nil, nil
	}
	var b []byte
	if err := cbor.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: expected byte string or null: %v", ErrShape, err)
	}
	return b, nil
}

func isNull(raw cbor.RawMessage) bool {
	return len(raw) == 1 && raw[0] == 0xf6
}

// EncodeBytesOrNull encodes b as a CBOR byte string, or CBOR null if b is nil.
func EncodeBytesOrNull(b []byte) (interface{}, error) {
	if b == nil {
		return nil, nil
	}
	return b, nil
}
