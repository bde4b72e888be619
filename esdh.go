package cose

import (
	"bytes"
	"crypto/ecdh"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/cose-wg/cose-core/internal/cosealg"
	"github.com/cose-wg/cose-core/internal/cosecbor"
	"github.com/cose-wg/cose-core/internal/cosehdr"
	"github.com/cose-wg/cose-core/internal/coseprim"
)

// IANA COSE Elliptic Curves registry values carried in a COSE_Key.
const (
	curveP256 int64 = 1
	curveP384 int64 = 2
	curveP521 int64 = 3
)

// COSE_Key map labels for an EC2 key (RFC 9053 §7.1).
const (
	keyLabelKty   int64 = 1
	keyLabelCrv   int64 = -1
	keyLabelX     int64 = -2
	keyLabelY     int64 = -3
	ktyEC2        int64 = 2
)

func curveID(c ecdh.Curve) (int64, error) {
	switch c {
	case ecdh.P256():
		return curveP256, nil
	case ecdh.P384():
		return curveP384, nil
	case ecdh.P521():
		return curveP521, nil
	default:
		return 0, ErrUnsupportedCurve
	}
}

func curveByID(id int64) (ecdh.Curve, error) {
	switch id {
	case curveP256:
		return ecdh.P256(), nil
	case curveP384:
		return ecdh.P384(), nil
	case curveP521:
		return ecdh.P521(), nil
	default:
		return nil, fmt.Errorf("%w: curve %d", ErrUnsupportedCurve, id)
	}
}

func encodeCOSEKeyPub(pub *ecdh.PublicKey) (map[int64]interface{}, error) {
	cid, err := curveID(pub.Curve())
	if err != nil {
		return nil, err
	}
	x, y, err := coseprim.EncodeECPoint(pub)
	if err != nil {
		return nil, err
	}
	return map[int64]interface{}{
		keyLabelKty: ktyEC2,
		keyLabelCrv: cid,
		keyLabelX:   x,
		keyLabelY:   y,
	}, nil
}

func decodeCOSEKeyPub(raw cbor.RawMessage, want ecdh.Curve) (*ecdh.PublicKey, error) {
	var m map[int64]cbor.RawMessage
	if err := cbor.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrCborShape, err)
	}
	var cid int64
	var x, y []byte
	if err := cbor.Unmarshal(m[keyLabelCrv], &cid); err != nil {
		return nil, fmt.Errorf("%w: ephemeral key curve: %v", ErrCborShape, err)
	}
	if err := cbor.Unmarshal(m[keyLabelX], &x); err != nil {
		return nil, fmt.Errorf("%w: ephemeral key x: %v", ErrCborShape, err)
	}
	if err := cbor.Unmarshal(m[keyLabelY], &y); err != nil {
		return nil, fmt.Errorf("%w: ephemeral key y: %v", ErrCborShape, err)
	}
	curve, err := curveByID(cid)
	if err != nil {
		return nil, err
	}
	if want != nil && curve != want {
		return nil, ErrUnsupportedCurve
	}
	return coseprim.DecodeECPoint(curve, x, y)
}

func wrapAlgFor(esdhAlg cosealg.ID) cosealg.ID {
	switch esdhAlg {
	case cosealg.ECDH_ES_A128KW:
		return cosealg.A128KW
	case cosealg.ECDH_ES_A192KW:
		return cosealg.A192KW
	case cosealg.ECDH_ES_A256KW:
		return cosealg.A256KW
	default:
		return 0
	}
}

type esdhShared struct {
	partyU, partyV             cosecbor.PartyInfo
	suppPubOther, suppPrivInfo []byte
	salt                       []byte
	randomSalt                 bool
	doNotSendPartyInfo         bool
	kid                        []byte
}

// ESDHRecipientOption configures an ESDHRecipient.
type ESDHRecipientOption func(*esdhShared)

// ESDHIdentityOption configures an ESDHIdentity.
type ESDHIdentityOption func(*esdhShared)

// WithPartyU sets the PartyU identity/nonce/other fields sent in the
// recipient's headers. Any of the three may be nil.
func WithPartyU(identity, nonce, other []byte) ESDHRecipientOption {
	return func(s *esdhShared) { s.partyU = cosecbor.PartyInfo{Identity: identity, Nonce: nonce, Other: other} }
}

// WithPartyV is WithPartyU for PartyV.
func WithPartyV(identity, nonce, other []byte) ESDHRecipientOption {
	return func(s *esdhShared) { s.partyV = cosecbor.PartyInfo{Identity: identity, Nonce: nonce, Other: other} }
}

// WithSuppPubOther sets the optional SuppPubOther field of the KDF context.
func WithSuppPubOther(b []byte) ESDHRecipientOption {
	return func(s *esdhShared) { s.suppPubOther = b }
}

// WithSuppPrivInfo sets the optional SuppPrivInfo field of the KDF context.
func WithSuppPrivInfo(b []byte) ESDHRecipientOption {
	return func(s *esdhShared) { s.suppPrivInfo = b }
}

// WithSalt fixes an explicit HKDF salt, sent in the recipient's headers.
func WithSalt(b []byte) ESDHRecipientOption {
	return func(s *esdhShared) { s.salt = b }
}

// WithRandomSalt generates a fresh HKDF salt when WithSalt is not also
// given, and sends it in the recipient's headers.
func WithRandomSalt() ESDHRecipientOption {
	return func(s *esdhShared) { s.randomSalt = true }
}

// DoNotSendPartyInfo suppresses PartyU/PartyV headers on encode; the peer
// must then supply the same values out-of-band via the matching
// ESDHIdentityOption, or HKDF will derive a different KEK and AES-KW will
// fail with ErrDataAuthFailed.
func DoNotSendPartyInfo() ESDHRecipientOption {
	return func(s *esdhShared) { s.doNotSendPartyInfo = true }
}

// WithIdentityPartyU supplies an out-of-band PartyU override, used only
// for fields the peer's encoder did not send.
func WithIdentityPartyU(identity, nonce, other []byte) ESDHIdentityOption {
	return func(s *esdhShared) { s.partyU = cosecbor.PartyInfo{Identity: identity, Nonce: nonce, Other: other} }
}

// WithIdentityPartyV is WithIdentityPartyU for PartyV.
func WithIdentityPartyV(identity, nonce, other []byte) ESDHIdentityOption {
	return func(s *esdhShared) { s.partyV = cosecbor.PartyInfo{Identity: identity, Nonce: nonce, Other: other} }
}

// WithIdentitySuppPubOther supplies an out-of-band SuppPubOther override.
func WithIdentitySuppPubOther(b []byte) ESDHIdentityOption {
	return func(s *esdhShared) { s.suppPubOther = b }
}

// WithIdentitySuppPrivInfo supplies an out-of-band SuppPrivInfo override.
func WithIdentitySuppPrivInfo(b []byte) ESDHIdentityOption {
	return func(s *esdhShared) { s.suppPrivInfo = b }
}

// WithIdentityKid requires a matching key identifier before decoding is
// attempted.
func WithIdentityKid(kid []byte) ESDHIdentityOption {
	return func(s *esdhShared) { s.kid = kid }
}

// ESDHRecipient wraps the CEK under a KEK derived by ephemeral-static
// ECDH + HKDF, per RFC 9053 §5 ("ECDH-ES+A*KW" algorithms).
type ESDHRecipient struct {
	pkR   *ecdh.PublicKey
	kid   []byte
	alg   cosealg.ID
	extra esdhShared
}

// NewESDHRecipient configures an ESDH recipient for the peer's static
// public key pkR, under alg (one of the ECDH_ES_A*KW identifiers).
func NewESDHRecipient(pkR *ecdh.PublicKey, kid []byte, alg cosealg.ID, opts ...ESDHRecipientOption) (*ESDHRecipient, error) {
	if !cosealg.IsECDH(alg) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKeyDistributionAlg, alg)
	}
	var s esdhShared
	for _, f := range opts {
		f(&s)
	}
	var kidCopy []byte
	if kid != nil {
		kidCopy = append([]byte(nil), kid...)
	}
	return &ESDHRecipient{pkR: pkR, kid: kidCopy, alg: alg, extra: s}, nil
}

func (r *ESDHRecipient) headerParams(pkE *ecdh.PublicKey, salt []byte) []cosehdr.Param {
	params := []cosehdr.Param{
		cosehdr.NewInt(cosehdr.LabelAlg, true, int64(r.alg)),
		cosehdr.NewCallback(cosehdr.LabelEphemeralKey, false, func() (interface{}, error) {
			return encodeCOSEKeyPub(pkE)
		}),
	}
	if r.kid != nil {
		params = append(params, cosehdr.NewBytes(cosehdr.LabelKid, false, r.kid))
	}
	if !r.extra.doNotSendPartyInfo {
		params = appendPartyInfo(params, cosehdr.LabelPartyUID, cosehdr.LabelPartyUNonce, cosehdr.LabelPartyUOther, r.extra.partyU)
		params = appendPartyInfo(params, cosehdr.LabelPartyVID, cosehdr.LabelPartyVNonce, cosehdr.LabelPartyVOther, r.extra.partyV)
	}
	if r.extra.suppPubOther != nil {
		params = append(params, cosehdr.NewBytes(cosehdr.LabelSuppPubOther, false, r.extra.suppPubOther))
	}
	if r.extra.suppPrivInfo != nil {
		params = append(params, cosehdr.NewBytes(cosehdr.LabelSuppPrivInfo, false, r.extra.suppPrivInfo))
	}
	if salt != nil {
		params = append(params, cosehdr.NewBytes(cosehdr.LabelSalt, false, salt))
	}
	return params
}

func appendPartyInfo(params []cosehdr.Param, idLabel, nonceLabel, otherLabel int64, p cosecbor.PartyInfo) []cosehdr.Param {
	if p.Identity != nil {
		params = append(params, cosehdr.NewBytes(idLabel, false, p.Identity))
	}
	if p.Nonce != nil {
		params = append(params, cosehdr.NewBytes(nonceLabel, false, p.Nonce))
	}
	if p.Other != nil {
		params = append(params, cosehdr.NewBytes(otherLabel, false, p.Other))
	}
	return params
}

func (r *ESDHRecipient) emitRecipient(cekPlain []byte, _ cosealg.ID, rnd io.Reader) ([]byte, []byte, error) {
	if cekPlain == nil {
		return nil, nil, fmt.Errorf("%w: ESDH recipient cannot supply a CEK", ErrNoCEK)
	}
	skE, err := coseprim.GenerateEphemeral(r.pkR.Curve(), rnd)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}
	z, err := coseprim.ECDH(skE, r.pkR)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}

	salt := r.extra.salt
	if salt == nil && r.extra.randomSalt {
		salt, err = coseprim.RandBytes(rnd, 32)
		if err != nil {
			return nil, nil, err
		}
	}

	wrapAlg := wrapAlgFor(r.alg)
	kekLen := cosealg.KeyLen(wrapAlg)

	params := r.headerParams(skE.PublicKey(), salt)
	protectedBstr, unprotected, err := cosehdr.EncodeBody(params)
	if err != nil {
		return nil, nil, err
	}

	kdfCtx, err := cosecbor.KDFContext(int64(r.alg), r.extra.partyU, r.extra.partyV, kekLen*8, protectedBstr, r.extra.suppPubOther, r.extra.suppPrivInfo)
	if err != nil {
		return nil, nil, err
	}
	kekBytes, err := coseprim.HKDF(coseprim.SHA256, salt, z, kdfCtx, kekLen)
	if err != nil {
		return nil, nil, err
	}

	wrapped, err := coseprim.KeyWrap(kekBytes, cekPlain)
	if err != nil {
		return nil, nil, err
	}

	entry, err := cbor.Marshal([]interface{}{protectedBstr, unprotected, wrapped})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCborShape, err)
	}
	return entry, nil, nil
}

// ESDHIdentity decodes an ESDH recipient entry using this party's static
// private key.
type ESDHIdentity struct {
	skR   *ecdh.PrivateKey
	extra esdhShared
}

// NewESDHIdentity configures ESDH decoding around the static private key
// skR.
func NewESDHIdentity(skR *ecdh.PrivateKey, opts ...ESDHIdentityOption) *ESDHIdentity {
	var s esdhShared
	for _, f := range opts {
		f(&s)
	}
	return &ESDHIdentity{skR: skR, extra: s}
}

// NewESDHIdentityFromScalar is NewESDHIdentity for a private key held as a
// raw scalar (e.g. loaded from storage) rather than an *ecdh.PrivateKey,
// mirroring the teacher's own newX25519IdentityFromScalar/
// newx25519Kyber768IdentityFromScalar constructors that sit alongside their
// object-typed counterparts.
func NewESDHIdentityFromScalar(curve ecdh.Curve, scalar []byte, opts ...ESDHIdentityOption) (*ESDHIdentity, error) {
	skR, err := coseprim.ImportECPrivateKey(curve, scalar)
	if err != nil {
		return nil, err
	}
	return NewESDHIdentity(skR, opts...), nil
}

func resolveParty(params []cosehdr.Param, idLabel, nonceLabel, otherLabel int64, override cosecbor.PartyInfo) cosecbor.PartyInfo {
	resolve := func(label int64, fallback []byte) []byte {
		if p, ok := cosehdr.Find(params, label); ok {
			return p.Bytes
		}
		return fallback
	}
	return cosecbor.PartyInfo{
		Identity: resolve(idLabel, override.Identity),
		Nonce:    resolve(nonceLabel, override.Nonce),
		Other:    resolve(otherLabel, override.Other),
	}
}

func (id *ESDHIdentity) tryDecode(protectedBstr []byte, unprotectedRaw cbor.RawMessage, wrappedCEK []byte) ([]byte, error) {
	params, err := cosehdr.DecodeHeaders(protectedBstr, unprotectedRaw, cosehdr.IsKnownRecipientLabel)
	if err != nil {
		return nil, err
	}
	algParam, ok := cosehdr.Find(params, cosehdr.LabelAlg)
	if !ok || !cosealg.IsECDH(cosealg.ID(algParam.Int)) {
		return nil, ErrDecline
	}
	alg := cosealg.ID(algParam.Int)
	if id.extra.kid != nil {
		kidParam, ok := cosehdr.Find(params, cosehdr.LabelKid)
		if !ok || !bytes.Equal(kidParam.Bytes, id.extra.kid) {
			return nil, ErrDecline
		}
	}

	ekParam, ok := cosehdr.Find(params, cosehdr.LabelEphemeralKey)
	if !ok || ekParam.Kind != cosehdr.KindRaw {
		return nil, fmt.Errorf("%w: missing ephemeral key", ErrRecipientFormat)
	}
	pkE, err := decodeCOSEKeyPub(ekParam.Raw, id.skR.Curve())
	if err != nil {
		return nil, err
	}

	z, err := coseprim.ECDH(id.skR, pkE)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	partyU := resolveParty(params, cosehdr.LabelPartyUID, cosehdr.LabelPartyUNonce, cosehdr.LabelPartyUOther, id.extra.partyU)
	partyV := resolveParty(params, cosehdr.LabelPartyVID, cosehdr.LabelPartyVNonce, cosehdr.LabelPartyVOther, id.extra.partyV)
	suppPubOther := id.extra.suppPubOther
	if p, ok := cosehdr.Find(params, cosehdr.LabelSuppPubOther); ok {
		suppPubOther = p.Bytes
	}
	suppPrivInfo := id.extra.suppPrivInfo
	if p, ok := cosehdr.Find(params, cosehdr.LabelSuppPrivInfo); ok {
		suppPrivInfo = p.Bytes
	}
	var salt []byte
	if p, ok := cosehdr.Find(params, cosehdr.LabelSalt); ok {
		salt = p.Bytes
	}

	wrapAlg := wrapAlgFor(alg)
	kekLen := cosealg.KeyLen(wrapAlg)
	kdfCtx, err := cosecbor.KDFContext(int64(alg), partyU, partyV, kekLen*8, protectedBstr, suppPubOther, suppPrivInfo)
	if err != nil {
		return nil, err
	}
	kekBytes, err := coseprim.HKDF(coseprim.SHA256, salt, z, kdfCtx, kekLen)
	if err != nil {
		return nil, err
	}

	cek, err := coseprim.KeyUnwrap(kekBytes, wrappedCEK)
	if err != nil {
		if errors.Is(err, coseprim.ErrDataAuthFailed) {
			return nil, ErrDataAuthFailed
		}
		return nil, err
	}
	return cek, nil
}
