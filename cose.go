// Package cose implements COSE_Encrypt0 and COSE_Encrypt message assembly
// and parsing (RFC 9052), with direct, AES key-wrap, and ECDH-ES+AES-KW
// recipient strategies (RFC 9053).
//
// An Encrypter builds a message: set the body algorithm, optionally an
// explicit CEK, optionally one or more recipients, then call Encrypt. A
// Decrypter mirrors it: register recipient identities (or an explicit CEK
// for COSE_Encrypt0) and call Decrypt.
package cose

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/cose-wg/cose-core/internal/cosealg"
	"github.com/cose-wg/cose-core/internal/cosecbor"
	"github.com/cose-wg/cose-core/internal/cosehdr"
	"github.com/cose-wg/cose-core/internal/coseprim"
)

// MessageType selects between the two message shapes this library produces
// and consumes, or leaves it to be taken from the wire's outer CBOR tag.
type MessageType int

const (
	MessageTypeUnspecified MessageType = iota
	MessageTypeEncrypt0
	MessageTypeEncrypt
)

func (t MessageType) context() string {
	if t == MessageTypeEncrypt {
		return "Encrypt"
	}
	return "Encrypt0"
}

type options struct {
	nonAEAD   bool
	rand      io.Reader
	maxParams int
}

// Option configures an Encrypter or Decrypter.
type Option func(*options)

// WithNonAEAD opts in to non-AEAD body algorithms (AES-CBC, AES-CTR). The
// Enc_structure is still built but not bound to the ciphertext by these
// algorithms; callers in this mode must authenticate the message some
// other way (an outer MAC or signature), per RFC 9052 §7's documented
// open question about non-AEAD binding.
func WithNonAEAD() Option { return func(o *options) { o.nonAEAD = true } }

// WithRand overrides the source of randomness used for CEK, IV, ephemeral
// key, and salt generation. Intended for deterministic tests; production
// callers should leave this unset to use crypto/rand.Reader.
func WithRand(r io.Reader) Option { return func(o *options) { o.rand = r } }

// WithMaxParams bounds the number of header parameters a Decrypter will
// accept from the message body's protected+unprotected pair before failing
// with ErrTooManyParameters. Recipient header pairs are not counted. n <= 0
// disables the check (the default).
func WithMaxParams(n int) Option { return func(o *options) { o.maxParams = n } }

func newOptions(opts []Option) options {
	o := options{rand: rand.Reader}
	for _, f := range opts {
		f(&o)
	}
	return o
}

// Recipient is something that can be added to a COSE_Encrypt message to
// distribute the content encryption key: DirectRecipient, KeyWrapRecipient,
// ESDHRecipient, or HybridRecipient.
type Recipient interface {
	// emitRecipient produces this recipient's 3-element COSE_Recipient
	// array, already CBOR-encoded. When no explicit CEK is set, the first
	// DirectRecipient is called once with a nil cekPlain and returns its
	// shared key as cek. Every recipient is then called with the CEK to
	// emit its entry; recipients other than DirectRecipient return a nil
	// cek, and fail with ErrNoCEK if cekPlain is nil.
	emitRecipient(cekPlain []byte, bodyAlg cosealg.ID, rnd io.Reader) (entry []byte, cek []byte, err error)
}

// Identity is something that can be registered with a Decrypter to attempt
// decoding a COSE_Recipient entry: DirectIdentity, KeyWrapIdentity,
// ESDHIdentity, or HybridIdentity.
type Identity interface {
	// tryDecode inspects one recipient entry's headers and, if it
	// recognizes the algorithm and key identifier, attempts to recover
	// the CEK. It returns ErrDecline if this recipient entry is not
	// addressed to it (unknown algorithm, mismatched kid); any other
	// error is fatal and aborts the whole decode.
	tryDecode(protectedBstr []byte, unprotectedRaw cbor.RawMessage, wrappedCEK []byte) ([]byte, error)
}

// --- Encrypter -------------------------------------------------------

// Encrypter assembles a single COSE_Encrypt0 or COSE_Encrypt message.
type Encrypter struct {
	msgType MessageType
	bodyAlg cosealg.ID
	opts    options

	cek      []byte
	haveCEK  bool
	recipients []Recipient
	bodyParams []cosehdr.Param
}

// NewEncrypter starts assembling a message of the given type under
// bodyAlg. msgType must be MessageTypeEncrypt0 or MessageTypeEncrypt.
func NewEncrypter(msgType MessageType, bodyAlg cosealg.ID, opts ...Option) (*Encrypter, error) {
	if msgType != MessageTypeEncrypt0 && msgType != MessageTypeEncrypt {
		return nil, fmt.Errorf("%w: NewEncrypter requires Encrypt0 or Encrypt", ErrCannotDetermineMessageType)
	}
	if !cosealg.Registered(bodyAlg) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncryptionAlg, bodyAlg)
	}
	return &Encrypter{msgType: msgType, bodyAlg: bodyAlg, opts: newOptions(opts)}, nil
}

// SetCEK binds an explicit content encryption key, e.g. for COSE_Encrypt0.
func (e *Encrypter) SetCEK(cek []byte) {
	e.cek = cek
	e.haveCEK = true
}

// AddRecipient appends a recipient. It is an error to call this for a
// COSE_Encrypt0 message.
func (e *Encrypter) AddRecipient(r Recipient) error {
	if e.msgType == MessageTypeEncrypt0 {
		return ErrUnexpectedRecipients
	}
	e.recipients = append(e.recipients, r)
	return nil
}

// AddBodyHeaders adds caller-supplied header parameters to the body
// (in addition to the algorithm and IV this library always emits).
func (e *Encrypter) AddBodyHeaders(params ...cosehdr.Param) {
	e.bodyParams = append(e.bodyParams, params...)
}

// Encrypt assembles and returns the complete CBOR-encoded message with an
// attached ciphertext.
func (e *Encrypter) Encrypt(payload, externalAAD []byte) ([]byte, error) {
	msg, _, err := e.encrypt(payload, externalAAD, false)
	return msg, err
}

// EncryptDetached is Encrypt, but the ciphertext is returned separately
// and the message carries CBOR null in its place.
func (e *Encrypter) EncryptDetached(payload, externalAAD []byte) (msg, ciphertext []byte, err error) {
	return e.encrypt(payload, externalAAD, true)
}

// EncryptInto is Encrypt, but the message is appended to dst instead of a
// freshly allocated slice, for callers that want to reuse a buffer across
// calls. It never returns ErrAadBufferTooSmall/ErrOutputBufferTooSmall
// (append grows dst as needed); no function in this package returns those
// sentinels; see DESIGN.md.
func (e *Encrypter) EncryptInto(dst, payload, externalAAD []byte) ([]byte, error) {
	msg, _, err := e.encrypt(payload, externalAAD, false)
	if err != nil {
		return dst, err
	}
	return append(dst, msg...), nil
}

func (e *Encrypter) encrypt(payload, externalAAD []byte, detached bool) (msg, detachedCiphertext []byte, err error) {
	// Step 1: message-type invariants.
	if e.msgType == MessageTypeEncrypt && len(e.recipients) == 0 {
		return nil, nil, ErrNoRecipients
	}

	// Step 2: AEAD-mode check.
	if !cosealg.IsAEAD(e.bodyAlg) && !e.opts.nonAEAD {
		return nil, nil, ErrNonAEADDisabled
	}
	if !cosealg.IsSupported(e.bodyAlg) {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedEncryptionAlg, e.bodyAlg)
	}

	// Step 3: CEK establishment.
	cek := e.cek
	switch {
	case e.haveCEK:
		// use explicit CEK
	case directIndex(e.recipients) >= 0:
		d := e.recipients[directIndex(e.recipients)].(*DirectRecipient)
		_, suppliedCEK, derr := d.emitRecipient(nil, e.bodyAlg, e.opts.rand)
		if derr != nil {
			return nil, nil, derr
		}
		cek = suppliedCEK
	case len(e.recipients) > 0:
		cek, err = coseprim.RandBytes(e.opts.rand, cosealg.KeyLen(e.bodyAlg))
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, ErrNoCEK
	}
	if len(cek) != cosealg.KeyLen(e.bodyAlg) {
		return nil, nil, fmt.Errorf("%w: CEK length %d, want %d", ErrKeyImportFailed, len(cek), cosealg.KeyLen(e.bodyAlg))
	}

	// Step 4/5: body headers (alg placement depends on AEAD-ness) + IV.
	ivLen := cosealg.NonceLen(e.bodyAlg)
	iv, err := coseprim.RandBytes(e.opts.rand, ivLen)
	if err != nil {
		return nil, nil, err
	}
	params := append([]cosehdr.Param{
		cosehdr.NewInt(cosehdr.LabelAlg, cosealg.IsAEAD(e.bodyAlg), int64(e.bodyAlg)),
		cosehdr.NewBytes(cosehdr.LabelIV, false, iv),
	}, e.bodyParams...)
	protectedBstr, unprotected, err := cosehdr.EncodeBody(params)
	if err != nil {
		return nil, nil, err
	}

	// Step 6: Enc_structure.
	encStructure, err := cosecbor.EncStructure(e.msgType.context(), protectedBstr, externalAAD)
	if err != nil {
		return nil, nil, err
	}

	// Step 7: body encrypt.
	var ciphertext []byte
	if cosealg.IsAEAD(e.bodyAlg) {
		ciphertext, err = coseprim.AEADEncrypt(e.bodyAlg, cek, iv, encStructure, payload)
	} else {
		ciphertext, err = coseprim.NonAEADEncrypt(e.bodyAlg, cek, iv, payload)
	}
	if err != nil {
		return nil, nil, err
	}

	// Step 8: ciphertext placement.
	var ciphertextField interface{} = ciphertext
	if detached {
		ciphertextField = nil
		detachedCiphertext = ciphertext
	}

	arr := []interface{}{protectedBstr, unprotected, ciphertextField}

	// Step 9: recipient emission.
	if e.msgType == MessageTypeEncrypt {
		recipients := make([]interface{}, 0, len(e.recipients))
		for _, r := range e.recipients {
			entry, _, rerr := r.emitRecipient(cek, e.bodyAlg, e.opts.rand)
			if rerr != nil {
				return nil, nil, rerr
			}
			recipients = append(recipients, cbor.RawMessage(entry))
		}
		arr = append(arr, recipients)
	}

	content, err := cbor.Marshal(arr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCborShape, err)
	}

	tagNum := uint64(cosecbor.TagEncrypt0)
	if e.msgType == MessageTypeEncrypt {
		tagNum = cosecbor.TagEncrypt
	}
	msg, err = cosecbor.WrapTag(tagNum, content)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCborShape, err)
	}
	return msg, detachedCiphertext, nil
}

func directIndex(recipients []Recipient) int {
	for i, r := range recipients {
		if _, ok := r.(*DirectRecipient); ok {
			return i
		}
	}
	return -1
}

// --- Decrypter -------------------------------------------------------

// Decrypter parses a single COSE_Encrypt0 or COSE_Encrypt message.
type Decrypter struct {
	msgType MessageType
	opts    options

	cek     []byte
	haveCEK bool

	identities []Identity
}

// NewDecrypter starts a parse. msgType pins the expected outer tag;
// MessageTypeUnspecified accepts either, taking the type from the CBOR tag
// (and fails with ErrCannotDetermineMessageType if the message is untagged).
func NewDecrypter(msgType MessageType, opts ...Option) *Decrypter {
	return &Decrypter{msgType: msgType, opts: newOptions(opts)}
}

// SetCEK binds an explicit content encryption key, required for
// COSE_Encrypt0.
func (d *Decrypter) SetCEK(cek []byte) {
	d.cek = cek
	d.haveCEK = true
}

// AddRecipient registers a candidate identity for COSE_Encrypt recipient
// decoding, tried in registration order against every recipient entry.
func (d *Decrypter) AddRecipient(id Identity) {
	d.identities = append(d.identities, id)
}

// Decrypt parses message, recovers the CEK (from an explicit SetCEK call
// or by scanning recipients), and decrypts the body, binding externalAAD.
// detachedCiphertext must be supplied iff the message's ciphertext slot is
// CBOR null.
func (d *Decrypter) Decrypt(message, externalAAD []byte, detachedCiphertext ...[]byte) ([]byte, []cosehdr.Param, error) {
	// Step 1: tag / message-type resolution.
	tagNum, content, tagged, err := cosecbor.PeekTag(message)
	if err != nil {
		return nil, nil, err
	}
	msgType := d.msgType
	if tagged {
		var tagType MessageType
		switch tagNum {
		case cosecbor.TagEncrypt0:
			tagType = MessageTypeEncrypt0
		case cosecbor.TagEncrypt:
			tagType = MessageTypeEncrypt
		default:
			return nil, nil, fmt.Errorf("%w: unrecognized tag %d", ErrCannotDetermineMessageType, tagNum)
		}
		if msgType != MessageTypeUnspecified && msgType != tagType {
			return nil, nil, fmt.Errorf("%w: tag says %v, pinned to %v", ErrCannotDetermineMessageType, tagType, msgType)
		}
		msgType = tagType
	} else if msgType == MessageTypeUnspecified {
		return nil, nil, ErrCannotDetermineMessageType
	}

	// Step 2: top-level array + body headers.
	arr, err := cosecbor.DecodeArray(content)
	if err != nil {
		return nil, nil, err
	}
	wantLen := 3
	if msgType == MessageTypeEncrypt {
		wantLen = 4
	}
	if len(arr) < wantLen {
		return nil, nil, fmt.Errorf("%w: expected %d array elements, got %d", ErrRecipientFormat, wantLen, len(arr))
	}

	var protectedBstr []byte
	if err := cbor.Unmarshal(arr[0], &protectedBstr); err != nil {
		return nil, nil, fmt.Errorf("%w: protected headers: %v", ErrCborShape, err)
	}
	params, err := cosehdr.DecodeHeaders(protectedBstr, arr[1], cosehdr.IsKnownBodyLabel)
	if err != nil {
		return nil, nil, err
	}
	if err := cosehdr.Limit(params, d.opts.maxParams); err != nil {
		return nil, nil, err
	}

	algParam, ok := cosehdr.Find(params, cosehdr.LabelAlg)
	if !ok {
		return nil, nil, ErrNoAlgorithm
	}
	bodyAlg := cosealg.ID(algParam.Int)
	if !cosealg.Registered(bodyAlg) {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedEncryptionAlg, bodyAlg)
	}
	if !cosealg.IsAEAD(bodyAlg) && !d.opts.nonAEAD {
		return nil, nil, ErrNonAEADDisabled
	}
	if !cosealg.IsSupported(bodyAlg) {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedEncryptionAlg, bodyAlg)
	}

	ivParam, ok := cosehdr.Find(params, cosehdr.LabelIV)
	if !ok || len(ivParam.Bytes) != cosealg.NonceLen(bodyAlg) {
		return nil, nil, ErrBadIV
	}

	// Step 3: ciphertext or null.
	ciphertext, err := cosecbor.DecodeBytesOrNil(arr[2])
	if err != nil {
		return nil, nil, err
	}
	if ciphertext == nil {
		if len(detachedCiphertext) == 0 || detachedCiphertext[0] == nil {
			return nil, nil, fmt.Errorf("%w: ciphertext is detached but none was supplied", ErrRecipientFormat)
		}
		ciphertext = detachedCiphertext[0]
	}

	// Step 4/5: CEK, via recipients (Encrypt) or explicitly (Encrypt0).
	cek := d.cek
	haveCEK := d.haveCEK
	if msgType == MessageTypeEncrypt {
		recipientsArr, err := cosecbor.DecodeArray(arr[3])
		if err != nil {
			return nil, nil, err
		}
		if len(recipientsArr) == 0 {
			return nil, nil, ErrNoRecipients
		}
		cek, err = d.scanRecipients(recipientsArr)
		if err != nil {
			return nil, nil, err
		}
		haveCEK = true
	}
	if !haveCEK {
		return nil, nil, ErrNoCEK
	}

	// Step 6: Enc_structure, byte-exact from the captured protected bstr.
	encStructure, err := cosecbor.EncStructure(msgType.context(), protectedBstr, externalAAD)
	if err != nil {
		return nil, nil, err
	}

	// Step 7: body decrypt.
	var plaintext []byte
	if cosealg.IsAEAD(bodyAlg) {
		plaintext, err = coseprim.AEADDecrypt(bodyAlg, cek, ivParam.Bytes, encStructure, ciphertext)
	} else {
		plaintext, err = coseprim.NonAEADDecrypt(bodyAlg, cek, ivParam.Bytes, ciphertext)
	}
	if err != nil {
		return nil, nil, err
	}
	return plaintext, params, nil
}

// DecryptInto is Decrypt, but the plaintext is appended to dst instead of a
// freshly allocated slice. Like EncryptInto, it never actually returns
// ErrOutputBufferTooSmall/ErrKdfContextTooSmall under this append-based
// implementation; see DESIGN.md.
func (d *Decrypter) DecryptInto(dst, message, externalAAD []byte, detachedCiphertext ...[]byte) ([]byte, []cosehdr.Param, error) {
	plaintext, params, err := d.Decrypt(message, externalAAD, detachedCiphertext...)
	if err != nil {
		return dst, nil, err
	}
	return append(dst, plaintext...), params, nil
}

func (d *Decrypter) scanRecipients(entries []cbor.RawMessage) ([]byte, error) {
	for _, raw := range entries {
		elems, err := cosecbor.DecodeArray(raw)
		if err != nil {
			return nil, err
		}
		if len(elems) < 3 {
			return nil, fmt.Errorf("%w: recipient needs at least 3 elements", ErrRecipientFormat)
		}
		var protectedBstr []byte
		if err := cbor.Unmarshal(elems[0], &protectedBstr); err != nil {
			return nil, fmt.Errorf("%w: recipient protected headers: %v", ErrCborShape, err)
		}
		wrappedCEK, err := cosecbor.DecodeBytesOrNil(elems[2])
		if err != nil {
			return nil, err
		}
		for _, id := range d.identities {
			cek, err := id.tryDecode(protectedBstr, elems[1], wrappedCEK)
			if errors.Is(err, ErrDecline) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return cek, nil
		}
	}
	return nil, ErrNoMatchingRecipient
}
