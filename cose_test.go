package cose

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/cose-wg/cose-core/internal/cosealg"
	"github.com/cose-wg/cose-core/internal/cosehdr"
	"github.com/cose-wg/cose-core/internal/coseprim"
)

// zeroReader yields an endless stream of zero bytes, for tests that need a
// fixed IV without a real CEK draw (the CEK is always set explicitly in
// these cases, so the only RNG consumer is the IV).
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// Scenario 1: COSE_Encrypt0 / A128GCM / literal CEK / zero IV.
func TestEncrypt0RoundTrip(t *testing.T) {
	cek := []byte("aaaaaaaaaaaaaaaa")
	payload := []byte("This is a real plaintext.")

	enc, err := NewEncrypter(MessageTypeEncrypt0, cosealg.A128GCM, WithRand(zeroReader{}))
	if err != nil {
		t.Fatalf("NewEncrypter: %v", err)
	}
	enc.SetCEK(cek)

	msg, err := enc.Encrypt(payload, nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	dec := NewDecrypter(MessageTypeEncrypt0)
	dec.SetCEK(cek)
	plaintext, params, err := dec.Decrypt(msg, nil)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, payload) {
		t.Fatalf("Decrypt = %q, want %q", plaintext, payload)
	}
	if _, ok := cosehdr.Find(params, cosehdr.LabelAlg); !ok {
		t.Fatalf("decoded params missing alg")
	}
}

func TestEncrypt0CiphertextLength(t *testing.T) {
	cek := []byte("aaaaaaaaaaaaaaaa")
	payload := []byte("This is a real plaintext.")

	enc, err := NewEncrypter(MessageTypeEncrypt0, cosealg.A128GCM, WithRand(zeroReader{}))
	if err != nil {
		t.Fatalf("NewEncrypter: %v", err)
	}
	enc.SetCEK(cek)
	_, ciphertext, err := enc.EncryptDetached(payload, nil)
	if err != nil {
		t.Fatalf("EncryptDetached: %v", err)
	}
	if len(ciphertext) != len(payload)+16 {
		t.Fatalf("ciphertext length = %d, want %d", len(ciphertext), len(payload)+16)
	}
}

func TestDetachedCiphertextMatchesAttached(t *testing.T) {
	cek := []byte("aaaaaaaaaaaaaaaa")
	payload := []byte("This is a real plaintext.")

	mkEncrypter := func() *Encrypter {
		e, err := NewEncrypter(MessageTypeEncrypt0, cosealg.A128GCM, WithRand(zeroReader{}))
		if err != nil {
			t.Fatalf("NewEncrypter: %v", err)
		}
		e.SetCEK(cek)
		return e
	}

	attachedMsg, err := mkEncrypter().Encrypt(payload, nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	_, detachedCT, err := mkEncrypter().EncryptDetached(payload, nil)
	if err != nil {
		t.Fatalf("EncryptDetached: %v", err)
	}

	dec := NewDecrypter(MessageTypeEncrypt0)
	dec.SetCEK(cek)
	attachedPlain, _, err := dec.Decrypt(attachedMsg, nil)
	if err != nil {
		t.Fatalf("Decrypt(attached): %v", err)
	}
	if !bytes.Contains(attachedMsg, detachedCT) {
		t.Fatalf("attached message does not contain the detached ciphertext bytes")
	}
	if !bytes.Equal(attachedPlain, payload) {
		t.Fatalf("attached plaintext mismatch")
	}
}

func TestZeroLengthPayload(t *testing.T) {
	cek := []byte("aaaaaaaaaaaaaaaa")
	enc, err := NewEncrypter(MessageTypeEncrypt0, cosealg.A128GCM)
	if err != nil {
		t.Fatalf("NewEncrypter: %v", err)
	}
	enc.SetCEK(cek)
	msg, err := enc.Encrypt(nil, nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	dec := NewDecrypter(MessageTypeEncrypt0)
	dec.SetCEK(cek)
	plaintext, _, err := dec.Decrypt(msg, nil)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if len(plaintext) != 0 {
		t.Fatalf("plaintext = %X, want empty", plaintext)
	}
}

func TestZeroLengthAADMatchesNilAAD(t *testing.T) {
	cek := []byte("aaaaaaaaaaaaaaaa")
	payload := []byte("hello")
	enc, err := NewEncrypter(MessageTypeEncrypt0, cosealg.A128GCM)
	if err != nil {
		t.Fatalf("NewEncrypter: %v", err)
	}
	enc.SetCEK(cek)
	msg, err := enc.Encrypt(payload, nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	dec := NewDecrypter(MessageTypeEncrypt0)
	dec.SetCEK(cek)
	if _, _, err := dec.Decrypt(msg, []byte{}); err != nil {
		t.Fatalf("Decrypt with empty AAD (encoded with nil AAD): %v", err)
	}
}

// Scenario 2: COSE_Encrypt / A128GCM body / one AES-A128KW recipient.
func TestEncryptKeyWrapRoundTrip(t *testing.T) {
	kek, err := coseprim.ImportSymmetricKey([]byte("aaaaaaaaaaaaaaaa"))
	if err != nil {
		t.Fatalf("ImportSymmetricKey: %v", err)
	}
	kid := []byte("Kid A")
	payload := []byte("This is a real plaintext.")

	recipient, err := NewKeyWrapRecipient(kek, kid, cosealg.A128KW)
	if err != nil {
		t.Fatalf("NewKeyWrapRecipient: %v", err)
	}
	enc, err := NewEncrypter(MessageTypeEncrypt, cosealg.A128GCM)
	if err != nil {
		t.Fatalf("NewEncrypter: %v", err)
	}
	if err := enc.AddRecipient(recipient); err != nil {
		t.Fatalf("AddRecipient: %v", err)
	}
	msg, err := enc.Encrypt(payload, nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	dec := NewDecrypter(MessageTypeEncrypt)
	dec.AddRecipient(NewKeyWrapIdentity(kek, kid))
	plaintext, _, err := dec.Decrypt(msg, nil)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, payload) {
		t.Fatalf("Decrypt = %q, want %q", plaintext, payload)
	}
}

func TestEncryptKeyWrapWrongKidDeclines(t *testing.T) {
	kek, _ := coseprim.ImportSymmetricKey([]byte("aaaaaaaaaaaaaaaa"))
	recipient, _ := NewKeyWrapRecipient(kek, []byte("Kid A"), cosealg.A128KW)
	enc, _ := NewEncrypter(MessageTypeEncrypt, cosealg.A128GCM)
	_ = enc.AddRecipient(recipient)
	msg, err := enc.Encrypt([]byte("payload"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	dec := NewDecrypter(MessageTypeEncrypt)
	dec.AddRecipient(NewKeyWrapIdentity(kek, []byte("Kid B")))
	if _, _, err := dec.Decrypt(msg, nil); !errors.Is(err, ErrNoMatchingRecipient) {
		t.Fatalf("Decrypt with wrong kid = %v, want ErrNoMatchingRecipient", err)
	}
}

func TestKeyWrapBitFlipFailsAuth(t *testing.T) {
	kek, _ := coseprim.ImportSymmetricKey([]byte("aaaaaaaaaaaaaaaa"))
	kid := []byte("Kid A")
	recipient, _ := NewKeyWrapRecipient(kek, kid, cosealg.A128KW)
	enc, _ := NewEncrypter(MessageTypeEncrypt, cosealg.A128GCM)
	_ = enc.AddRecipient(recipient)
	msg, err := enc.Encrypt([]byte("payload"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	msg[len(msg)-1] ^= 0xFF // last byte falls inside the recipient's wrapped CEK

	dec := NewDecrypter(MessageTypeEncrypt)
	dec.AddRecipient(NewKeyWrapIdentity(kek, kid))
	_, _, err = dec.Decrypt(msg, nil)
	if !errors.Is(err, ErrDataAuthFailed) {
		t.Fatalf("Decrypt with tampered wrapped CEK = %v, want ErrDataAuthFailed", err)
	}
}

// Scenario 3: COSE_Encrypt / A128GCM body / one ECDH-ES+A128KW recipient.
func TestEncryptESDHRoundTrip(t *testing.T) {
	skR, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	payload := []byte("This is the payload")

	recipient, err := NewESDHRecipient(skR.PublicKey(), []byte("recipient-1"), cosealg.ECDH_ES_A128KW,
		WithPartyU([]byte("alice"), nil, nil), WithPartyV([]byte("bob"), nil, nil))
	if err != nil {
		t.Fatalf("NewESDHRecipient: %v", err)
	}
	enc, err := NewEncrypter(MessageTypeEncrypt, cosealg.A128GCM)
	if err != nil {
		t.Fatalf("NewEncrypter: %v", err)
	}
	if err := enc.AddRecipient(recipient); err != nil {
		t.Fatalf("AddRecipient: %v", err)
	}
	msg, err := enc.Encrypt(payload, nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	dec := NewDecrypter(MessageTypeEncrypt)
	dec.AddRecipient(NewESDHIdentity(skR))
	plaintext, _, err := dec.Decrypt(msg, nil)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, payload) {
		t.Fatalf("Decrypt = %q, want %q", plaintext, payload)
	}
}

// Substituting a different PartyU identity must cause DataAuthFailed: the
// encoder withholds PartyU/PartyV from the wire (DoNotSendPartyInfo) so the
// decoder's out-of-band override is what feeds the KDF context, and a wrong
// override derives the wrong KEK.
func TestEncryptESDHPartyUMismatchFailsAuth(t *testing.T) {
	skR, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	payload := []byte("This is the payload")

	recipient, err := NewESDHRecipient(skR.PublicKey(), nil, cosealg.ECDH_ES_A128KW,
		WithPartyU([]byte("alice"), nil, nil), DoNotSendPartyInfo())
	if err != nil {
		t.Fatalf("NewESDHRecipient: %v", err)
	}
	enc, err := NewEncrypter(MessageTypeEncrypt, cosealg.A128GCM)
	if err != nil {
		t.Fatalf("NewEncrypter: %v", err)
	}
	_ = enc.AddRecipient(recipient)
	msg, err := enc.Encrypt(payload, nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	dec := NewDecrypter(MessageTypeEncrypt)
	dec.AddRecipient(NewESDHIdentity(skR, WithIdentityPartyU([]byte("mallory"), nil, nil)))
	if _, _, err := dec.Decrypt(msg, nil); !errors.Is(err, ErrDataAuthFailed) {
		t.Fatalf("Decrypt with mismatched PartyU = %v, want ErrDataAuthFailed", err)
	}

	// Confirm the matching override does succeed, isolating the failure
	// above to the PartyU value rather than some other mismatch.
	dec2 := NewDecrypter(MessageTypeEncrypt)
	dec2.AddRecipient(NewESDHIdentity(skR, WithIdentityPartyU([]byte("alice"), nil, nil)))
	plaintext, _, err := dec2.Decrypt(msg, nil)
	if err != nil {
		t.Fatalf("Decrypt with matching PartyU override: %v", err)
	}
	if !bytes.Equal(plaintext, payload) {
		t.Fatalf("Decrypt = %q, want %q", plaintext, payload)
	}
}

func TestDirectRecipientRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	payload := []byte("direct payload")

	enc, err := NewEncrypter(MessageTypeEncrypt, cosealg.A128GCM)
	if err != nil {
		t.Fatalf("NewEncrypter: %v", err)
	}
	if err := enc.AddRecipient(NewDirectRecipient(key, []byte("k1"))); err != nil {
		t.Fatalf("AddRecipient: %v", err)
	}
	msg, err := enc.Encrypt(payload, nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	dec := NewDecrypter(MessageTypeEncrypt)
	dec.AddRecipient(NewDirectIdentity(key, []byte("k1")))
	plaintext, _, err := dec.Decrypt(msg, nil)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, payload) {
		t.Fatalf("Decrypt = %q, want %q", plaintext, payload)
	}
}

func TestNonAEADDisabledByDefault(t *testing.T) {
	enc, err := NewEncrypter(MessageTypeEncrypt0, cosealg.A128CTR)
	if err != nil {
		t.Fatalf("NewEncrypter: %v", err)
	}
	enc.SetCEK(bytes.Repeat([]byte{1}, 16))
	if _, err := enc.Encrypt([]byte("x"), nil); !errors.Is(err, ErrNonAEADDisabled) {
		t.Fatalf("Encrypt non-AEAD without opt-in = %v, want ErrNonAEADDisabled", err)
	}
}

func TestNonAEADRoundTripWithOptIn(t *testing.T) {
	cek := bytes.Repeat([]byte{1}, 16)
	payload := []byte("ctr mode payload")
	enc, err := NewEncrypter(MessageTypeEncrypt0, cosealg.A128CTR, WithNonAEAD())
	if err != nil {
		t.Fatalf("NewEncrypter: %v", err)
	}
	enc.SetCEK(cek)
	msg, err := enc.Encrypt(payload, nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	dec := NewDecrypter(MessageTypeEncrypt0, WithNonAEAD())
	dec.SetCEK(cek)
	plaintext, _, err := dec.Decrypt(msg, nil)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, payload) {
		t.Fatalf("Decrypt = %q, want %q", plaintext, payload)
	}
}

func TestUnknownCriticalHeaderFails(t *testing.T) {
	cek := bytes.Repeat([]byte{1}, 16)
	enc, err := NewEncrypter(MessageTypeEncrypt0, cosealg.A128GCM)
	if err != nil {
		t.Fatalf("NewEncrypter: %v", err)
	}
	enc.SetCEK(cek)
	enc.AddBodyHeaders(
		cosehdr.NewInt(1000, true, 7),
		cosehdr.NewCallback(cosehdr.LabelCrit, true, func() (interface{}, error) {
			return []int64{1000}, nil
		}),
	)
	msg, err := enc.Encrypt([]byte("payload"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	dec := NewDecrypter(MessageTypeEncrypt0)
	dec.SetCEK(cek)
	if _, _, err := dec.Decrypt(msg, nil); !errors.Is(err, ErrUnknownCritical) {
		t.Fatalf("Decrypt with unknown critical label = %v, want ErrUnknownCritical", err)
	}
}

func TestCannotDetermineMessageType(t *testing.T) {
	dec := NewDecrypter(MessageTypeUnspecified)
	// An untagged, bare CBOR array (no tag 16/96 prefix): three bstr/map/
	// null-ish bytes is enough to exercise the tag-detection path without
	// needing a fully valid body.
	untagged := []byte{0x83, 0x40, 0xa0, 0xf6}
	if _, _, err := dec.Decrypt(untagged, nil); !errors.Is(err, ErrCannotDetermineMessageType) {
		t.Fatalf("Decrypt(untagged) = %v, want ErrCannotDetermineMessageType", err)
	}
}

func TestBodyAlgMatrixWithKeyWrapRecipient(t *testing.T) {
	bodyAlgs := []struct {
		alg      cosealg.ID
		nonAEAD  bool
	}{
		{cosealg.A128GCM, false},
		{cosealg.A192GCM, false},
		{cosealg.A256GCM, false},
		{cosealg.A128CTR, true},
		{cosealg.A128CBC, true},
	}
	kek, _ := coseprim.ImportSymmetricKey(bytes.Repeat([]byte{0x09}, 16))
	payload := []byte("matrix payload")

	for _, tc := range bodyAlgs {
		tc := tc
		t.Run(tc.alg.String(), func(t *testing.T) {
			var opts []Option
			if tc.nonAEAD {
				opts = append(opts, WithNonAEAD())
			}
			enc, err := NewEncrypter(MessageTypeEncrypt, tc.alg, opts...)
			if err != nil {
				t.Fatalf("NewEncrypter: %v", err)
			}
			recipient, err := NewKeyWrapRecipient(kek, nil, cosealg.A128KW)
			if err != nil {
				t.Fatalf("NewKeyWrapRecipient: %v", err)
			}
			if err := enc.AddRecipient(recipient); err != nil {
				t.Fatalf("AddRecipient: %v", err)
			}
			msg, err := enc.Encrypt(payload, nil)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}

			dec := NewDecrypter(MessageTypeEncrypt, opts...)
			dec.AddRecipient(NewKeyWrapIdentity(kek, nil))
			plaintext, _, err := dec.Decrypt(msg, nil)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if !bytes.Equal(plaintext, payload) {
				t.Fatalf("Decrypt = %q, want %q", plaintext, payload)
			}
		})
	}
}

func TestEncryptHybridRoundTrip(t *testing.T) {
	seed, err := GenerateHybridSeed(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateHybridSeed: %v", err)
	}
	identity, err := NewHybridIdentityFromSeed(seed, []byte("pq-1"))
	if err != nil {
		t.Fatalf("NewHybridIdentityFromSeed: %v", err)
	}
	payload := []byte("post-quantum payload")

	recipient, err := NewHybridRecipient(identity.pubKey, []byte("pq-1"))
	if err != nil {
		t.Fatalf("NewHybridRecipient: %v", err)
	}
	enc, err := NewEncrypter(MessageTypeEncrypt, cosealg.A128GCM)
	if err != nil {
		t.Fatalf("NewEncrypter: %v", err)
	}
	if err := enc.AddRecipient(recipient); err != nil {
		t.Fatalf("AddRecipient: %v", err)
	}
	msg, err := enc.Encrypt(payload, nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	dec := NewDecrypter(MessageTypeEncrypt)
	dec.AddRecipient(identity)
	plaintext, _, err := dec.Decrypt(msg, nil)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, payload) {
		t.Fatalf("Decrypt = %q, want %q", plaintext, payload)
	}
}

func TestHybridWrongSeedFails(t *testing.T) {
	seedA, _ := GenerateHybridSeed(rand.Reader)
	seedB, _ := GenerateHybridSeed(rand.Reader)
	idA, err := NewHybridIdentityFromSeed(seedA, nil)
	if err != nil {
		t.Fatalf("NewHybridIdentityFromSeed(A): %v", err)
	}
	idB, err := NewHybridIdentityFromSeed(seedB, nil)
	if err != nil {
		t.Fatalf("NewHybridIdentityFromSeed(B): %v", err)
	}

	recipient, err := NewHybridRecipient(idA.pubKey, nil)
	if err != nil {
		t.Fatalf("NewHybridRecipient: %v", err)
	}
	enc, _ := NewEncrypter(MessageTypeEncrypt, cosealg.A128GCM)
	_ = enc.AddRecipient(recipient)
	msg, err := enc.Encrypt([]byte("payload"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	dec := NewDecrypter(MessageTypeEncrypt)
	dec.AddRecipient(idB)
	if _, _, err := dec.Decrypt(msg, nil); err == nil {
		t.Fatalf("Decrypt with wrong hybrid identity succeeded")
	}
}

func TestEncryptIntoDecryptIntoReuseBuffer(t *testing.T) {
	cek := []byte("aaaaaaaaaaaaaaaa")
	payload := []byte("This is a real plaintext.")

	enc, err := NewEncrypter(MessageTypeEncrypt0, cosealg.A128GCM)
	if err != nil {
		t.Fatalf("NewEncrypter: %v", err)
	}
	enc.SetCEK(cek)

	prefix := []byte("existing-data:")
	dst, err := enc.EncryptInto(append([]byte(nil), prefix...), payload, nil)
	if err != nil {
		t.Fatalf("EncryptInto: %v", err)
	}
	if !bytes.HasPrefix(dst, prefix) {
		t.Fatalf("EncryptInto did not preserve dst prefix")
	}
	msg := dst[len(prefix):]

	dec := NewDecrypter(MessageTypeEncrypt0)
	dec.SetCEK(cek)
	plainPrefix := []byte("plain:")
	plainDst, _, err := dec.DecryptInto(append([]byte(nil), plainPrefix...), msg, nil)
	if err != nil {
		t.Fatalf("DecryptInto: %v", err)
	}
	if !bytes.Equal(plainDst, append(append([]byte(nil), plainPrefix...), payload...)) {
		t.Fatalf("DecryptInto = %q, want prefix+payload", plainDst)
	}
}
