package cosehdr

// RFC 9052 §3.1 common header labels.
const (
	LabelAlg         int64 = 1
	LabelCrit        int64 = 2
	LabelContentType int64 = 3
	LabelKid         int64 = 4
	LabelIV          int64 = 5
)

// RFC 9053 §3.1 ephemeral key label, carried in a recipient's unprotected
// headers for ECDH-ES.
const LabelEphemeralKey int64 = -1

// Project-local labels for the ESDH recipient's PartyU/PartyV identity,
// nonce, and "other" context fields, and for the optional HKDF salt. RFC
// 9053 defines the KDF-context shape these feed but does not mandate
// header labels for carrying them on the wire when they are sent rather
// than agreed out-of-band; see SPEC_FULL.md §9 "Open Question: salt header
// label" for why these particular values were chosen.
const (
	LabelPartyUID     int64 = -21
	LabelPartyUNonce  int64 = -22
	LabelPartyUOther  int64 = -23
	LabelPartyVID     int64 = -24
	LabelPartyVNonce  int64 = -25
	LabelPartyVOther  int64 = -26
	LabelSuppPubOther int64 = -27
	LabelSuppPrivInfo int64 = -28
	LabelSalt         int64 = -70000

	// LabelKemCiphertext carries the hybrid KEM encapsulation, the
	// post-quantum recipient's analogue of LabelEphemeralKey.
	LabelKemCiphertext int64 = -29
)

// bodyKnownLabels are the labels this library's body-header decoder
// recognizes; a "crit" entry naming anything else is ErrUnknownCritical.
var bodyKnownLabels = map[int64]bool{
	LabelAlg:         true,
	LabelCrit:        true,
	LabelContentType: true,
	LabelKid:         true,
	LabelIV:          true,
}

// recipientKnownLabels are the labels recognized on a COSE_Recipient.
var recipientKnownLabels = map[int64]bool{
	LabelAlg:           true,
	LabelCrit:          true,
	LabelKid:           true,
	LabelEphemeralKey:  true,
	LabelPartyUID:      true,
	LabelPartyUNonce:   true,
	LabelPartyUOther:   true,
	LabelPartyVID:      true,
	LabelPartyVNonce:   true,
	LabelPartyVOther:   true,
	LabelSuppPubOther:  true,
	LabelSuppPrivInfo:  true,
	LabelSalt:          true,
	LabelKemCiphertext: true,
}

// IsKnownBodyLabel reports whether label is understood by the body-header
// interpreter, for critical-header checking.
func IsKnownBodyLabel(label int64) bool { return bodyKnownLabels[label] }

// IsKnownRecipientLabel reports whether label is understood by the
// recipient-header interpreter, for critical-header checking.
func IsKnownRecipientLabel(label int64) bool { return recipientKnownLabels[label] }
