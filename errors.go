package cose

import (
	"errors"

	"github.com/cose-wg/cose-core/internal/cosecbor"
	"github.com/cose-wg/cose-core/internal/cosehdr"
	"github.com/cose-wg/cose-core/internal/coseprim"
)

// Sentinel errors re-exported from the internal packages that own them, so
// callers can use errors.Is against a single import.
var (
	ErrCborShape       = cosecbor.ErrShape
	ErrParameterCBOR   = cosehdr.ErrParameterCBOR
	ErrDuplicateLabel  = cosehdr.ErrDuplicateLabel
	ErrUnknownCritical = cosehdr.ErrUnknownCritical

	ErrUnsupportedEncryptionAlg = coseprim.ErrUnsupportedEncryptionAlg
	ErrUnsupportedCipherAlg     = coseprim.ErrUnsupportedCipherAlg
	ErrUnsupportedCurve         = coseprim.ErrUnsupportedCurve
	ErrKeyImportFailed          = coseprim.ErrKeyImportFailed
	ErrPrivateKeyImportFailed   = coseprim.ErrPrivateKeyImportFailed
	ErrEncryptFailed            = coseprim.ErrEncryptFailed
	ErrDecryptFailed            = coseprim.ErrDecryptFailed
	ErrDataAuthFailed           = coseprim.ErrDataAuthFailed
)

// Errors specific to message assembly and parsing.
var (
	ErrNoAlgorithm                   = errors.New("cose: missing algorithm header")
	ErrBadIV                         = errors.New("cose: missing or invalid IV")
	ErrUnsupportedKeyDistributionAlg = errors.New("cose: unsupported key distribution algorithm")
	ErrRecipientFormat               = errors.New("cose: malformed recipient structure")
	ErrTooManyParameters             = cosehdr.ErrTooManyParams
	ErrNonAEADDisabled               = errors.New("cose: non-AEAD body algorithm requires WithNonAEAD on both sides")
	ErrCannotDetermineMessageType    = errors.New("cose: cannot determine message type")
	ErrNoCEK                         = errors.New("cose: no content encryption key available")
	ErrDecline                       = errors.New("cose: recipient decoder declines this recipient")
	ErrNoMatchingRecipient           = errors.New("cose: no recipient decoder matched any recipient entry")
	ErrNoRecipients                  = errors.New("cose: COSE_Encrypt requires at least one recipient")
	ErrUnexpectedRecipients          = errors.New("cose: COSE_Encrypt0 does not carry recipients")

	// Not returned by any function in this package: Encrypt/Decrypt and the
	// append-based EncryptInto/DecryptInto grow their output as needed.
	// They are kept so errors.Is checks against them compile.
	ErrAadBufferTooSmall    = errors.New("cose: Enc_structure buffer too small")
	ErrKdfContextTooSmall   = errors.New("cose: KDF context buffer too small")
	ErrOutputBufferTooSmall = errors.New("cose: output buffer too small")
)
