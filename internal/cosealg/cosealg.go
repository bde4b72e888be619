// Package cosealg is a registry of the COSE algorithm identifiers this
// library understands, keyed by the IANA COSE Algorithms registry values.
package cosealg

import "strconv"

// ID is a COSE algorithm identifier (IANA COSE Algorithms registry).
type ID int64

// Body and key-management algorithm identifiers recognized by this library.
const (
	A128GCM ID = 1
	A192GCM ID = 2
	A256GCM ID = 3

	AesCcm16_128_128 ID = 10
	AesCcm16_128_256 ID = 11
	AesCcm64_128_128 ID = 12
	AesCcm64_128_256 ID = 13

	// AES-CBC/CTR have no IANA COSE Algorithms registration; these
	// non-AEAD identifiers follow the same large-negative private-use
	// convention FDO's kex package uses for its own non-AE cipher suites
	// (e.g. CoseAes128CbcCipher = -17760703).
	A128CTR ID = -17760701
	A192CTR ID = -17760702
	A256CTR ID = -17760703
	A128CBC ID = -17760704
	A192CBC ID = -17760705
	A256CBC ID = -17760706

	A128KW ID = -3
	A192KW ID = -4
	A256KW ID = -5

	ECDH_ES_A128KW ID = -29
	ECDH_ES_A192KW ID = -30
	ECDH_ES_A256KW ID = -31

	Direct ID = -6

	// HybridKyber768X25519 has no IANA COSE Algorithms registration (ML-KEM
	// hybrid COSE recipients are still being standardized); this
	// private-use identifier follows the same large-negative convention as
	// the non-AEAD body algorithms above, grounded on the teacher's own
	// experimental "x25519Kyber768" hybrid KEM recipient.
	HybridKyber768X25519 ID = -65000
)

type entry struct {
	name      string
	keyLen    int // bytes
	nonceLen  int // bytes; 0 if not applicable
	aead      bool
	keyWrap   bool
	kdf       bool
	hybrid    bool
	supported bool
}

var registry = map[ID]entry{
	A128GCM: {name: "A128GCM", keyLen: 16, nonceLen: 12, aead: true, supported: true},
	A192GCM: {name: "A192GCM", keyLen: 24, nonceLen: 12, aead: true, supported: true},
	A256GCM: {name: "A256GCM", keyLen: 32, nonceLen: 12, aead: true, supported: true},

	AesCcm16_128_128: {name: "AES-CCM-16-128/128", keyLen: 16, nonceLen: 13, aead: true, supported: false},
	AesCcm16_128_256: {name: "AES-CCM-16-128/256", keyLen: 32, nonceLen: 13, aead: true, supported: false},
	AesCcm64_128_128: {name: "AES-CCM-64-128/128", keyLen: 16, nonceLen: 7, aead: true, supported: false},
	AesCcm64_128_256: {name: "AES-CCM-64-128/256", keyLen: 32, nonceLen: 7, aead: true, supported: false},

	A128CTR: {name: "A128CTR", keyLen: 16, nonceLen: 16, aead: false, supported: true},
	A192CTR: {name: "A192CTR", keyLen: 24, nonceLen: 16, aead: false, supported: true},
	A256CTR: {name: "A256CTR", keyLen: 32, nonceLen: 16, aead: false, supported: true},
	A128CBC: {name: "A128CBC", keyLen: 16, nonceLen: 16, aead: false, supported: true},
	A192CBC: {name: "A192CBC", keyLen: 24, nonceLen: 16, aead: false, supported: true},
	A256CBC: {name: "A256CBC", keyLen: 32, nonceLen: 16, aead: false, supported: true},

	A128KW: {name: "A128KW", keyLen: 16, keyWrap: true, supported: true},
	A192KW: {name: "A192KW", keyLen: 24, keyWrap: true, supported: true},
	A256KW: {name: "A256KW", keyLen: 32, keyWrap: true, supported: true},

	ECDH_ES_A128KW: {name: "ECDH-ES+A128KW", keyLen: 16, kdf: true, keyWrap: true, supported: true},
	ECDH_ES_A192KW: {name: "ECDH-ES+A192KW", keyLen: 24, kdf: true, keyWrap: true, supported: true},
	ECDH_ES_A256KW: {name: "ECDH-ES+A256KW", keyLen: 32, kdf: true, keyWrap: true, supported: true},

	Direct: {name: "direct", supported: true},

	HybridKyber768X25519: {name: "Kyber768X25519-HKDF-AES256KW", keyLen: 32, keyWrap: true, hybrid: true, supported: true},
}

func (id ID) String() string {
	if e, ok := registry[id]; ok {
		return e.name
	}
	return "ID(" + strconv.FormatInt(int64(id), 10) + ")"
}

// IsAEAD reports whether id names an AEAD content-encryption algorithm.
func IsAEAD(id ID) bool { return registry[id].aead }

// IsKeyWrap reports whether id names an AES key-wrap algorithm.
func IsKeyWrap(id ID) bool { return registry[id].keyWrap }

// IsECDH reports whether id names an ECDH-ES+key-wrap recipient algorithm.
func IsECDH(id ID) bool { return registry[id].kdf }

// IsHybrid reports whether id names a post-quantum hybrid KEM+key-wrap
// recipient algorithm.
func IsHybrid(id ID) bool { return registry[id].hybrid }

// KeyLen returns the key length in bytes for id, or 0 if id has no fixed key length.
func KeyLen(id ID) int { return registry[id].keyLen }

// NonceLen returns the required IV/nonce length in bytes for a body algorithm.
func NonceLen(id ID) int { return registry[id].nonceLen }

// IsSupported reports whether this library's primitive shim can actually
// execute id, as opposed to merely knowing its metadata. AES-CCM variants
// are registered but unimplemented; see DESIGN.md.
func IsSupported(id ID) bool {
	e, ok := registry[id]
	return ok && e.supported
}

// Registered reports whether id is a known algorithm identifier at all.
func Registered(id ID) bool {
	_, ok := registry[id]
	return ok
}
