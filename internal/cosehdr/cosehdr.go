// Package cosehdr implements the COSE header-parameter module: labeled
// protected/unprotected values, the protected-headers bstr wrapping rule,
// and the "crit" (label 2) critical-header check from RFC 9052 §3.1.
//
// It is grounded on kgiusti-go-fdo-server's vendored
// fido-device-onboard/go-fdo/cose/header.go, which represents COSE headers
// the same way: a protected/unprotected pair of label->value maps, with the
// protected side wrapped in an empty-or-serialized byte string.
package cosehdr

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/cose-wg/cose-core/internal/cosecbor"
)

var (
	ErrParameterCBOR   = errors.New("cosehdr: malformed parameter value")
	ErrDuplicateLabel  = errors.New("cosehdr: duplicate header label")
	ErrUnknownCritical = errors.New("cosehdr: unknown critical header label")
	ErrTooManyParams   = errors.New("cosehdr: too many header parameters")
)

// Kind discriminates the value carried by a Param.
type Kind int

const (
	KindInt Kind = iota
	KindText
	KindBytes
	KindBool
	KindCallback
	// KindRaw holds an undecoded CBOR array or map value (e.g. a COSE_Key
	// under the ephemeral-key header), carried verbatim for the caller's
	// own interpreter to unmarshal.
	KindRaw
)

// EncodeFunc produces an arbitrary CBOR-marshalable value for a
// producer-side custom parameter. The decoder never constructs a
// KindCallback Param; Encode is only meaningful when building headers to
// write.
type EncodeFunc func() (interface{}, error)

// Param is one labeled header-parameter value, either destined for the
// protected header map (Protected == true) or the unprotected one.
type Param struct {
	Label     int64
	Protected bool

	Kind   Kind
	Int    int64
	Text   string
	Bytes  []byte
	Bool   bool
	Raw    cbor.RawMessage
	Encode EncodeFunc
}

func NewInt(label int64, protected bool, v int64) Param {
	return Param{Label: label, Protected: protected, Kind: KindInt, Int: v}
}

func NewText(label int64, protected bool, v string) Param {
	return Param{Label: label, Protected: protected, Kind: KindText, Text: v}
}

func NewBytes(label int64, protected bool, v []byte) Param {
	return Param{Label: label, Protected: protected, Kind: KindBytes, Bytes: v}
}

func NewBool(label int64, protected bool, v bool) Param {
	return Param{Label: label, Protected: protected, Kind: KindBool, Bool: v}
}

func NewCallback(label int64, protected bool, fn EncodeFunc) Param {
	return Param{Label: label, Protected: protected, Kind: KindCallback, Encode: fn}
}

func (p Param) value() (interface{}, error) {
	switch p.Kind {
	case KindInt:
		return p.Int, nil
	case KindText:
		return p.Text, nil
	case KindBytes:
		return p.Bytes, nil
	case KindBool:
		return p.Bool, nil
	case KindCallback:
		return p.Encode()
	case KindRaw:
		return p.Raw, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d for label %d", ErrParameterCBOR, p.Kind, p.Label)
	}
}

// Find returns the first parameter with the given label, if any.
func Find(params []Param, label int64) (Param, bool) {
	for _, p := range params {
		if p.Label == label {
			return p, true
		}
	}
	return Param{}, false
}

// EncodeBody splits params by their Protected flag, CBOR-encodes the
// protected set as the contents of the protected-headers byte string (an
// empty set becomes zero-length contents, per RFC 9052 §3; the caller
// writes it as a byte string), and CBOR-encodes the unprotected set
// as a label->value map ready to be placed in the top-level array verbatim.
func EncodeBody(params []Param) (protectedBstr []byte, unprotected cbor.RawMessage, err error) {
	seen := make(map[int64]bool, len(params))
	protectedMap := make(map[int64]interface{})
	unprotectedMap := make(map[int64]interface{})
	for _, p := range params {
		if seen[p.Label] {
			return nil, nil, fmt.Errorf("%w: label %d", ErrDuplicateLabel, p.Label)
		}
		seen[p.Label] = true
		v, err := p.value()
		if err != nil {
			return nil, nil, err
		}
		if p.Protected {
			protectedMap[p.Label] = v
		} else {
			unprotectedMap[p.Label] = v
		}
	}
	protectedBstr, err = cosecbor.EncodeProtected(protectedMap)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrParameterCBOR, err)
	}
	unprotected, err = cosecbor.EncodeHeaderMap(unprotectedMap)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrParameterCBOR, err)
	}
	return protectedBstr, unprotected, nil
}

// DecodeHeaders decodes a protected-headers bstr and an (already unwrapped)
// unprotected-headers raw map into a flat []Param list. known reports
// whether a label is understood by the caller's interpreter, used both to
// validate "crit" entries and to report ErrUnknownCritical.
func DecodeHeaders(protectedBstr []byte, unprotectedRaw cbor.RawMessage, known func(label int64) bool) ([]Param, error) {
	protected, err := cosecbor.DecodeProtected(protectedBstr)
	if err != nil {
		return nil, err
	}
	unprotected, err := cosecbor.DecodeHeaderMap(unprotectedRaw)
	if err != nil {
		return nil, err
	}

	var params []Param
	for label, raw := range protected {
		if _, dup := unprotected[label]; dup {
			return nil, fmt.Errorf("%w: label %d in both protected and unprotected", ErrDuplicateLabel, label)
		}
		p, err := decodeValue(label, true, raw)
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	for label, raw := range unprotected {
		p, err := decodeValue(label, false, raw)
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}

	if err := checkCritical(protected, known); err != nil {
		return nil, err
	}
	return params, nil
}

// checkCritical enforces that every label named by a "crit" array (label 2,
// which must itself appear in the protected set) both appears in the
// protected set and is understood by the caller's interpreter.
func checkCritical(protected cosecbor.RawMap, known func(label int64) bool) error {
	raw, ok := protected[LabelCrit]
	if !ok {
		return nil
	}
	var crit []int64
	if err := cbor.Unmarshal(raw, &crit); err != nil {
		return fmt.Errorf("%w: crit is not an array of labels: %v", ErrParameterCBOR, err)
	}
	for _, label := range crit {
		if _, inProtected := protected[label]; !inProtected {
			return fmt.Errorf("%w: critical label %d not present in protected headers", ErrUnknownCritical, label)
		}
		if known == nil || !known(label) {
			return fmt.Errorf("%w: label %d", ErrUnknownCritical, label)
		}
	}
	return nil
}

// decodeValue classifies raw's CBOR major type and produces a typed Param.
// The decoder never produces KindCallback; that variant is encoder-only.
func decodeValue(label int64, protected bool, raw cbor.RawMessage) (Param, error) {
	if len(raw) == 0 {
		return Param{}, fmt.Errorf("%w: empty value for label %d", ErrParameterCBOR, label)
	}
	switch major := raw[0] >> 5; {
	case major == 0 || major == 1: // unsigned / negative integer
		var v int64
		if err := cbor.Unmarshal(raw, &v); err != nil {
			return Param{}, fmt.Errorf("%w: label %d: %v", ErrParameterCBOR, label, err)
		}
		return NewInt(label, protected, v), nil
	case major == 2: // byte string
		var v []byte
		if err := cbor.Unmarshal(raw, &v); err != nil {
			return Param{}, fmt.Errorf("%w: label %d: %v", ErrParameterCBOR, label, err)
		}
		return NewBytes(label, protected, v), nil
	case major == 3: // text string
		var v string
		if err := cbor.Unmarshal(raw, &v); err != nil {
			return Param{}, fmt.Errorf("%w: label %d: %v", ErrParameterCBOR, label, err)
		}
		return NewText(label, protected, v), nil
	case major == 7 && (raw[0] == 0xf4 || raw[0] == 0xf5): // bool
		var v bool
		if err := cbor.Unmarshal(raw, &v); err != nil {
			return Param{}, fmt.Errorf("%w: label %d: %v", ErrParameterCBOR, label, err)
		}
		return NewBool(label, protected, v), nil
	case major == 4 || major == 5: // array or map, e.g. an ephemeral COSE_Key
		cp := make(cbor.RawMessage, len(raw))
		copy(cp, raw)
		return Param{Label: label, Protected: protected, Kind: KindRaw, Raw: cp}, nil
	default:
		return Param{}, fmt.Errorf("%w: label %d has unsupported CBOR major type", ErrParameterCBOR, label)
	}
}

// Limit returns an ErrTooManyParams error if params exceeds max (max <= 0
// disables the check). This is the library's opt-in DoS guard for callers
// decoding untrusted input; the header module itself has no fixed-size pool.
func Limit(params []Param, max int) error {
	if max > 0 && len(params) > max {
		return fmt.Errorf("%w: %d > %d", ErrTooManyParams, len(params), max)
	}
	return nil
}
