// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package envelope

import (
	"fmt"
	"reflect"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	json "github.com/goccy/go-json"

	"github.com/luxfi/toolrpc/bulk"
)

var (
	cborEnc = mustEncMode()
	cborDec = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

// MarshalCBOR encodes v in deterministic CBOR.
func MarshalCBOR(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

// UnmarshalCBOR decodes CBOR data into v. Untyped maps decode as
// map[string]any.
func UnmarshalCBOR(data []byte, v any) error {
	return cborDec.Unmarshal(data, v)
}

// Decode decodes the payload into v using the detected format. Payloads of
// unknown format are tried as JSON, then as CBOR.
func (e *Envelope) Decode(v any) error {
	data := e.Bytes()
	switch Detect(data) {
	case Binary:
		if err := cborDec.Unmarshal(data, v); err != nil {
			return &DecodeError{Format: Binary, Err: err}
		}
		return nil
	case Text:
		if err := json.Unmarshal(data, v); err != nil {
			return &DecodeError{Format: Text, Err: err}
		}
		return nil
	}
	jsonErr := json.Unmarshal(data, v)
	if jsonErr == nil {
		return nil
	}
	cborErr := cborDec.Unmarshal(data, v)
	if cborErr == nil {
		return nil
	}
	return fmt.Errorf("%w: json: %w, cbor: %w", ErrUnknownFormat, jsonErr, cborErr)
}

// Parse decodes the payload of e into a new T.
func Parse[T any](e *Envelope) (T, error) {
	var v T
	err := e.Decode(&v)
	return v, err
}

// Serialize encodes v in the preferred format. Unknown selects Text.
func Serialize(v any, preferred Format) (*Envelope, error) {
	var (
		data []byte
		err  error
	)
	switch preferred {
	case Binary:
		data, err = cborEnc.Marshal(v)
	default:
		preferred = Text
		data, err = json.Marshal(v)
	}
	if err != nil {
		return nil, &EncodeError{Format: preferred, Err: err}
	}
	return FromBytes(data), nil
}

// Text returns the payload as a string.
func (e *Envelope) Text() (string, error) {
	data := e.Bytes()
	if Detect(data) == Binary {
		return "", ErrNotTextData
	}
	if !utf8.Valid(data) {
		return "", ErrInvalidUTF8
	}
	return string(data), nil
}

// ToJSON returns the payload as JSON text. Text payloads are returned as is
// after a structural check; CBOR payloads are decoded and re-encoded.
func (e *Envelope) ToJSON() ([]byte, error) {
	data := e.Bytes()
	switch Detect(data) {
	case Text:
		if !bulk.ValidateJSONStructure(data) || !json.Valid(data) {
			return nil, &DecodeError{Format: Text, Err: ErrInvalidJSON}
		}
		return append([]byte(nil), data...), nil
	case Binary:
		return cborToJSON(data)
	}
	if json.Valid(data) {
		return append([]byte(nil), data...), nil
	}
	out, err := cborToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownFormat, err)
	}
	return out, nil
}

func cborToJSON(data []byte) ([]byte, error) {
	var v any
	if err := cborDec.Unmarshal(data, &v); err != nil {
		return nil, &DecodeError{Format: Binary, Err: err}
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, &EncodeError{Format: Text, Err: err}
	}
	return out, nil
}
