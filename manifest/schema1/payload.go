package schema1

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// jsHeader is the decoded "protected" header of a JWS signature block. It
// records how to reconstruct the canonical payload from the signed document:
// the first formatLength bytes of the document, followed by the decoded
// formatTail.
type jsHeader struct {
	FormatLength int    `json:"formatLength"`
	FormatTail   string `json:"formatTail"`
}

type jsSignature struct {
	Protected string `json:"protected"`
}

type jsEnvelope struct {
	Signatures []jsSignature `json:"signatures"`
}

// Payload reconstructs the canonical unsigned byte range of a schema 1
// manifest. Digests of schema 1 manifests are always computed over these
// bytes, never over the signed document. A body without a signatures block
// is already canonical and is returned as is.
func Payload(b []byte) ([]byte, error) {
	var envelope jsEnvelope
	if err := json.Unmarshal(b, &envelope); err != nil {
		return nil, err
	}

	if len(envelope.Signatures) == 0 {
		return b, nil
	}

	protected, err := joseBase64Decode(envelope.Signatures[0].Protected)
	if err != nil {
		return nil, fmt.Errorf("manifest protected header: %w", err)
	}

	var header jsHeader
	if err := json.Unmarshal(protected, &header); err != nil {
		return nil, err
	}

	if header.FormatLength < 0 || header.FormatLength > len(b) {
		return nil, fmt.Errorf("manifest formatLength %d out of range", header.FormatLength)
	}

	tail, err := joseBase64Decode(header.FormatTail)
	if err != nil {
		return nil, fmt.Errorf("manifest formatTail: %w", err)
	}

	payload := make([]byte, 0, header.FormatLength+len(tail))
	payload = append(payload, b[:header.FormatLength]...)
	payload = append(payload, tail...)
	return payload, nil
}

// joseBase64Decode decodes a JOSE base64url value, which is stripped of its
// padding. Padding is reconstructed from the length of the value; a length
// congruent to 1 modulo 4 is not a valid base64 length.
func joseBase64Decode(s string) ([]byte, error) {
	switch len(s) % 4 {
	case 0:
	case 2:
		s += "=="
	case 3:
		s += "="
	default:
		return nil, fmt.Errorf("illegal base64url string %q", s)
	}
	return base64.URLEncoding.DecodeString(s)
}
