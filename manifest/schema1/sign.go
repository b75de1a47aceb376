package schema1

import (
	"github.com/docker/libtrust"
)

// Sign wraps the canonical manifest bytes in a JWS envelope signed by the
// provided private key, returning a SignedManifest. The canonical bytes are
// preserved untouched inside the envelope so the content digest stays
// stable across signing.
func Sign(canonical []byte, m Manifest, pk libtrust.PrivateKey) (*SignedManifest, error) {
	js, err := libtrust.NewJSONSignature(canonical)
	if err != nil {
		return nil, err
	}

	if err := js.Sign(pk); err != nil {
		return nil, err
	}

	pretty, err := js.PrettySignature("signatures")
	if err != nil {
		return nil, err
	}

	return &SignedManifest{
		Manifest:  m,
		Canonical: canonical,
		all:       pretty,
	}, nil
}
