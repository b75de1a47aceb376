package sync

import (
	"context"

	"github.com/opencontainers/go-digest"
)

// Registry is the upstream surface the pipeline pulls from. The remote
// package provides the HTTP implementation; tests substitute a fake.
type Registry interface {
	// Tags lists every tag name in the upstream repository, following
	// pagination until exhausted.
	Tags(ctx context.Context) ([]string, error)

	// Manifest fetches a manifest by tag name or digest and reports the
	// Content-Type the upstream returned alongside it.
	Manifest(ctx context.Context, reference string) ([]byte, string, error)

	// Blob fetches blob content by digest, verified against the digest.
	Blob(ctx context.Context, dgst digest.Digest) ([]byte, error)
}
