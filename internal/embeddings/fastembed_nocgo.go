//go:build !cgo

package embeddings

import "errors"

// ErrFastEmbedNotAvailable means the binary was built without cgo, which
// the ONNX runtime binding needs. The tei, openai and hash providers work
// in any build.
var ErrFastEmbedNotAvailable = errors.New("fastembed: not available in a build without cgo")

// FastEmbedConfig mirrors the cgo build's options so config code compiles
// either way.
type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
}

// NewFastEmbedProvider always fails in this build.
func NewFastEmbedProvider(FastEmbedConfig) (Provider, error) {
	return nil, ErrFastEmbedNotAvailable
}
