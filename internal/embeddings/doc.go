// Package embeddings turns text into vectors for the retrieval namespaces.
//
// Providers: fastembed (local ONNX, cgo builds only), tei (Text Embeddings
// Inference over HTTP), openai (any OpenAI-compatible endpoint through
// langchaingo) and hash (deterministic feature hashing for offline use).
package embeddings
