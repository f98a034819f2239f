// Package embeddings turns text into vectors through an embedding gateway.
//
// Three providers are available: TEI (Text Embeddings Inference over HTTP),
// any OpenAI-compatible endpoint, and FastEmbed (local ONNX, CGO builds
// only). Every remote failure surfaces as a *GatewayError carrying an
// ErrorKind. Resilient wraps a provider with batching, jittered retries,
// rate limiting, a circuit breaker and a query embedding cache.
package embeddings
