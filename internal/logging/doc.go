// Package logging builds the zap logger used across knowledged.
//
// Entries are encoded as JSON (or console text) with sensitive keys and
// credential-looking values redacted, optionally mirrored to an
// OpenTelemetry log provider, and sampled below Error so a hot query loop
// cannot flood the output. A custom Trace level sits below Debug.
//
// Components receive a *zap.Logger in their config. Request-scoped
// correlation (request id, index generation, trace and span ids) travels in
// the context and is attached with FromContext:
//
//	ctx = logging.WithRequestID(ctx, id)
//	logging.FromContext(ctx).Info("retrieval served", zap.Int("hits", n))
package logging
