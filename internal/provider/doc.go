// Package provider wraps external AI completion backends behind the
// CompletionProvider interface and runs the fallback cascade across them.
//
// # Ordering
//
// Order is a pure function: it drops unconfigured providers, then sorts by
// (preferred=0, fallback=1, other=2) and static priority ascending.
//
// # Cascade
//
// Cascade.Run tries providers strictly one at a time. Each call has its own
// deadline (DefaultCallTimeout). A timeout or error moves on to the next
// provider; the first success ends the cascade. When nothing succeeds the
// caller gets ErrAllProvidersExhausted.
//
// # Results
//
// Every Result is tagged with a ParseKind. ParseStructured means the model
// returned the requested JSON shape; ParseRawText means it did not and the
// raw output is used as the reply text with no intent or confidence.
package provider
