// Package dedupe tracks in-flight idempotency keys so that a retried request
// is rejected while the original is still being processed.
package dedupe
