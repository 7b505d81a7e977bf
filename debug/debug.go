//go:build !ndebug

// Package debug holds the build-time instrumentation gate. Building with
// -tags ndebug sets Enabled to false, and every trap log guarded by it is
// removed by the compiler.
package debug

// Enabled reports whether trap instrumentation is compiled in.
const Enabled = true
