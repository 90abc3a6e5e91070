// Package sandbox runs WebAssembly remediation modules with wazero.
//
// Modules are WASI command modules: the host calls _start, feeds the issue
// as JSON on stdin and reads the exit code. Memory is capped and each run
// is bounded by a timeout. Guests may import env.log(level, ptr, len) to
// write to the host logger.
package sandbox
