// Package logx configures naspanel's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional journald sink (min-level + rate limiting)
package logx
