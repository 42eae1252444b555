// Package logx configures vigil's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional channel sink mirroring warnings into a chat channel
//     (min-level + rate limiting)
package logx
