// Package logx configures aqinotify's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Components decoupled from sink configuration (zero value = no-op)
package logx
