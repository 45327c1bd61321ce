// Package logx configures broadcastd's structured logging.
//
// A small value-type wrapper (logx.Logger) sits on top of zerolog:
//   - console output stays readable (short timestamp, file:line caller)
//   - file output is JSON
//   - an optional transport sink mirrors warnings to one destination, rate limited
package logx
