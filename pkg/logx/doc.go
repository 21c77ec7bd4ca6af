// Package logx configures agentcore's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - Console output stays readable (short timestamp + file:line caller)
//   - File output is JSON, one record per line
//   - The zero value is a safe no-op, so components never nil-check
package logx
