// Package logx configures feedrelay's structured logging.
//
// Components log through logx.Logger, a small wrapper on top of zerolog:
//   - console output stays readable (short timestamp and caller)
//   - file output is JSON, one record per line
//   - an optional alert sink forwards warnings to an operator chat,
//     rate limited and never blocking the caller
package logx
