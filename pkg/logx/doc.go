// Package logx configures pulse's structured logging.
//
// Components log through a small value-type wrapper (logx.Logger) over zerolog:
//   - Console output stays readable (short timestamp, short caller)
//   - File output is one JSON object per line
//   - Debug chatter on hot paths can be burst-sampled
package logx
