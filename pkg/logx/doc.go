// Package logx is remindbot's structured logging layer.
//
// A thin wrapper (logx.Logger) over zerolog that keeps:
//   - console output readable (short timestamp, short caller)
//   - file output JSON-structured
//   - the active level and sinks swappable at runtime via Service.Apply
package logx
