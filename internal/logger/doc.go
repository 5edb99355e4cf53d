// Package logger wraps zap with:
//   - a global sugared logger using a console encoder,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level parsing and a shared atomic level,
//   - convenience functions (Infof, ErrorKV, etc.).
//
// Long-running components take a context and log through the logger it
// carries, so sensor and frame identity travel with every line.
package logger
