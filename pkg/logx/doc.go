// Package logx is a thin structured-logging layer over zerolog.
//
// Components receive a Logger value and derive scoped loggers with
// With(). The zero Logger is a safe no-op, so optional dependencies can
// skip nil checks. The Service owns the sinks (console, file) and can
// re-apply configuration at runtime without invalidating handed-out
// Logger values.
package logx
