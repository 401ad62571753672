// Package logx provides structured logging for taskmill.
//
// It wraps zerolog behind a small Logger API so components never depend on
// the sink configuration. The zero value of Logger is a safe no-op, which
// lets library code log unconditionally without nil checks.
package logx
