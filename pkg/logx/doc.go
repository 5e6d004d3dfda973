// Package logx is tickd's logging layer over zerolog.
//
// Loggers are values: the zero Logger discards everything, With adds fixed
// fields, and loggers taken from a Service follow its config across hot
// reloads. Console output uses short timestamps and file:line callers; the
// optional file sink is JSON.
package logx
