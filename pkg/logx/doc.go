// Package logx is taskwarden's structured logger, a thin layer over zerolog.
//
// Console output is human-readable with a short caller; the optional file
// sink writes JSON lines. The zero Logger discards everything, so components
// can be constructed in tests without a logging service.
package logx
