// Package logx is webcron's structured logger: a thin zerolog wrapper whose
// level and sinks can be swapped at runtime when the config file changes.
//
// Console output is zerolog's human-readable writer on stdout. The optional
// file sink appends one JSON object per line.
package logx
