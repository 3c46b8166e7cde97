// Package logging provides slog-based structured logging for murmur.
//
// It exposes typed attribute helpers, standardized field names shared by
// every component, and logger construction from application config with
// console or JSON output.
package logging
