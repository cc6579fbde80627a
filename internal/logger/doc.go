// Package logger wraps zap with a process-wide sugared logger and
// context helpers (ToContext/FromContext/WithName/WithKV).
//
// Services never hold a logger: they receive a context and log through it,
// so names and key-value pairs attached upstream (package id, job sequence)
// show up on every line emitted downstream.
package logger
