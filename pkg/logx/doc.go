// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so components depend on a small stable API (Logger + Field
// helpers) instead of zerolog directly, and so sinks/levels can be swapped
// at runtime without re-plumbing loggers through the whole app.
package logx
