// Package handler provides the two built-in callable-unit implementations:
// CodeHandler wraps deterministic Go functions, NestedHandler drives a model
// generate/tool loop. Both satisfy core.Handler, so callers compose them
// without knowing which answers a given name.
package handler
