// Package core defines the shared vocabulary of the callmesh runtime: call
// frames and scopes (per-invocation isolation), the typed event stream
// observed by external sinks, role-based content parts, the Handler capability
// interface hiding code-backed vs model-backed units, and conversation history
// threaded through root frames.
//
// Core deliberately stays free of orchestration logic; the dispatch, registry,
// resource and approval packages build on these types.
package core
