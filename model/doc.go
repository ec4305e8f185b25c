// Package model defines the provider-neutral generation contract consumed by
// model-backed handlers, plus a deterministic mock for tests. Provider
// adapters live in sub-packages so the core never links vendor SDKs it does
// not use.
package model
