// Package registry provides a concurrency-safe, ordered-key registry.
//
// The dataflow runner keeps its node-type handlers in a Registry[string,
// Handler]. Each Runner owns its own registry (or a Clone of a shared one), so
// independent runs never share a process-wide table:
//
//	handlers := registry.New[string, Handler]()
//	handlers.Register("passthrough", passthrough)
//	h, ok := handlers.Get(node.Type)
package registry
