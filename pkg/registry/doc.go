// Package registry holds the daemon's extension points as a static,
// explicitly populated table. Each extension point has a fixed event
// struct; handlers take what they need from it and ignore the rest.
// There is no runtime discovery: whatever is registered at process
// start is the complete set of hooks.
package registry
