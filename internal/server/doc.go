// Package server hosts the Fiber HTTP service that fronts the practice site:
// it attaches recovery and request-id middlewares, mounts the edge proxy under
// the API mount point and the backend health path, and serves the static shell
// (including the cache worker script) when a static root is configured.
// Keep exports narrow and accept explicit dependencies; the edge package
// implements EdgeHandler and main wires both together.
package server
