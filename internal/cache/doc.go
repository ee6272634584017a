// Package cache implements the versioned, named response stores that back the
// cache worker. A Storage owns any number of Stores identified by name (for
// example "nvc-static-v4"); each Store maps a request identity (method + URL,
// optionally ignoring the query string) to a stored response. Two backends are
// provided: a disk layout under StoragePath/<store>/<hash>.{json,body} written
// via temp file + rename, and an in-memory variant for tests and ephemeral
// workers. Writes are additive-or-replace per key; no multi-key transaction is
// offered.
package cache
