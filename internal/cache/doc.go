// Package cache implements the three cache tiers in front of the calculation
// engine.
//
//   - WorkbookCache: in-process LRU of loaded workbook handles, bounded by
//     entry count and total bytes, with an idle TTL. Handles larger than the
//     per-entry ceiling are rejected instead of flushing the cache.
//   - DefinitionCache: the published record as JSON at cache:api:{id}.
//   - ResultCache: outputs keyed by HashInputs at cache:results:{id}.
//
// The store-backed tiers wrap values in an envelope carrying the creation
// time and TTL; an entry is valid iff now - created < ttl. Writes go through
// an async.Pool and never fail the request that produced them. Unpublish and
// republish delete both store-backed tiers in the same batch as the
// published record (see package service).
package cache
