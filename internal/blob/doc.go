// Package blob stores and loads the serialized workbook definitions that
// published services are evaluated from.
//
// Definitions are written once at publish time and addressed by the SHA-256
// of their content ("sha256/<hex>"). MinioStore keeps them zstd-compressed in
// an S3-compatible bucket; MemoryStore is for tests. Loader resolves a
// published service's urlData, which is either such a key or an http(s) URL
// to an externally hosted definition.
package blob
