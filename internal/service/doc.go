// Package service owns calculation services: their draft and published
// records, the input schema they validate against, and the error taxonomy
// every other layer reports in.
//
// # Lifecycle
//
// A draft is created and edited with SaveDraft. Publish copies the draft's
// schema plus AI-facing metadata into the published record and points it at
// the stored definition blob. A service is published iff its published
// record exists.
//
// Publish and Unpublish each write their keys in a single store batch that
// also deletes the definition cache entry and the whole result cache hash for
// the service, so stale results can never outlive the definition that
// produced them. Delete refuses published services with ErrConflict.
//
// # Store layout
//
//	service:{id}              draft hash
//	service:{id}:published    published hash
//	user:{uid}:services       hash of id -> draft|published
//	cache:api:{id}            cached API definition (see package cache)
//	cache:results:{id}        cached results, one field per input hash
//
// # Errors
//
// Callers match errors with errors.Is against ErrValidation, ErrNotFound,
// ErrForbidden, ErrUnauthorized, ErrConflict, ErrEngine and ErrUpstream.
package service
