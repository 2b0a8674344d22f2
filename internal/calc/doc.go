// Package calc runs calculations for published services.
//
// An Executor resolves the published definition through the definition
// cache, checks the caller's token scope, validates inputs, consults the
// result cache and finally evaluates a workbook handle from the in-process
// WorkbookCache. Handles are built at most once per service at a time:
// concurrent misses and prewarms share a single load.
package calc
