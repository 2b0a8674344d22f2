// Package engine is the boundary to the external spreadsheet calculation
// engine. Formula semantics live entirely on the other side of it.
//
// An Engine opens a serialized definition into a Workbook handle; the handle
// is evaluated with named inputs, optional area updates and the list of
// outputs to read back. HTTPEngine reaches a remote engine service. Fake is
// an in-process stand-in for tests.
//
// Engine-reported faults are returned as *Error and carry the engine's code
// and detail unchanged. Transport failures are returned as ordinary errors.
package engine
