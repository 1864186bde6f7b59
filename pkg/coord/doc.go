// Package coord defines the shared data model and Redis schema for the
// agentcoord coordination core. Tasks, agents, file locks, approvals, board
// threads and audit entries are all stored in a shared key/value backend
// using well-defined key patterns and hash layouts, so that every process
// linking this library (coordinators, workers, CLI tools) sees the same
// state.
//
// All keys use ':' as separator and all timestamps are ISO-8601 UTC strings.
// Structs are converted to and from backend hashes through explicit
// serialization functions in this package; list-valued fields are stored as
// JSON strings inside hash fields.
package coord
