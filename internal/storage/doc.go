// Package storage persists the audit trail of finished tasks and modules
// and, optionally, a snapshot of the execution context.
//
// Task records themselves are never persisted: a restarted daemon starts
// with an empty engine.
package storage
