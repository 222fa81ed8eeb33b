package domain

import "github.com/google/uuid"

// VersionAssociation correlates a version (or its transaction) with a named
// foreign-key relationship and the id of the related record at that time. It
// lets the reifier answer "which relations existed for this record as of
// transaction X" without trusting current-state foreign keys, which may have
// changed since. Rows are written alongside the owning version and never
// mutated; they are deleted only when their version is.
type VersionAssociation struct {
	ID             uuid.UUID
	VersionID      uuid.UUID
	TransactionID  uuid.UUID
	ForeignKeyName string
	ForeignKeyID   string
	ForeignType    string
}
