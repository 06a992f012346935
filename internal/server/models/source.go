// Package models defines server-side data models persisted in the database.
package models

import "time"

// Source is one anonymous contributor. FilesystemID doubles as the name of
// the source's blob directory and as its keystore address.
type Source struct {
	ID                    string
	FilesystemID          string
	JournalistDesignation string
	Flagged               bool
	LastUpdated           time.Time
}

// Submission is one document uploaded by a source. The ciphertext lives in
// the blob store under (source FilesystemID, Filename).
type Submission struct {
	ID       string
	SourceID string
	Filename string
	Size     int64
	// Checksum is the hex BLAKE3-256 digest of the stored ciphertext.
	Checksum   string
	Downloaded bool
}

// Reply is a document sent to a source by a staff member. JournalistID is a
// weak reference: removing the staff account leaves replies in place.
type Reply struct {
	ID           string
	SourceID     string
	JournalistID string
	Filename     string
	Size         int64
	Checksum     string
}
