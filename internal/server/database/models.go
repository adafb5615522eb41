package database

import (
	"time"

	"accession/internal/server/session"

	"github.com/google/uuid"
)

// Session is one donor's batch of in-flight uploads.
type Session struct {
	ID             uuid.UUID
	Token          string
	Owner          string // empty for anonymous donors
	Status         session.Status
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiredAt      *time.Time
	ConsumedAt     *time.Time
}

// File is an accepted file within a session. StorageKey addresses the
// temporary blob until the session is packaged.
type File struct {
	ID           uuid.UUID
	SessionID    uuid.UUID
	OriginalName string
	SizeBytes    int64
	StorageKey   string
	Checksum     string // sha256, hex
	CreatedAt    time.Time
}

// Submission is the metadata record committed together with a package.
type Submission struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	Owner       string
	Title       string
	Description string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// ManifestEntry is one payload file of a package.
type ManifestEntry struct {
	Path      string            `json:"path"`
	Size      int64             `json:"size"`
	Checksums map[string]string `json:"checksums"`
}

// Package is a permanently stored, checksum-manifested archival package.
type Package struct {
	ID           uuid.UUID
	SubmissionID uuid.UUID
	StorageRoot  string
	Algorithms   []string
	Manifest     []ManifestEntry
	FileCount    int
	TotalSize    int64
	CreatedAt    time.Time
}

// Stats holds aggregate server statistics.
type Stats struct {
	ActiveSessions   int64
	ExpiredSessions  int64
	ConsumedSessions int64
	TemporaryBytes   int64
	Packages         int64
	ArchivedBytes    int64
}
