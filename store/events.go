package store

import (
	"context"
	"time"
)

// Usage and audit writes are append-only; retention is handled outside
// this repository.

// InsertUsage appends one usage document.
func (s *Store) InsertUsage(ctx context.Context, workspaceID, environmentID, resourceID string, doc []byte, ts time.Time) error {
	return s.db.WithContext(ctx).Create(&usageRow{
		WorkspaceID:   workspaceID,
		EnvironmentID: environmentID,
		ResourceID:    resourceID,
		Document:      doc,
		Timestamp:     ts,
	}).Error
}

// InsertAudit appends one audit document.
func (s *Store) InsertAudit(ctx context.Context, workspaceID, environmentID, resourceID, requestID string, doc []byte, ts time.Time) error {
	return s.db.WithContext(ctx).Create(&auditRow{
		WorkspaceID:   workspaceID,
		EnvironmentID: environmentID,
		ResourceID:    resourceID,
		RequestID:     requestID,
		Document:      doc,
		Timestamp:     ts,
	}).Error
}
