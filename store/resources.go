package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vmx-ai/vmx/types"
)

// ResourceStore reads and writes AIResource records.
type ResourceStore struct {
	db *gorm.DB
}

// GetByID loads a resource. Returns a RESOURCE_NOT_FOUND CompletionError
// when absent.
func (s *ResourceStore) GetByID(ctx context.Context, workspaceID, environmentID, resourceID string) (*types.AIResource, error) {
	var row resourceRow
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND environment_id = ? AND resource_id = ?", workspaceID, environmentID, resourceID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewCompletionError(types.ErrResourceNotFound, fmt.Sprintf("resource %s not found", resourceID)).
			WithStatusCode(http.StatusNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load resource: %w", err)
	}

	resource := &types.AIResource{}
	if err := json.Unmarshal(row.Document, resource); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource document: %w", err)
	}
	return resource, nil
}

// Save upserts a resource record.
func (s *ResourceStore) Save(ctx context.Context, resource *types.AIResource) error {
	doc, err := marshalDoc(resource)
	if err != nil {
		return err
	}
	row := resourceRow{
		WorkspaceID:   resource.WorkspaceID,
		EnvironmentID: resource.EnvironmentID,
		ResourceID:    resource.ResourceID,
		Document:      doc,
		UpdatedAt:     time.Now(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "environment_id"}, {Name: "resource_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"document", "updated_at"}),
		}).
		Create(&row).Error
}

// ConnectionStore reads and writes AIConnection records.
type ConnectionStore struct {
	db *gorm.DB
}

// GetByID loads a connection with decrypted credentials. Returns a
// CONNECTION_NOT_FOUND CompletionError when absent.
func (s *ConnectionStore) GetByID(ctx context.Context, workspaceID, environmentID, connectionID string) (*types.AIConnection, error) {
	var row connectionRow
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND environment_id = ? AND connection_id = ?", workspaceID, environmentID, connectionID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewCompletionError(types.ErrConnectionNotFound, fmt.Sprintf("connection %s not found", connectionID)).
			WithStatusCode(http.StatusBadRequest)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}

	conn := &types.AIConnection{}
	if err := json.Unmarshal(row.Document, conn); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection document: %w", err)
	}
	return conn, nil
}

// Save upserts a connection record.
func (s *ConnectionStore) Save(ctx context.Context, conn *types.AIConnection) error {
	doc, err := marshalDoc(conn)
	if err != nil {
		return err
	}
	row := connectionRow{
		WorkspaceID:   conn.WorkspaceID,
		EnvironmentID: conn.EnvironmentID,
		ConnectionID:  conn.ConnectionID,
		Document:      doc,
		UpdatedAt:     time.Now(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "environment_id"}, {Name: "connection_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"document", "updated_at"}),
		}).
		Create(&row).Error
}

// UpdateDiscoveredCapacity rewrites a connection's discovered capacity.
// Called opportunistically after successful provider calls.
func (s *ConnectionStore) UpdateDiscoveredCapacity(ctx context.Context, workspaceID, environmentID, connectionID string, discovered *types.DiscoveredCapacity) error {
	conn, err := s.GetByID(ctx, workspaceID, environmentID, connectionID)
	if err != nil {
		return err
	}
	conn.DiscoveredCapacity = discovered
	return s.Save(ctx, conn)
}
