// Package store provides database operations using GORM.
package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/archestra-ai/sandboxd/internal/model"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// --- MCP servers ---

func (s *Store) CreateMCPServer(ctx context.Context, server *model.MCPServer) error {
	return s.db.WithContext(ctx).Create(server).Error
}

func (s *Store) GetMCPServerByID(ctx context.Context, id string) (*model.MCPServer, error) {
	var server model.MCPServer
	if err := s.db.WithContext(ctx).First(&server, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &server, nil
}

func (s *Store) GetMCPServerByName(ctx context.Context, name string) (*model.MCPServer, error) {
	var server model.MCPServer
	if err := s.db.WithContext(ctx).First(&server, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &server, nil
}

func (s *Store) ListMCPServers(ctx context.Context) ([]*model.MCPServer, error) {
	var servers []*model.MCPServer
	err := s.db.WithContext(ctx).Order("created_at").Find(&servers).Error
	return servers, err
}

func (s *Store) UpdateMCPServer(ctx context.Context, server *model.MCPServer) error {
	return s.db.WithContext(ctx).Save(server).Error
}

func (s *Store) DeleteMCPServer(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&model.MCPServer{}, "id = ?", id).Error
}

// --- Request logs ---

func (s *Store) CreateRequestLog(ctx context.Context, entry *model.MCPRequestLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *Store) ListRequestLogs(ctx context.Context, serverID string, limit int) ([]*model.MCPRequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var logs []*model.MCPRequestLog
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if serverID != "" {
		q = q.Where("server_id = ?", serverID)
	}
	err := q.Find(&logs).Error
	return logs, err
}

func (s *Store) DeleteRequestLogs(ctx context.Context, serverID string) error {
	q := s.db.WithContext(ctx)
	if serverID != "" {
		return q.Delete(&model.MCPRequestLog{}, "server_id = ?", serverID).Error
	}
	return q.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&model.MCPRequestLog{}).Error
}
