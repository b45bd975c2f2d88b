// Package model defines the database models. They are stored in SQLite via
// GORM.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/archestra-ai/sandboxd/internal/mcp"
)

// MCPServer is an installed MCP server definition. ServerConfig holds the
// raw launch template (command/args/env with ${user_config.*} placeholders
// intact); UserConfigValues holds the values the user supplied at install
// time. Placeholders are resolved at start time, never persisted resolved.
type MCPServer struct {
	ID               string    `gorm:"primaryKey;type:text" json:"id"`
	Name             string    `gorm:"uniqueIndex;not null;type:text" json:"name"`
	ServerConfig     string    `gorm:"column:server_config;not null;type:text" json:"-"`
	UserConfigValues *string   `gorm:"column:user_config_values;type:text" json:"-"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (MCPServer) TableName() string { return "mcp_servers" }

func (s *MCPServer) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// Config deserializes the stored launch template.
func (s *MCPServer) Config() (mcp.ServerConfig, error) {
	var cfg mcp.ServerConfig
	err := json.Unmarshal([]byte(s.ServerConfig), &cfg)
	return cfg, err
}

// SetConfig serializes the launch template into the record.
func (s *MCPServer) SetConfig(cfg mcp.ServerConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	s.ServerConfig = string(data)
	return nil
}

// UserConfig deserializes the stored user-supplied values. A missing column
// yields a nil map, which the template injector treats as "leave
// placeholders intact".
func (s *MCPServer) UserConfig() (map[string]any, error) {
	if s.UserConfigValues == nil {
		return nil, nil
	}
	var values map[string]any
	err := json.Unmarshal([]byte(*s.UserConfigValues), &values)
	return values, err
}

// SetUserConfig serializes the user-supplied values into the record. A nil
// map clears the column.
func (s *MCPServer) SetUserConfig(values map[string]any) error {
	if values == nil {
		s.UserConfigValues = nil
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	text := string(data)
	s.UserConfigValues = &text
	return nil
}

// MCPRequestLog records one JSON-RPC exchange forwarded to a server.
type MCPRequestLog struct {
	ID         string    `gorm:"primaryKey;type:text" json:"id"`
	ServerID   string    `gorm:"column:server_id;not null;type:text;index" json:"server_id"`
	ServerName string    `gorm:"column:server_name;not null;type:text" json:"server_name"`
	Method     string    `gorm:"type:text" json:"method"`
	Request    string    `gorm:"type:text" json:"request"`
	Response   string    `gorm:"type:text" json:"response"`
	ErrorCode  *int      `gorm:"column:error_code" json:"error_code,omitempty"`
	DurationMs int64     `gorm:"column:duration_ms" json:"duration_ms"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`

	Server *MCPServer `gorm:"foreignKey:ServerID" json:"-"`
}

func (MCPRequestLog) TableName() string { return "mcp_request_logs" }

func (l *MCPRequestLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	return nil
}

// AllModels returns every model for AutoMigrate.
func AllModels() []any {
	return []any{
		&MCPServer{},
		&MCPRequestLog{},
	}
}
