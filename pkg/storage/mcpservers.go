package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/khoj-ai/pipali/pkg/models"
)

type mcpServerRow struct {
	ID               string         `db:"id"`
	Name             string         `db:"name"`
	Enabled          bool           `db:"enabled"`
	TransportType    string         `db:"transport_type"`
	Path             string         `db:"path"`
	APIKey           string         `db:"api_key"`
	Env              sql.NullString `db:"env"`
	EnabledTools     sql.NullString `db:"enabled_tools"`
	ConfirmationMode string         `db:"confirmation_mode"`
	LastConnectedAt  sql.NullTime   `db:"last_connected_at"`
	LastError        sql.NullString `db:"last_error"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (row *mcpServerRow) toModel() (*models.MCPServer, error) {
	s := &models.MCPServer{
		ID:               row.ID,
		Name:             row.Name,
		Enabled:          row.Enabled,
		TransportType:    models.MCPTransportType(row.TransportType),
		Path:             row.Path,
		APIKey:           row.APIKey,
		ConfirmationMode: models.MCPConfirmationMode(row.ConfirmationMode),
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if row.Env.Valid && row.Env.String != "" {
		if err := json.Unmarshal([]byte(row.Env.String), &s.Env); err != nil {
			return nil, fmt.Errorf("decoding env for server %s: %w", row.Name, err)
		}
	}
	if row.EnabledTools.Valid && row.EnabledTools.String != "" {
		if err := json.Unmarshal([]byte(row.EnabledTools.String), &s.EnabledTools); err != nil {
			return nil, fmt.Errorf("decoding enabled tools for server %s: %w", row.Name, err)
		}
	}
	if row.LastConnectedAt.Valid {
		t := row.LastConnectedAt.Time
		s.LastConnectedAt = &t
	}
	if row.LastError.Valid {
		s.LastError = &row.LastError.String
	}
	return s, nil
}

// MCPServerRepo persists MCP server records.
type MCPServerRepo struct {
	db *sqlx.DB
}

// ErrDuplicateName is returned when a server name is already registered.
var ErrDuplicateName = errors.New("server name already exists")

// Create inserts a server record. Names are slug-constrained and unique.
func (r *MCPServerRepo) Create(ctx context.Context, s *models.MCPServer) error {
	if err := models.ValidateServerName(s.Name); err != nil {
		return err
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	env, tools, err := encodeServerJSON(s)
	if err != nil {
		return err
	}
	q := r.db.Rebind(`INSERT INTO mcp_servers
		(id, name, enabled, transport_type, path, api_key, env, enabled_tools,
		 confirmation_mode, last_connected_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, q,
		s.ID, s.Name, s.Enabled, string(s.TransportType), s.Path, s.APIKey,
		env, tools, string(s.ConfirmationMode), s.LastConnectedAt, s.LastError,
		s.CreatedAt, s.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("creating MCP server: %w", err)
	}
	return nil
}

// Get fetches a server by id.
func (r *MCPServerRepo) Get(ctx context.Context, id string) (*models.MCPServer, error) {
	var row mcpServerRow
	q := r.db.Rebind(`SELECT * FROM mcp_servers WHERE id = ?`)
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying MCP server: %w", err)
	}
	return row.toModel()
}

// GetByName fetches a server by its unique name.
func (r *MCPServerRepo) GetByName(ctx context.Context, name string) (*models.MCPServer, error) {
	var row mcpServerRow
	q := r.db.Rebind(`SELECT * FROM mcp_servers WHERE name = ?`)
	if err := r.db.GetContext(ctx, &row, q, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying MCP server: %w", err)
	}
	return row.toModel()
}

// List returns every registered server.
func (r *MCPServerRepo) List(ctx context.Context) ([]*models.MCPServer, error) {
	var rows []mcpServerRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM mcp_servers ORDER BY name`); err != nil {
		return nil, fmt.Errorf("listing MCP servers: %w", err)
	}
	out := make([]*models.MCPServer, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Update persists mutable server fields.
func (r *MCPServerRepo) Update(ctx context.Context, s *models.MCPServer) error {
	if err := models.ValidateServerName(s.Name); err != nil {
		return err
	}
	s.UpdatedAt = time.Now().UTC()
	env, tools, err := encodeServerJSON(s)
	if err != nil {
		return err
	}
	q := r.db.Rebind(`UPDATE mcp_servers SET
		name = ?, enabled = ?, transport_type = ?, path = ?, api_key = ?, env = ?,
		enabled_tools = ?, confirmation_mode = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q,
		s.Name, s.Enabled, string(s.TransportType), s.Path, s.APIKey, env,
		tools, string(s.ConfirmationMode), s.UpdatedAt, s.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("updating MCP server: %w", err)
	}
	return requireRow(res)
}

// RecordConnection stores the outcome of a connect attempt: the timestamp on
// success, the error message on failure.
func (r *MCPServerRepo) RecordConnection(ctx context.Context, id string, connectErr error) error {
	var (
		q    string
		args []any
	)
	now := time.Now().UTC()
	if connectErr == nil {
		q = r.db.Rebind(`UPDATE mcp_servers SET last_connected_at = ?, last_error = NULL, updated_at = ? WHERE id = ?`)
		args = []any{now, now, id}
	} else {
		q = r.db.Rebind(`UPDATE mcp_servers SET last_error = ?, updated_at = ? WHERE id = ?`)
		args = []any{connectErr.Error(), now, id}
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("recording connection result: %w", err)
	}
	return requireRow(res)
}

// Delete removes a server record.
func (r *MCPServerRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM mcp_servers WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting MCP server: %w", err)
	}
	return requireRow(res)
}

func encodeServerJSON(s *models.MCPServer) (env, tools any, err error) {
	if len(s.Env) > 0 {
		b, err := json.Marshal(s.Env)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding env: %w", err)
		}
		env = string(b)
	}
	if len(s.EnabledTools) > 0 {
		b, err := json.Marshal(s.EnabledTools)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding enabled tools: %w", err)
		}
		tools = string(b)
	}
	return env, tools, nil
}

// isUniqueViolation matches unique-constraint errors across sqlite and
// postgres drivers without importing driver error types here.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
