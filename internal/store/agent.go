package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

// GetAgent loads an agent's configuration.
func (d *DB) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var (
		a                       model.Agent
		handoff, hours, tagging []byte
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, status, instructions, support_email,
			handoff_config, business_hours, auto_tagging
		FROM agents WHERE id = $1`, id).
		Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.Status, &a.Instructions, &a.SupportEmail,
			&handoff, &hours, &tagging)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}

	for _, part := range []struct {
		raw  []byte
		dest any
		name string
	}{
		{handoff, &a.Handoff, "handoff_config"},
		{hours, &a.Hours, "business_hours"},
		{tagging, &a.Tagging, "auto_tagging"},
	} {
		if len(part.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(part.raw, part.dest); err != nil {
			return nil, fmt.Errorf("decode agent %s: %w", part.name, err)
		}
	}
	return &a, nil
}

const connectionColumns = `id, workspace_id, agent_id, channel_type, enabled, credentials, webhook_secret`

func scanConnection(row rowScanner) (*model.ChannelConnection, error) {
	var c model.ChannelConnection
	if err := row.Scan(&c.ID, &c.WorkspaceID, &c.AgentID, &c.Channel, &c.Enabled, &c.Credentials, &c.WebhookSecret); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetAgentChannelConnection loads the agent's connection for a channel.
func (d *DB) GetAgentChannelConnection(ctx context.Context, agentID string, channel model.ChannelType) (*model.ChannelConnection, error) {
	c, err := scanConnection(d.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM channel_connections WHERE agent_id = $1 AND channel_type = $2`,
		agentID, string(channel)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel connection: %w", err)
	}
	return c, nil
}

// GetChannelConnection loads an enabled connection for a channel in a
// workspace, preferring the most recently added one.
func (d *DB) GetChannelConnection(ctx context.Context, workspaceID string, channel model.ChannelType) (*model.ChannelConnection, error) {
	c, err := scanConnection(d.db.QueryRowContext(ctx, `
		SELECT `+connectionColumns+`
		FROM channel_connections
		WHERE workspace_id = $1 AND channel_type = $2 AND enabled
		ORDER BY id DESC
		LIMIT 1`, workspaceID, string(channel)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel connection: %w", err)
	}
	return c, nil
}

// IsChannelEnabled reports whether the agent has an enabled connection for channel.
func (d *DB) IsChannelEnabled(ctx context.Context, agentID string, channel model.ChannelType) (bool, error) {
	var enabled bool
	err := d.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM channel_connections
			WHERE agent_id = $1 AND channel_type = $2 AND enabled
		)`, agentID, string(channel)).Scan(&enabled)
	if err != nil {
		return false, fmt.Errorf("check channel: %w", err)
	}
	return enabled, nil
}

// GetWorkspace loads a workspace.
func (d *DB) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	var w model.Workspace
	err := d.db.QueryRowContext(ctx,
		`SELECT id, name, plan_credits FROM workspaces WHERE id = $1`, id).
		Scan(&w.ID, &w.Name, &w.PlanCredits)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return &w, nil
}

// FirstAdminEmail returns the email of the workspace's earliest owner, or
// its earliest admin when it has no owner.
func (d *DB) FirstAdminEmail(ctx context.Context, workspaceID string) (string, error) {
	var email string
	err := d.db.QueryRowContext(ctx, `
		SELECT email FROM workspace_members
		WHERE workspace_id = $1 AND role IN ('OWNER', 'ADMIN')
		ORDER BY (role = 'OWNER') DESC, created_at ASC
		LIMIT 1`, workspaceID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("first admin email: %w", err)
	}
	return email, nil
}

// GetIntegrationCredentials returns the encrypted credentials a workspace
// stored for a ticketing provider.
func (d *DB) GetIntegrationCredentials(ctx context.Context, workspaceID, provider string) (string, error) {
	var sealed string
	err := d.db.QueryRowContext(ctx,
		`SELECT credentials FROM integration_credentials WHERE workspace_id = $1 AND provider = $2`,
		workspaceID, provider).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get integration credentials: %w", err)
	}
	return sealed, nil
}
