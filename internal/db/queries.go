package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/HanTheDev/tutor-chat-gateway/internal/modelconfig"
	"github.com/HanTheDev/tutor-chat-gateway/internal/models"
)

func (db *DB) LoadGatewayConfig(ctx context.Context, tenantID string) (*modelconfig.Document, error) {
	query := `
        SELECT tenant_id, schema_version, body, updated_at
        FROM gateway_configs
        WHERE tenant_id = $1
    `
	doc, err := scanDocument(db.Pool.QueryRow(ctx, query, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, modelconfig.ErrDocumentNotFound
	}
	return doc, err
}

// UpsertMigratedGatewayConfig only replaces a row whose schema version is
// lower, so concurrent migrations settle on one document.
func (db *DB) UpsertMigratedGatewayConfig(ctx context.Context, doc *modelconfig.Document) error {
	query := `
        INSERT INTO gateway_configs (tenant_id, schema_version, body, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (tenant_id) DO UPDATE
        SET schema_version = EXCLUDED.schema_version,
            body = EXCLUDED.body,
            updated_at = EXCLUDED.updated_at
        WHERE gateway_configs.schema_version < EXCLUDED.schema_version
    `
	_, err := db.Pool.Exec(ctx, query, doc.TenantID, doc.SchemaVersion, []byte(doc.Body), doc.UpdatedAt)
	return err
}

// UpdateGatewayConfig serializes writers per tenant with a transaction
// scoped advisory lock, which also covers tenants that have no row yet.
func (db *DB) UpdateGatewayConfig(ctx context.Context, tenantID string, fn func(current *modelconfig.Document) (*modelconfig.Document, error)) (*modelconfig.Document, error) {
	var next *modelconfig.Document
	err := pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "gateway_config:"+tenantID); err != nil {
			return fmt.Errorf("lock gateway config: %w", err)
		}

		current, err := scanDocument(tx.QueryRow(ctx, `
            SELECT tenant_id, schema_version, body, updated_at
            FROM gateway_configs
            WHERE tenant_id = $1
        `, tenantID))
		if errors.Is(err, pgx.ErrNoRows) {
			current, err = nil, nil
		}
		if err != nil {
			return err
		}

		if next, err = fn(current); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
            INSERT INTO gateway_configs (tenant_id, schema_version, body, updated_at)
            VALUES ($1, $2, $3, $4)
            ON CONFLICT (tenant_id) DO UPDATE
            SET schema_version = GREATEST(gateway_configs.schema_version, EXCLUDED.schema_version),
                body = EXCLUDED.body,
                updated_at = EXCLUDED.updated_at
        `, tenantID, next.SchemaVersion, []byte(next.Body), next.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func scanDocument(row pgx.Row) (*modelconfig.Document, error) {
	var doc modelconfig.Document
	var body []byte
	if err := row.Scan(&doc.TenantID, &doc.SchemaVersion, &body, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	doc.Body = body
	return &doc, nil
}

func (db *DB) InsertSafetyIncident(ctx context.Context, incident *models.SafetyIncident) error {
	query := `
        INSERT INTO safety_incidents (tenant_id, user_id, pattern, origin, excerpt, blocked, occurred_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id
    `
	return db.Pool.QueryRow(ctx, query,
		incident.TenantID,
		incident.UserID,
		incident.Pattern,
		string(incident.Origin),
		incident.Excerpt,
		incident.Blocked,
		incident.OccurredAt,
	).Scan(&incident.ID)
}

// ListSafetyIncidents returns the tenant's most recent incidents first.
func (db *DB) ListSafetyIncidents(ctx context.Context, tenantID string, limit int) ([]models.SafetyIncident, error) {
	query := `
        SELECT id, tenant_id, user_id, pattern, origin, excerpt, blocked, occurred_at
        FROM safety_incidents
        WHERE tenant_id = $1
        ORDER BY occurred_at DESC, id DESC
        LIMIT $2
    `
	rows, err := db.Pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.SafetyIncident, error) {
		var inc models.SafetyIncident
		var origin string
		err := row.Scan(&inc.ID, &inc.TenantID, &inc.UserID, &inc.Pattern, &origin, &inc.Excerpt, &inc.Blocked, &inc.OccurredAt)
		inc.Origin = models.PatternOrigin(origin)
		return inc, err
	})
}

// ErrConversationNotOwned is returned when a conversation id already
// belongs to another tenant or user.
var ErrConversationNotOwned = errors.New("conversation belongs to another user")

// ListConversationMessages returns the conversation's messages only when it
// belongs to tenantID and userID. A foreign or unknown id yields no rows.
func (db *DB) ListConversationMessages(ctx context.Context, tenantID, userID, conversationID string) ([]models.ConversationMessage, error) {
	query := `
        SELECT m.id, m.conversation_id, m.role, m.content, m.created_at
        FROM messages m
        JOIN conversations c ON c.id = m.conversation_id
        WHERE m.conversation_id = $1 AND c.tenant_id = $2 AND c.user_id = $3
        ORDER BY m.id
    `
	rows, err := db.Pool.Query(ctx, query, conversationID, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// ConversationMessages reads a conversation without an ownership check. It
// serves the evaluation worker, whose ids come from already stored turns.
func (db *DB) ConversationMessages(ctx context.Context, conversationID string) ([]models.ConversationMessage, error) {
	query := `
        SELECT id, conversation_id, role, content, created_at
        FROM messages
        WHERE conversation_id = $1
        ORDER BY id
    `
	rows, err := db.Pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]models.ConversationMessage, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ConversationMessage, error) {
		var m models.ConversationMessage
		err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt)
		return m, err
	})
}

// AppendMessage stores msg, creating the conversation on its first message.
// A conversation owned by someone else is left untouched.
func (db *DB) AppendMessage(ctx context.Context, tenantID, userID string, msg *models.ConversationMessage) error {
	return pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
            INSERT INTO conversations (id, tenant_id, user_id)
            VALUES ($1, $2, $3)
            ON CONFLICT (id) DO UPDATE SET updated_at = NOW()
            WHERE conversations.tenant_id = EXCLUDED.tenant_id
              AND conversations.user_id = EXCLUDED.user_id
        `, msg.ConversationID, tenantID, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrConversationNotOwned
		}
		return tx.QueryRow(ctx, `
            INSERT INTO messages (conversation_id, role, content, created_at)
            VALUES ($1, $2, $3, $4)
            RETURNING id
        `, msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt).Scan(&msg.ID)
	})
}

func (db *DB) UpsertVerdict(ctx context.Context, v *models.EffectivenessVerdict) error {
	query := `
        INSERT INTO effectiveness_verdicts (conversation_id, is_effective, failed_rule, evaluated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (conversation_id) DO UPDATE
        SET is_effective = EXCLUDED.is_effective,
            failed_rule = EXCLUDED.failed_rule,
            evaluated_at = EXCLUDED.evaluated_at
    `
	_, err := db.Pool.Exec(ctx, query, v.ConversationID, v.IsEffective, v.FailedRule, v.EvaluatedAt)
	return err
}

func (db *DB) GetVerdict(ctx context.Context, conversationID string) (*models.EffectivenessVerdict, error) {
	query := `
        SELECT conversation_id, is_effective, failed_rule, evaluated_at
        FROM effectiveness_verdicts
        WHERE conversation_id = $1
    `
	var v models.EffectivenessVerdict
	err := db.Pool.QueryRow(ctx, query, conversationID).Scan(&v.ConversationID, &v.IsEffective, &v.FailedRule, &v.EvaluatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
