package db

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/tutor-chat-gateway/internal/effectiveness"
	"github.com/HanTheDev/tutor-chat-gateway/internal/modelconfig"
	"github.com/HanTheDev/tutor-chat-gateway/internal/models"
	"github.com/HanTheDev/tutor-chat-gateway/internal/pipeline"
	"github.com/HanTheDev/tutor-chat-gateway/internal/safety"
)

var (
	_ modelconfig.Store               = (*DB)(nil)
	_ safety.IncidentWriter           = (*DB)(nil)
	_ effectiveness.ConversationStore = (*DB)(nil)
	_ effectiveness.VerdictStore      = (*DB)(nil)
	_ pipeline.ConversationStore      = (*DB)(nil)
)

// openTestDB connects to TEST_DATABASE_URL and skips when it is unset.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := NewDB(ctx, url)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.EnsureSchema(ctx))
	return db
}

func TestGatewayConfigLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tenant := "test-" + uuid.NewString()

	_, err := db.LoadGatewayConfig(ctx, tenant)
	assert.ErrorIs(t, err, modelconfig.ErrDocumentNotFound)

	legacy, _ := json.Marshal(map[string]any{"api_url": "https://api.example.com", "api_key": "k", "model": "m"})
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, db.UpsertMigratedGatewayConfig(ctx, &modelconfig.Document{TenantID: tenant, SchemaVersion: 1, Body: legacy, UpdatedAt: now}))

	// an equal version does not overwrite
	require.NoError(t, db.UpsertMigratedGatewayConfig(ctx, &modelconfig.Document{TenantID: tenant, SchemaVersion: 1, Body: []byte(`{}`), UpdatedAt: now}))
	doc, err := db.LoadGatewayConfig(ctx, tenant)
	require.NoError(t, err)
	assert.JSONEq(t, string(legacy), string(doc.Body))

	next, err := db.UpdateGatewayConfig(ctx, tenant, func(cur *modelconfig.Document) (*modelconfig.Document, error) {
		require.NotNil(t, cur)
		return &modelconfig.Document{TenantID: tenant, SchemaVersion: 2, Body: []byte(`{"endpoints":[]}`), UpdatedAt: now}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, next.SchemaVersion)

	doc, err = db.LoadGatewayConfig(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.SchemaVersion)
}

func TestConversationAndVerdict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	conv := uuid.NewString()

	for _, role := range []string{models.RoleUser, models.RoleAssistant} {
		msg := &models.ConversationMessage{ConversationID: conv, Role: role, Content: "hello", CreatedAt: time.Now().UTC()}
		require.NoError(t, db.AppendMessage(ctx, "t1", "u1", msg))
		assert.NotZero(t, msg.ID)
	}
	msgs, err := db.ListConversationMessages(ctx, "t1", "u1", conv)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)

	msgs, err = db.ConversationMessages(ctx, conv)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	require.NoError(t, db.UpsertVerdict(ctx, &models.EffectivenessVerdict{ConversationID: conv, FailedRule: "ai_messages", EvaluatedAt: time.Now().UTC()}))
	require.NoError(t, db.UpsertVerdict(ctx, &models.EffectivenessVerdict{ConversationID: conv, IsEffective: true, EvaluatedAt: time.Now().UTC()}))
	v, err := db.GetVerdict(ctx, conv)
	require.NoError(t, err)
	assert.True(t, v.IsEffective)
	assert.Empty(t, v.FailedRule)
}

func TestConversationOwnership(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	conv := uuid.NewString()

	require.NoError(t, db.AppendMessage(ctx, "tenant-b", "u9", &models.ConversationMessage{
		ConversationID: conv, Role: models.RoleUser, Content: "secret", CreatedAt: time.Now().UTC(),
	}))

	for _, owner := range [][2]string{{"tenant-a", "u9"}, {"tenant-b", "u1"}} {
		msgs, err := db.ListConversationMessages(ctx, owner[0], owner[1], conv)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		err = db.AppendMessage(ctx, owner[0], owner[1], &models.ConversationMessage{
			ConversationID: conv, Role: models.RoleUser, Content: "intruder", CreatedAt: time.Now().UTC(),
		})
		assert.ErrorIs(t, err, ErrConversationNotOwned)
	}

	msgs, err := db.ListConversationMessages(ctx, "tenant-b", "u9", conv)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "secret", msgs[0].Content)
}

func TestSafetyIncidentsAppendOnly(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tenant := "test-" + uuid.NewString()

	for i := 0; i < 2; i++ {
		inc := &models.SafetyIncident{TenantID: tenant, UserID: "u1", Pattern: "p", Origin: models.OriginBuiltin, Excerpt: "x", Blocked: true, OccurredAt: time.Now().UTC()}
		require.NoError(t, db.InsertSafetyIncident(ctx, inc))
		assert.NotZero(t, inc.ID)
	}
	list, err := db.ListSafetyIncidents(ctx, tenant, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
