package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmunoz/wagent/pkg/crypto"
	"github.com/hmunoz/wagent/pkg/llm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	encoded, err := crypto.GenerateKey()
	require.NoError(t, err)
	cipher, err := crypto.NewFromBase64(encoded)
	require.NoError(t, err)

	s, err := Open(ctx, filepath.Join(t.TempDir(), "wagent.db"), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestContextRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	turns := []llm.Message{
		{Role: llm.RoleUser, Content: "hola, cuéntame del producto"},
		{Role: llm.RoleAssistant, Content: "claro, te cuento"},
	}

	require.NoError(t, s.AppendContext(ctx, "+521234", turns))

	got, err := s.LoadLastContext(ctx, "+521234")
	require.NoError(t, err)
	assert.Equal(t, turns, got)

	// Later snapshot wins.
	turns = append(turns, llm.Message{Role: llm.RoleUser, Content: "¿precio?"})
	require.NoError(t, s.AppendContext(ctx, "+521234", turns))

	got, err = s.LoadLastContext(ctx, "+521234")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestLoadLastContextMissingChat(t *testing.T) {
	s := newTestStore(t)
	got, err := s.LoadLastContext(context.Background(), "nadie")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadLastContextCorruptedSnapshotIsEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Simulate a snapshot written with a rotated-away key.
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO contexts (chat_id, payload, created_at) VALUES (?, ?, ?)",
		"+55", crypto.MagicPrefix+"Y29ycnVwdA==", time.Now())
	require.NoError(t, err)

	got, err := s.LoadLastContext(ctx, "+55")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSnapshotEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AppendContext(ctx, "+1", []llm.Message{{Role: llm.RoleUser, Content: "secreto"}}))

	var payload string
	require.NoError(t, s.db.GetContext(ctx, &payload, "SELECT payload FROM contexts LIMIT 1"))
	assert.True(t, crypto.IsEncrypted(payload))
	assert.NotContains(t, payload, "secreto")
}

func TestProfileUpsertPartial(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertProfile(ctx, "+1", ProfileUpdate{
		Objective: strPtr("agendar demo"),
	}))
	require.NoError(t, s.UpsertProfile(ctx, "+1", ProfileUpdate{
		IsReady: boolPtr(true),
	}))

	p, err := s.GetProfile(ctx, "+1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "agendar demo", p.Objective)
	assert.True(t, p.IsReady)
	assert.Empty(t, p.Instructions)
}

func TestIsReadyToReply(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ready, err := s.IsReadyToReply(ctx, "+1")
	require.NoError(t, err)
	assert.False(t, ready, "no contact, no profile")

	require.NoError(t, s.AddOrUpdateContact(ctx, "+1", strPtr("Ana"), boolPtr(true)))
	ready, err = s.IsReadyToReply(ctx, "+1")
	require.NoError(t, err)
	assert.False(t, ready, "contact without ready profile")

	require.NoError(t, s.UpsertProfile(ctx, "+1", ProfileUpdate{IsReady: boolPtr(true)}))
	ready, err = s.IsReadyToReply(ctx, "+1")
	require.NoError(t, err)
	assert.True(t, ready)

	// Disabling the contact wins over the ready profile.
	require.NoError(t, s.AddOrUpdateContact(ctx, "+1", nil, boolPtr(false)))
	ready, err = s.IsReadyToReply(ctx, "+1")
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestReplyCounter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	n, err := s.IncrementReplyCounter(ctx, "+1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.IncrementReplyCounter(ctx, "+1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.ResetReplyCounter(ctx, "+1"))
	n, err = s.IncrementReplyCounter(ctx, "+1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStampLastReply(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	stamp := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.StampLastReply(ctx, "+1", stamp))

	c, err := s.GetCounter(ctx, "+1")
	require.NoError(t, err)
	require.True(t, c.LastReplyAt.Valid)
	assert.WithinDuration(t, stamp, c.LastReplyAt.Time, time.Second)
}

func TestRecordReplyAtomicEffects(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	stamp := time.Now().UTC().Truncate(time.Second)
	turns := []llm.Message{
		{Role: llm.RoleUser, Content: "hola"},
		{Role: llm.RoleAssistant, Content: "¡hola! qué gusto"},
	}

	n, err := s.RecordReply(ctx, "+521234", turns, stamp)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.LoadLastContext(ctx, "+521234")
	require.NoError(t, err)
	assert.Equal(t, turns, got)

	c, err := s.GetCounter(ctx, "+521234")
	require.NoError(t, err)
	assert.Equal(t, 1, c.AssistantReplies)
	require.True(t, c.LastReplyAt.Valid)
	assert.WithinDuration(t, stamp, c.LastReplyAt.Time, time.Second)

	later := stamp.Add(time.Minute)
	n, err = s.RecordReply(ctx, "+521234", append(turns, llm.Message{Role: llm.RoleAssistant, Content: "sigo aquí"}), later)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c, err = s.GetCounter(ctx, "+521234")
	require.NoError(t, err)
	assert.Equal(t, 2, c.AssistantReplies)
	assert.WithinDuration(t, later, c.LastReplyAt.Time, time.Second)
}

func TestStrategyVersionsDenseAndSingleActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v1, err := s.ActivateNewStrategy(ctx, "+1", "preguntar necesidades", `{"turns":5}`)
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	v2, err := s.ActivateNewStrategy(ctx, "+1", "preguntar por presupuesto", `{"turns":10}`)
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	v3, err := s.ActivateNewStrategy(ctx, "+1", "proponer demo", `{"turns":15}`)
	require.NoError(t, err)
	assert.Equal(t, 3, v3)

	all, err := s.ListStrategies(ctx, "+1")
	require.NoError(t, err)
	require.Len(t, all, 3)

	activeCount := 0
	for i, st := range all {
		assert.Equal(t, i+1, st.Version, "versions are dense and 1-based")
		if st.IsActive {
			activeCount++
			assert.Equal(t, 3, st.Version)
		}
	}
	assert.Equal(t, 1, activeCount, "exactly one active strategy")

	active, err := s.GetActiveStrategy(ctx, "+1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "proponer demo", active.StrategyText)

	c, err := s.GetCounter(ctx, "+1")
	require.NoError(t, err)
	assert.Equal(t, 3, c.StrategyVersion)
	assert.True(t, c.LastReasonedAt.Valid)
}

func TestGetActiveStrategyNone(t *testing.T) {
	s := newTestStore(t)
	st, err := s.GetActiveStrategy(context.Background(), "+1")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestModelConfigsAndRulesOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertModelConfig(ctx, "principal", "anthropic", `{}`, true))
	require.NoError(t, s.UpsertModelConfig(ctx, "razonador", "openai", `{}`, true))
	require.NoError(t, s.UpsertModelConfig(ctx, "principal", "anthropic", `{"temperature":0.8}`, true))

	configs, err := s.ListModelConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "principal", configs[0].Name, "upsert keeps insertion order")
	assert.Equal(t, `{"temperature":0.8}`, configs[0].Config)

	require.NoError(t, s.AddRule(ctx, "cada 5 razonar", 5, "razonador", true))
	require.NoError(t, s.AddRule(ctx, "resto principal", 1, "principal", true))

	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "cada 5 razonar", rules[0].Name)
	assert.Equal(t, 5, rules[0].EveryNMessages)
}

func TestDailyAndUserContexts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetDailyContext(ctx, "2026-08-24", "hoy hay promoción", "manual"))
	require.NoError(t, s.SetDailyContext(ctx, "2026-08-24", "promoción extendida", "manual"))

	dc, err := s.GetDailyContext(ctx, "2026-08-24")
	require.NoError(t, err)
	require.NotNil(t, dc)
	assert.Equal(t, "promoción extendida", dc.Text)

	missing, err := s.GetDailyContext(ctx, "2026-08-25")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.AddUserContext(ctx, "+1", "prefiere tardes", "reasoner"))
	require.NoError(t, s.AddUserContext(ctx, "+1", "usa iPhone", "manual"))
	require.NoError(t, s.AddUserContext(ctx, "+1", "prefiere tardes", "manual"))

	notes, err := s.ListUserContexts(ctx, "+1")
	require.NoError(t, err)
	require.Len(t, notes, 2, "deduplicated by text")
	assert.Equal(t, "prefiere tardes", notes[0].Text)
	assert.Equal(t, "usa iPhone", notes[1].Text)
}
