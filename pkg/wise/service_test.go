package wise

import (
	"context"
	"testing"
	"time"

	"github.com/steward-ai/steward/pkg/auth"
	"github.com/steward-ai/steward/pkg/bus"
	"github.com/steward-ai/steward/pkg/database"
	"github.com/steward-ai/steward/pkg/models"
	"github.com/steward-ai/steward/pkg/registry"
	"github.com/steward-ai/steward/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *Service
	tasks *tasks.Store
	auth  *auth.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	client, err := database.NewClient(context.Background(), database.Config{
		Path:         dir + "/steward.db",
		BusyTimeout:  time.Second,
		MaxOpenConns: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	authSvc, err := auth.NewService(auth.NewCertStore(client), dir+"/keys", client)
	require.NoError(t, err)
	taskStore := tasks.NewStore(client)
	return &fixture{svc: NewService(authSvc, taskStore), tasks: taskStore, auth: authSvc}
}

func (f *fixture) insertWA(t *testing.T, role models.WARole, active bool) string {
	t.Helper()
	waID, err := auth.MintWAID(time.Now())
	require.NoError(t, err)
	pubB64, _, err := auth.GenerateKeypair()
	require.NoError(t, err)
	require.NoError(t, f.auth.Store().Insert(context.Background(), models.WACertificate{
		WAID:      waID,
		Name:      string(role),
		Role:      role,
		PubkeyB64: pubB64,
		JWTKid:    "kid-" + waID,
		CreatedAt: time.Now().UTC(),
		Active:    active,
	}))
	return waID
}

func TestCheckAuthorization_ByRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.insertWA(t, models.WARoleRoot, true)
	authority := f.insertWA(t, models.WARoleAuthority, true)
	observer := f.insertWA(t, models.WARoleObserver, true)
	inactive := f.insertWA(t, models.WARoleRoot, false)

	assert.True(t, f.svc.CheckAuthorization(ctx, root, "mint_wa"))
	assert.True(t, f.svc.CheckAuthorization(ctx, root, "anything_at_all"))

	assert.True(t, f.svc.CheckAuthorization(ctx, authority, "system.shutdown"))
	assert.False(t, f.svc.CheckAuthorization(ctx, authority, "mint_wa"))
	assert.False(t, f.svc.CheckAuthorization(ctx, authority, "bootstrap_root"))

	assert.True(t, f.svc.CheckAuthorization(ctx, observer, "read"))
	assert.True(t, f.svc.CheckAuthorization(ctx, observer, "get_status"))
	assert.False(t, f.svc.CheckAuthorization(ctx, observer, "system.shutdown"))

	assert.False(t, f.svc.CheckAuthorization(ctx, inactive, "read"),
		"inactive WAs are rejected regardless of role")
	assert.False(t, f.svc.CheckAuthorization(ctx, "wa-2026-01-01-FFFFFF", "read"))
}

func TestSendDeferral_EmbedsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tasks.Create(ctx, models.Task{TaskID: "task_alpha_1", Priority: 8}))

	deferUntil := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)
	deferralID, err := f.svc.SendDeferral(ctx, models.DeferralRequest{
		TaskID:     "task_alpha_1",
		ThoughtID:  "th-1",
		Reason:     "needs human judgment",
		DeferUntil: deferUntil,
	})
	require.NoError(t, err)
	assert.Regexp(t, `^defer_task_alpha_1_\d+$`, deferralID)

	task, err := f.tasks.Get(ctx, "task_alpha_1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDeferred, task.Status)

	record, _, err := extractDeferral(task.ContextJSON)
	require.NoError(t, err)
	assert.Equal(t, deferralID, record.DeferralID)
	assert.Equal(t, "needs human judgment", record.Reason)

	// Missing task raises.
	_, err = f.svc.SendDeferral(ctx, models.DeferralRequest{TaskID: "absent", Reason: "r"})
	require.ErrorIs(t, err, tasks.ErrNotFound)
}

func TestGetPendingDeferrals_PriorityBuckets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, tc := range []struct {
		id       string
		priority int
	}{
		{"task-low", 1}, {"task-medium", 5}, {"task-high", 9},
	} {
		require.NoError(t, f.tasks.Create(ctx, models.Task{TaskID: tc.id, Priority: tc.priority}))
		_, err := f.svc.SendDeferral(ctx, models.DeferralRequest{
			TaskID: tc.id, Reason: "review", DeferUntil: time.Now().Add(time.Hour),
		})
		require.NoError(t, err)
	}

	pending, err := f.svc.GetPendingDeferrals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	byTask := map[string]models.DeferralPriority{}
	for _, p := range pending {
		byTask[p.TaskID] = p.Priority
		assert.True(t, p.RequiresWA)
	}
	assert.Equal(t, models.DeferralPriorityLow, byTask["task-low"])
	assert.Equal(t, models.DeferralPriorityMedium, byTask["task-medium"])
	assert.Equal(t, models.DeferralPriorityHigh, byTask["task-high"])
}

func TestResolveDeferral_ApprovalAttachesGuidance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resolver := f.insertWA(t, models.WARoleAuthority, true)

	require.NoError(t, f.tasks.Create(ctx, models.Task{TaskID: "task_with_underscores_1"}))
	deferralID, err := f.svc.SendDeferral(ctx, models.DeferralRequest{
		TaskID: "task_with_underscores_1", Reason: "check", DeferUntil: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	ok, err := f.svc.ResolveDeferral(ctx, deferralID, models.DeferralResolution{
		Approved:   true,
		Reason:     "proceed during the maintenance window",
		ResolvedBy: resolver,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := f.tasks.Get(ctx, "task_with_underscores_1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status, "resolution returns the task to pending")

	guidance, err := f.svc.FetchGuidance(ctx, models.GuidanceRequest{TaskID: "task_with_underscores_1"})
	require.NoError(t, err)
	assert.Equal(t, "proceed during the maintenance window", guidance.Guidance)
	assert.Equal(t, resolver, guidance.WAID)

	// Unknown deferral ids resolve nothing.
	_, err = f.svc.ResolveDeferral(ctx, "defer_ghost_123", models.DeferralResolution{ResolvedBy: resolver})
	require.ErrorIs(t, err, ErrDeferralNotFound)
}

func TestResolveDeferral_RejectionAddsNoGuidance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tasks.Create(ctx, models.Task{TaskID: "task-1"}))
	deferralID, err := f.svc.SendDeferral(ctx, models.DeferralRequest{
		TaskID: "task-1", Reason: "check", DeferUntil: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	ok, err := f.svc.ResolveDeferral(ctx, deferralID, models.DeferralResolution{
		Approved: false, Reason: "too risky", ResolvedBy: "wa-x",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	guidance, err := f.svc.FetchGuidance(ctx, models.GuidanceRequest{TaskID: "task-1"})
	require.NoError(t, err)
	assert.Empty(t, guidance.Guidance, "rejections never become guidance")
}

func TestRequestApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	authority := f.insertWA(t, models.WARoleAuthority, true)
	observer := f.insertWA(t, models.WARoleObserver, true)

	approved, err := f.svc.RequestApproval(ctx, authority, "system.shutdown", nil)
	require.NoError(t, err)
	assert.True(t, approved, "authorized requesters are auto-approved")

	require.NoError(t, f.tasks.Create(ctx, models.Task{TaskID: "task-1"}))
	approved, err = f.svc.RequestApproval(ctx, observer, "system.shutdown",
		map[string]string{"task_id": "task-1"})
	require.NoError(t, err)
	assert.False(t, approved)

	task, err := f.tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDeferred, task.Status, "unauthorized requests defer the task")
}

// TestService_ReachableThroughWiseBus registers the service the way the
// daemon does and drives it end to end through the wise bus.
func TestService_ReachableThroughWiseBus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resolver := f.insertWA(t, models.WARoleAuthority, true)

	reg := registry.NewRegistry()
	_, err := reg.Register(models.ServiceTypeWiseAuthority, f.svc, registry.RegisterOptions{
		Priority: models.PriorityCritical,
		Capabilities: []string{
			bus.CapabilitySendDeferral,
			bus.CapabilityFetchGuidance,
		},
	})
	require.NoError(t, err)
	wiseBus := bus.NewWiseBus(reg)

	require.NoError(t, f.tasks.Create(ctx, models.Task{TaskID: "task-bus-1"}))
	ok, err := wiseBus.SendDeferral(ctx, bus.DeferralContext{
		TaskID: "task-bus-1", Reason: "needs human judgment",
	}, "TestHandler")
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := f.tasks.Get(ctx, "task-bus-1")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusDeferred, task.Status)

	record, _, err := extractDeferral(task.ContextJSON)
	require.NoError(t, err)
	ok, err = f.svc.ResolveDeferral(ctx, record.DeferralID, models.DeferralResolution{
		Approved: true, Reason: "go ahead", ResolvedBy: resolver,
	})
	require.NoError(t, err)
	require.True(t, ok)

	resp, err := wiseBus.FetchGuidance(ctx, models.GuidanceRequest{TaskID: "task-bus-1"}, "TestHandler")
	require.NoError(t, err)
	assert.Equal(t, "go ahead", resp.Guidance)
	assert.Equal(t, resolver, resp.WAID)
}

func TestParseDeferralID(t *testing.T) {
	taskID, ok := parseDeferralID("defer_task_alpha_1_1756000000000")
	assert.True(t, ok)
	assert.Equal(t, "task_alpha_1", taskID)

	_, ok = parseDeferralID("not_a_deferral")
	assert.False(t, ok)
}
