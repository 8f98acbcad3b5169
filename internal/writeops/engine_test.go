package writeops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetgate/fleetgate/internal/confirm"
	"github.com/fleetgate/fleetgate/internal/quota"
	"github.com/fleetgate/fleetgate/pkg/contracts"
	"github.com/fleetgate/fleetgate/pkg/models"
)

// fakeDeviceManager records every upstream call and returns a canned result.
type fakeDeviceManager struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeDeviceManager) record(name string, ids []string, dryRun bool) (*models.DeviceResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &models.DeviceResult{Succeeded: len(ids), DryRun: dryRun}, nil
}

func (f *fakeDeviceManager) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDeviceManager) AddDevices(_ context.Context, ids []string, _ map[string]any, dryRun bool) (*models.DeviceResult, error) {
	return f.record("add", ids, dryRun)
}
func (f *fakeDeviceManager) UpdateTags(_ context.Context, ids []string, _ map[string]*string, dryRun bool) (*models.DeviceResult, error) {
	return f.record("update_tags", ids, dryRun)
}
func (f *fakeDeviceManager) BatchUpdateTags(_ context.Context, entries []contracts.TagBatchEntry, dryRun bool) (*models.DeviceResult, error) {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.DeviceID
	}
	return f.record("batch_tags", ids, dryRun)
}
func (f *fakeDeviceManager) AssignApplication(_ context.Context, ids []string, _ string, dryRun bool) (*models.DeviceResult, error) {
	return f.record("assign_app", ids, dryRun)
}
func (f *fakeDeviceManager) UnassignApplication(_ context.Context, ids []string, _ string, dryRun bool) (*models.DeviceResult, error) {
	return f.record("unassign_app", ids, dryRun)
}
func (f *fakeDeviceManager) ArchiveDevices(_ context.Context, ids []string, dryRun bool) (*models.DeviceResult, error) {
	return f.record("archive", ids, dryRun)
}
func (f *fakeDeviceManager) UnarchiveDevices(_ context.Context, ids []string, dryRun bool) (*models.DeviceResult, error) {
	return f.record("unarchive", ids, dryRun)
}
func (f *fakeDeviceManager) AssignSubscription(_ context.Context, ids []string, _ string, dryRun bool) (*models.DeviceResult, error) {
	return f.record("assign_sub", ids, dryRun)
}
func (f *fakeDeviceManager) UnassignSubscription(_ context.Context, ids []string, _ string, dryRun bool) (*models.DeviceResult, error) {
	return f.record("unassign_sub", ids, dryRun)
}

type fakeAudit struct {
	mu     sync.Mutex
	events []models.AuditEventType
}

func (f *fakeAudit) Log(_ context.Context, eventType models.AuditEventType, _, _ string, _ map[string]any) {
	f.mu.Lock()
	f.events = append(f.events, eventType)
	f.mu.Unlock()
}

func (f *fakeAudit) types() []models.AuditEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.AuditEventType, len(f.events))
	copy(out, f.events)
	return out
}

func testUC() models.UserContext {
	return models.UserContext{TenantID: "t1", UserID: "u1"}
}

func newTestEngine(dm *fakeDeviceManager, dailyLimit int) (*Engine, *fakeAudit) {
	audit := &fakeAudit{}
	e := NewEngine(dm, quota.NewMemoryTracker(dailyLimit), confirm.NewMemoryStore(time.Hour), audit, time.Hour)
	return e, audit
}

func devIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("dev-%02d", i)
	}
	return ids
}

func argsWithIDs(ids []string, extra map[string]any) map[string]any {
	args := map[string]any{"device_ids": ids}
	for k, v := range extra {
		args[k] = v
	}
	return args
}

func TestHandleToolCallExecutesLowRiskImmediately(t *testing.T) {
	dm := &fakeDeviceManager{}
	e, audit := newTestEngine(dm, 10)

	res, err := e.HandleToolCall(context.Background(), testUC(), "conv-1", models.ToolCall{
		ID:        "call-1",
		Name:      string(models.OpAddDevices),
		Arguments: argsWithIDs(devIDs(3), nil),
	})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if res.IsError || res.ConfirmationRequired {
		t.Fatalf("unexpected result: %+v", res)
	}
	dr, ok := res.Content.(*models.DeviceResult)
	if !ok || dr.Succeeded != 3 {
		t.Fatalf("content = %#v, want 3 succeeded", res.Content)
	}
	if res.RiskLevel != models.RiskLow {
		t.Fatalf("risk = %s, want LOW", res.RiskLevel)
	}

	got := audit.types()
	want := []models.AuditEventType{models.AuditOperationStart, models.AuditOperationSuccess}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("audit events = %v, want %v", got, want)
	}
}

func TestHandleToolCallParksHighRisk(t *testing.T) {
	dm := &fakeDeviceManager{}
	e, _ := newTestEngine(dm, 10)

	res, err := e.HandleToolCall(context.Background(), testUC(), "conv-1", models.ToolCall{
		ID:        "call-1",
		Name:      string(models.OpArchiveDevices),
		Arguments: argsWithIDs(devIDs(2), nil),
	})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if !res.ConfirmationRequired {
		t.Fatalf("expected confirmation_required, got %+v", res)
	}
	if res.OperationID == "" {
		t.Fatal("missing operation id")
	}
	if res.RiskLevel != models.RiskHigh {
		t.Fatalf("risk = %s, want HIGH", res.RiskLevel)
	}
	if !strings.Contains(res.Message, "archive") {
		t.Fatalf("message %q does not describe the operation", res.Message)
	}
	if dm.callCount() != 0 {
		t.Fatal("upstream called before confirmation")
	}
}

func TestExecuteUnconfirmedHighRiskFails(t *testing.T) {
	dm := &fakeDeviceManager{}
	e, _ := newTestEngine(dm, 10)
	uc := testUC()

	op, err := e.Prepare(context.Background(), uc, models.OpArchiveDevices, argsWithIDs(devIDs(2), nil))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := e.Execute(context.Background(), uc, op); err == nil {
		t.Fatal("unconfirmed HIGH operation executed")
	} else if !strings.Contains(err.Error(), "confirmation") {
		t.Fatalf("err = %v, want confirmation-required", err)
	}
	if dm.callCount() != 0 {
		t.Fatal("upstream called without confirmation")
	}
}

func TestHandleToolCallEscalatesBulkToConfirmation(t *testing.T) {
	dm := &fakeDeviceManager{}
	e, _ := newTestEngine(dm, 10)

	// 6 distinct devices crosses the bulk threshold: MEDIUM escalates to HIGH.
	res, err := e.HandleToolCall(context.Background(), testUC(), "conv-1", models.ToolCall{
		Name: string(models.OpUpdateDeviceTags),
		Arguments: argsWithIDs(devIDs(6), map[string]any{
			"tags": map[string]any{"env": "prod"},
		}),
	})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if !res.ConfirmationRequired || res.RiskLevel != models.RiskHigh {
		t.Fatalf("expected escalated HIGH confirmation, got %+v", res)
	}
}

func TestHandleToolCallRejectsOverCeiling(t *testing.T) {
	dm := &fakeDeviceManager{}
	e, _ := newTestEngine(dm, 10)

	// 30 distinct devices forces CRITICAL whose ceiling is 5.
	res, err := e.HandleToolCall(context.Background(), testUC(), "conv-1", models.ToolCall{
		Name:      string(models.OpArchiveDevices),
		Arguments: argsWithIDs(devIDs(30), nil),
	})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if !res.IsError || !res.Recoverable {
		t.Fatalf("expected recoverable error result, got %+v", res)
	}
	msg := fmt.Sprint(res.Content)
	if !strings.Contains(msg, "30") || !strings.Contains(msg, "5") {
		t.Fatalf("error %q missing count/limit", msg)
	}
	if dm.callCount() != 0 {
		t.Fatal("upstream called for rejected operation")
	}
}

func TestConfirmApprovedExecutesOnce(t *testing.T) {
	dm := &fakeDeviceManager{}
	e, audit := newTestEngine(dm, 10)
	uc := testUC()

	res, err := e.HandleToolCall(context.Background(), uc, "conv-1", models.ToolCall{
		ID:        "call-1",
		Name:      string(models.OpArchiveDevices),
		Arguments: argsWithIDs(devIDs(2), nil),
	})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}

	rec, result, err := e.Confirm(context.Background(), uc, "conv-1", res.OperationID, true)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if rec.OperationID != res.OperationID {
		t.Fatalf("record id = %s, want %s", rec.OperationID, res.OperationID)
	}
	if result.IsError {
		t.Fatalf("confirm result errored: %+v", result)
	}
	dr, ok := result.Content.(*models.DeviceResult)
	if !ok || dr.Succeeded != 2 {
		t.Fatalf("content = %#v, want 2 succeeded", result.Content)
	}
	if dm.callCount() != 1 {
		t.Fatalf("upstream calls = %d, want 1", dm.callCount())
	}

	// The confirmation is single-use.
	if _, _, err := e.Confirm(context.Background(), uc, "conv-1", res.OperationID, true); err == nil {
		t.Fatal("second confirm succeeded")
	}
	if dm.callCount() != 1 {
		t.Fatalf("upstream calls after replay = %d, want 1", dm.callCount())
	}

	got := audit.types()
	if len(got) != 2 || got[1] != models.AuditOperationSuccess {
		t.Fatalf("audit events = %v", got)
	}
}

func TestConfirmDeclinedSkipsUpstream(t *testing.T) {
	dm := &fakeDeviceManager{}
	e, _ := newTestEngine(dm, 10)
	uc := testUC()

	res, err := e.HandleToolCall(context.Background(), uc, "conv-1", models.ToolCall{
		Name:      string(models.OpArchiveDevices),
		Arguments: argsWithIDs(devIDs(2), nil),
	})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}

	_, result, err := e.Confirm(context.Background(), uc, "conv-1", res.OperationID, false)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if result.IsError {
		t.Fatalf("decline produced error result: %+v", result)
	}
	if dm.callCount() != 0 {
		t.Fatal("upstream called for declined operation")
	}
	// Declining consumed the record.
	if _, _, err := e.Confirm(context.Background(), uc, "conv-1", res.OperationID, true); err == nil {
		t.Fatal("confirm after decline succeeded")
	}
}

func TestConfirmRebuildsAfterRestart(t *testing.T) {
	dm := &fakeDeviceManager{}
	uc := testUC()
	audit := &fakeAudit{}
	confirmations := confirm.NewMemoryStore(time.Hour)
	tracker := quota.NewMemoryTracker(10)

	e1 := NewEngine(dm, tracker, confirmations, audit, time.Hour)
	res, err := e1.HandleToolCall(context.Background(), uc, "conv-1", models.ToolCall{
		ID:        "call-1",
		Name:      string(models.OpArchiveDevices),
		Arguments: argsWithIDs(devIDs(2), nil),
	})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}

	// A fresh engine over the same confirmation store stands in for the
	// process that restarted between parking and approval.
	e2 := NewEngine(dm, tracker, confirmations, audit, time.Hour)
	rec, result, err := e2.Confirm(context.Background(), uc, "conv-1", res.OperationID, true)
	if err != nil {
		t.Fatalf("Confirm after restart: %v", err)
	}
	if rec.OperationID != res.OperationID {
		t.Fatalf("record id = %s, want %s", rec.OperationID, res.OperationID)
	}
	if result.IsError {
		t.Fatalf("confirm result errored: %+v", result)
	}
	if result.OperationID != res.OperationID {
		t.Fatalf("result operation id = %s, want %s", result.OperationID, res.OperationID)
	}
	if dm.callCount() != 1 {
		t.Fatalf("upstream calls = %d, want 1", dm.callCount())
	}
}

func TestConfirmEmptyOperationIDTakesEarliest(t *testing.T) {
	dm := &fakeDeviceManager{}
	e, _ := newTestEngine(dm, 10)
	uc := testUC()

	first, err := e.HandleToolCall(context.Background(), uc, "conv-1", models.ToolCall{
		Name:      string(models.OpArchiveDevices),
		Arguments: argsWithIDs([]string{"dev-a"}, nil),
	})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if _, err := e.HandleToolCall(context.Background(), uc, "conv-1", models.ToolCall{
		Name:      string(models.OpArchiveDevices),
		Arguments: argsWithIDs([]string{"dev-b"}, nil),
	}); err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}

	rec, _, err := e.Confirm(context.Background(), uc, "conv-1", "", true)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if rec.OperationID != first.OperationID {
		t.Fatalf("consumed %s, want earliest %s", rec.OperationID, first.OperationID)
	}
}

func TestExecuteConsumesQuota(t *testing.T) {
	dm := &fakeDeviceManager{}
	e, _ := newTestEngine(dm, 2)
	uc := testUC()

	for i := 0; i < 2; i++ {
		res, err := e.HandleToolCall(context.Background(), uc, "conv-1", models.ToolCall{
			Name:      string(models.OpAddDevices),
			Arguments: argsWithIDs(devIDs(1), nil),
		})
		if err != nil || res.IsError {
			t.Fatalf("call %d failed: err=%v res=%+v", i, err, res)
		}
	}

	res, err := e.HandleToolCall(context.Background(), uc, "conv-1", models.ToolCall{
		Name:      string(models.OpAddDevices),
		Arguments: argsWithIDs(devIDs(1), nil),
	})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if !res.IsError || !res.Recoverable {
		t.Fatalf("expected quota rejection, got %+v", res)
	}
	if !strings.Contains(fmt.Sprint(res.Content), "quota resets") {
		t.Fatalf("error %q missing reset hint", res.Content)
	}
	if dm.callCount() != 2 {
		t.Fatalf("upstream calls = %d, want 2", dm.callCount())
	}
}

func TestDryRunSkipsQuota(t *testing.T) {
	dm := &fakeDeviceManager{}
	e, _ := newTestEngine(dm, 1)
	uc := testUC()

	for i := 0; i < 3; i++ {
		res, err := e.HandleToolCall(context.Background(), uc, "conv-1", models.ToolCall{
			Name:      string(models.OpAddDevices),
			Arguments: argsWithIDs(devIDs(1), map[string]any{"dry_run": true}),
		})
		if err != nil || res.IsError {
			t.Fatalf("dry run %d failed: err=%v res=%+v", i, err, res)
		}
		dr := res.Content.(*models.DeviceResult)
		if !dr.DryRun {
			t.Fatal("result not marked dry run")
		}
	}
}

func TestUpstreamFailureIsNotRecoverable(t *testing.T) {
	dm := &fakeDeviceManager{err: errors.New("upstream unavailable")}
	e, audit := newTestEngine(dm, 10)

	res, err := e.HandleToolCall(context.Background(), testUC(), "conv-1", models.ToolCall{
		Name:      string(models.OpAddDevices),
		Arguments: argsWithIDs(devIDs(1), nil),
	})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if !res.IsError || res.Recoverable {
		t.Fatalf("expected non-recoverable error result, got %+v", res)
	}

	got := audit.types()
	if len(got) != 2 || got[1] != models.AuditOperationFailed {
		t.Fatalf("audit events = %v", got)
	}
}

func TestHandleToolCallRejectsBadArguments(t *testing.T) {
	e, _ := newTestEngine(&fakeDeviceManager{}, 10)

	cases := []struct {
		name string
		call models.ToolCall
	}{
		{"empty device ids", models.ToolCall{
			Name:      string(models.OpArchiveDevices),
			Arguments: map[string]any{"device_ids": []string{}},
		}},
		{"missing tags", models.ToolCall{
			Name:      string(models.OpUpdateDeviceTags),
			Arguments: argsWithIDs(devIDs(1), nil),
		}},
		{"missing application id", models.ToolCall{
			Name:      string(models.OpAssignApplication),
			Arguments: argsWithIDs(devIDs(1), nil),
		}},
		{"missing subscription id", models.ToolCall{
			Name:      string(models.OpUnassignSubscription),
			Arguments: argsWithIDs(devIDs(1), nil),
		}},
		{"unknown operation", models.ToolCall{
			Name:      "explode_devices",
			Arguments: argsWithIDs(devIDs(1), nil),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := e.HandleToolCall(context.Background(), testUC(), "conv-1", tc.call)
			if err != nil {
				t.Fatalf("HandleToolCall: %v", err)
			}
			if !res.IsError || !res.Recoverable {
				t.Fatalf("expected recoverable error, got %+v", res)
			}
		})
	}
}

func TestDuplicateDeviceIDsDoNotEscalate(t *testing.T) {
	dm := &fakeDeviceManager{}
	e, _ := newTestEngine(dm, 10)

	// 12 raw ids but only 3 distinct: stays below the bulk threshold.
	raw := []string{"a", "b", "c", "a", "b", "c", "a", "b", "c", "a", "b", "c"}
	res, err := e.HandleToolCall(context.Background(), testUC(), "conv-1", models.ToolCall{
		Name: string(models.OpUpdateDeviceTags),
		Arguments: argsWithIDs(raw, map[string]any{
			"tags": map[string]any{"env": "prod"},
		}),
	})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if res.IsError || res.ConfirmationRequired {
		t.Fatalf("deduplicated MEDIUM operation should execute, got %+v", res)
	}
	if res.RiskLevel != models.RiskMedium {
		t.Fatalf("risk = %s, want MEDIUM", res.RiskLevel)
	}
}

func TestReleaseConversationDropsParkedOperations(t *testing.T) {
	dm := &fakeDeviceManager{}
	e, _ := newTestEngine(dm, 10)
	uc := testUC()

	res, err := e.HandleToolCall(context.Background(), uc, "conv-1", models.ToolCall{
		Name:      string(models.OpArchiveDevices),
		Arguments: argsWithIDs(devIDs(2), nil),
	})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	other, err := e.HandleToolCall(context.Background(), uc, "conv-2", models.ToolCall{
		Name:      string(models.OpArchiveDevices),
		Arguments: argsWithIDs(devIDs(3), nil),
	})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if e.Operation(res.OperationID) == nil {
		t.Fatal("parked operation missing before release")
	}

	if n := e.ReleaseConversation("conv-1"); n != 1 {
		t.Fatalf("released %d operations, want 1", n)
	}
	if e.Operation(res.OperationID) != nil {
		t.Fatal("released operation still registered")
	}
	if e.Operation(other.OperationID) == nil {
		t.Fatal("release touched another conversation's operation")
	}
}

func TestParkedOperationExpiresWithTTL(t *testing.T) {
	dm := &fakeDeviceManager{}
	e, _ := newTestEngine(dm, 10)
	uc := testUC()
	base := time.Now().UTC()
	e.now = func() time.Time { return base }

	res, err := e.HandleToolCall(context.Background(), uc, "conv-1", models.ToolCall{
		Name:      string(models.OpArchiveDevices),
		Arguments: argsWithIDs(devIDs(2), nil),
	})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if !res.ConfirmationRequired {
		t.Fatalf("expected confirmation, got %+v", res)
	}
	if e.Operation(res.OperationID) == nil {
		t.Fatal("parked operation missing before expiry")
	}

	e.now = func() time.Time { return base.Add(2 * time.Hour) }
	if e.Operation(res.OperationID) != nil {
		t.Fatal("expired operation still registered")
	}

	// The next prepare sweeps lapsed entries out of the map entirely.
	if _, err := e.Prepare(context.Background(), uc, models.OpAddDevices, argsWithIDs(devIDs(1), nil)); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	e.mu.Lock()
	_, still := e.ops[res.OperationID]
	e.mu.Unlock()
	if still {
		t.Fatal("lapsed entry survived the sweep")
	}
}

func TestExecuteReturnsCachedResultOnReplay(t *testing.T) {
	dm := &fakeDeviceManager{}
	e, _ := newTestEngine(dm, 10)
	uc := testUC()

	op, err := e.Prepare(context.Background(), uc, models.OpAddDevices, argsWithIDs(devIDs(2), nil))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	first, err := e.Execute(context.Background(), uc, op)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	second, err := e.Execute(context.Background(), uc, op)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if dm.callCount() != 1 {
		t.Fatalf("upstream calls = %d, want 1", dm.callCount())
	}
	if second != first {
		t.Fatalf("replay returned %+v, want the recorded %+v", second, first)
	}
}

func TestExecuteWhileResultPendingErrors(t *testing.T) {
	dm := &fakeDeviceManager{}
	e, _ := newTestEngine(dm, 10)
	uc := testUC()

	op, err := e.Prepare(context.Background(), uc, models.OpAddDevices, argsWithIDs(devIDs(2), nil))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	// Another goroutine has claimed the slot but upstream has not answered.
	e.mu.Lock()
	op.Executed = true
	e.mu.Unlock()

	if _, err := e.Execute(context.Background(), uc, op); err == nil || !strings.Contains(err.Error(), "still executing") {
		t.Fatalf("err = %v, want still-executing", err)
	}
	if dm.callCount() != 0 {
		t.Fatal("upstream called while the first execution is in flight")
	}
}
