package sequence

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/agents"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/config"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/db"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/decompose"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/engine"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/state"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/workflow"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/workspace"
)

const testContract = `id: code-implement
description: implement and verify a code change
timeouts:
  run_sec: 1800
retry:
  max_attempts: 2
`

func testRunner(t *testing.T) (*Runner, string, *db.DB) {
	t.Helper()
	root := t.TempDir()
	if err := workspace.Ensure(root); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	writeSkill(t, root, "code-implement", testContract)

	store, err := db.Open(workspace.DBPath(root))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	settings := config.Default()
	svc, err := workflow.New(root, &settings, testRegistry(), store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return New(root, &settings, svc, store), root, store
}

func testRegistry() *agents.Registry {
	return &agents.Registry{
		Version:      2,
		RoleStrategy: "auto",
		Agents: []agents.Profile{
			{ID: "windsurf", Driver: agents.DriverFile, Capabilities: []string{"implementation"}, Reliability: 0.9, QueueHealth: 0.9, Cost: 0.5},
			{ID: "codex", Driver: agents.DriverFile, Capabilities: []string{"review"}, Reliability: 0.9, QueueHealth: 0.9, Cost: 0.5},
		},
	}
}

func writeSkill(t *testing.T, root, id, body string) {
	t.Helper()
	dir := filepath.Join(root, "skills", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir skill: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "contract.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write contract: %v", err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func subMap(id, desc string, deps ...string) map[string]any {
	m := map[string]any{"id": id, "description": desc}
	if len(deps) > 0 {
		ds := make([]any, len(deps))
		for i, d := range deps {
			ds[i] = d
		}
		m["deps"] = ds
	}
	return m
}

func planMap(subs ...map[string]any) map[string]any {
	list := make([]any, len(subs))
	for i, s := range subs {
		list[i] = s
	}
	return map[string]any{"sub_tasks": list, "reasoning": "split by layer"}
}

func builderDone(summary string, files ...string) map[string]any {
	fs := make([]any, len(files))
	for i, f := range files {
		fs[i] = f
	}
	return map[string]any{"status": "completed", "summary": summary, "changed_files": fs}
}

func approve() map[string]any {
	return map[string]any{"decision": "approve", "summary": "verified"}
}

// beginAndPlan starts a sequence and feeds it a plan, returning the
// parent id and the first child suspension.
func beginAndPlan(t *testing.T, r *Runner, plan map[string]any) (string, *Outcome) {
	t.Helper()
	out, err := r.Begin(BeginRequest{Requirement: "ship the billing feature", RetryBudget: -1})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	parent := out.State.ParentID
	out, err = r.Resume(parent, plan)
	if err != nil {
		t.Fatalf("accept plan: %v", err)
	}
	return parent, out
}

func TestBeginStagesDecomposePrompt(t *testing.T) {
	r, root, store := testRunner(t)

	out, err := r.Begin(BeginRequest{Requirement: "ship the billing feature", RetryBudget: -1})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if out.Step != nil || out.Rollup != nil {
		t.Fatalf("outcome = %+v, want plain decompose wait", out)
	}
	st := out.State
	if st.Phase != PhaseDecompose {
		t.Errorf("phase = %q, want decompose", st.Phase)
	}
	if st.DefaultSkill != "code-implement" {
		t.Errorf("default skill = %q", st.DefaultSkill)
	}

	inbox := readFile(t, workspace.InboxPath(root, "decompose"))
	for _, want := range []string{"ship the billing feature", "## Available Skills", "- code-implement"} {
		if !strings.Contains(inbox, want) {
			t.Errorf("decompose inbox missing %q", want)
		}
	}
	brief := readFile(t, workspace.TaskBriefPath(root))
	if !strings.Contains(brief, filepath.Join(".orchestra", "outbox", "decompose.json")) {
		t.Errorf("task brief does not point at the decompose outbox:\n%s", brief)
	}
	dash := readFile(t, workspace.DashboardPath(root))
	if !strings.Contains(dash, "Waiting for the requirement to be split") {
		t.Errorf("dashboard = %q", dash)
	}

	cp, err := store.LoadCheckpoint(st.ParentID)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.Kind != db.KindSequence || !cp.Pending || cp.WaitRole != "decompose" {
		t.Errorf("checkpoint = kind %q pending %v role %q", cp.Kind, cp.Pending, cp.WaitRole)
	}
	holder, err := store.ActiveRun()
	if err != nil {
		t.Fatal(err)
	}
	if holder != st.ParentID {
		t.Errorf("active = %q, want %q", holder, st.ParentID)
	}
}

func TestBeginValidation(t *testing.T) {
	r, _, store := testRunner(t)

	if _, err := r.Begin(BeginRequest{Requirement: "   "}); err == nil {
		t.Error("empty requirement accepted")
	}
	if _, err := r.Begin(BeginRequest{Requirement: "do things", SkillID: "ghost"}); err == nil ||
		!strings.Contains(err.Error(), "skill contract not found") {
		t.Errorf("unknown skill error = %v", err)
	}
	holder, err := store.ActiveRun()
	if err != nil {
		t.Fatal(err)
	}
	if holder != "" {
		t.Errorf("slot held by %q after refused begins", holder)
	}
}

func TestBeginRefusesSecondSequence(t *testing.T) {
	r, _, _ := testRunner(t)

	out, err := r.Begin(BeginRequest{Requirement: "first requirement", RetryBudget: -1})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := r.Begin(BeginRequest{Requirement: "second requirement", RetryBudget: -1}); !errors.Is(err, db.ErrRunActive) {
		t.Errorf("second begin = %v, want ErrRunActive", err)
	}
	if _, err := r.Begin(BeginRequest{ParentID: out.State.ParentID, Requirement: "first requirement", RetryBudget: -1}); err == nil ||
		!strings.Contains(err.Error(), "not finished") {
		t.Errorf("same-id begin = %v", err)
	}
}

func TestPlanToFirstChild(t *testing.T) {
	r, root, store := testRunner(t)

	parent, out := beginAndPlan(t, r, planMap(
		subMap("schema", "add the billing tables"),
		subMap("api", "expose the billing endpoints", "schema"),
	))
	if out.Step == nil || out.Step.Kind != engine.StepSuspended || out.Step.Node != "build" {
		t.Fatalf("outcome = %+v, want build suspension", out)
	}
	wantChild := decompose.SubRunID(parent, "schema")
	if out.Step.Run.RunID != wantChild {
		t.Errorf("child = %q, want %q", out.Step.Run.RunID, wantChild)
	}
	if out.State.Phase != PhaseRun || out.State.Index != 0 || out.State.CurrentRunID != wantChild {
		t.Errorf("state = %+v", out.State)
	}

	inbox := readFile(t, workspace.InboxPath(root, "builder"))
	if !strings.Contains(inbox, "add the billing tables") {
		t.Errorf("builder inbox missing subtask description:\n%s", inbox)
	}

	// The parent checkpoint mirrors the child's wait so status and done
	// need only one row.
	cp, err := store.LoadCheckpoint(parent)
	if err != nil {
		t.Fatal(err)
	}
	if cp.WaitRole != "builder" || cp.WaitActor != "windsurf" || !cp.Pending {
		t.Errorf("mirrored wait = %q/%q pending %v", cp.WaitRole, cp.WaitActor, cp.Pending)
	}
	if cp.InboxPath != filepath.Join(".orchestra", "inbox", "builder.md") {
		t.Errorf("mirrored inbox = %q", cp.InboxPath)
	}
}

func TestFullSequenceApproved(t *testing.T) {
	r, root, store := testRunner(t)

	parent, out := beginAndPlan(t, r, planMap(
		subMap("schema", "add the billing tables"),
		subMap("api", "expose the billing endpoints", "schema"),
	))

	if _, err := r.Resume(parent, builderDone("added the billing tables", "db/migrate.sql")); err != nil {
		t.Fatalf("builder a: %v", err)
	}
	out, err := r.Resume(parent, approve())
	if err != nil {
		t.Fatalf("approve a: %v", err)
	}
	if out.Step == nil || out.Step.Run.RunID != decompose.SubRunID(parent, "api") {
		t.Fatalf("expected second child suspension, got %+v", out)
	}
	if out.State.Index != 1 {
		t.Errorf("index = %d, want 1", out.State.Index)
	}

	inbox := readFile(t, workspace.InboxPath(root, "builder"))
	for _, want := range []string{
		"## Context from Earlier Subtasks",
		"- schema: added the billing tables",
		"changed files: db/migrate.sql",
	} {
		if !strings.Contains(inbox, want) {
			t.Errorf("second child inbox missing %q", want)
		}
	}

	if _, err := r.Resume(parent, builderDone("wired the endpoints", "api/billing.go", "db/migrate.sql")); err != nil {
		t.Fatalf("builder b: %v", err)
	}
	out, err = r.Resume(parent, approve())
	if err != nil {
		t.Fatalf("approve b: %v", err)
	}
	if out.Rollup == nil {
		t.Fatalf("expected rollup, got %+v", out)
	}

	roll := out.Rollup
	if roll.Total != 2 || roll.Completed != 2 || len(roll.Failed) != 0 {
		t.Errorf("rollup = %+v", roll)
	}
	if roll.FinalStatus != "approved" {
		t.Errorf("final = %q", roll.FinalStatus)
	}
	wantFiles := []string{"api/billing.go", "db/migrate.sql"}
	if !reflect.DeepEqual(roll.ChangedFiles, wantFiles) {
		t.Errorf("changed files = %v, want %v", roll.ChangedFiles, wantFiles)
	}
	if !strings.Contains(roll.Summary, "- schema: added the billing tables") ||
		!strings.Contains(roll.Summary, "- api: wired the endpoints") {
		t.Errorf("summary = %q", roll.Summary)
	}

	if !out.State.Terminal() || out.State.FinalStatus != "approved" {
		t.Errorf("state = %+v, want terminal approved", out.State)
	}
	holder, err := store.ActiveRun()
	if err != nil {
		t.Fatal(err)
	}
	if holder != "" {
		t.Errorf("slot still held by %q", holder)
	}
	archived := readFile(t, filepath.Join(workspace.HistoryDir(root), parent+".json"))
	if !strings.Contains(archived, "all_changed_files") {
		t.Errorf("archive missing rollup fields:\n%s", archived)
	}
	dash := readFile(t, workspace.DashboardPath(root))
	if !strings.Contains(dash, "All 2 subtasks approved.") {
		t.Errorf("dashboard = %q", dash)
	}

	if _, err := r.Resume(parent, approve()); !errors.Is(err, engine.ErrAlreadyFinished) {
		t.Errorf("resume after finish = %v, want ErrAlreadyFinished", err)
	}
}

func TestFailurePropagatesSkips(t *testing.T) {
	r, root, store := testRunner(t)

	parent, _ := beginAndPlan(t, r, planMap(
		subMap("schema", "add the billing tables"),
		subMap("api", "expose the billing endpoints", "schema"),
		subMap("ui", "render the billing page", "api"),
	))

	out, err := r.Resume(parent, map[string]any{"status": "failed", "summary": "could not install deps"})
	if err != nil {
		t.Fatalf("failing builder: %v", err)
	}
	if out.Rollup == nil {
		t.Fatalf("expected rollup after cascade, got %+v", out)
	}

	roll := out.Rollup
	if roll.Total != 3 || roll.Completed != 0 {
		t.Errorf("rollup = %+v", roll)
	}
	if !reflect.DeepEqual(roll.Failed, []string{"schema", "api", "ui"}) {
		t.Errorf("failed = %v", roll.Failed)
	}
	if roll.FinalStatus != "failed" {
		t.Errorf("final = %q", roll.FinalStatus)
	}
	if out.State.Error != "3 of 3 subtasks failed: schema, api, ui" {
		t.Errorf("error = %q", out.State.Error)
	}

	var skippedIDs []string
	for _, res := range out.State.Results {
		if res.Status == StatusSkipped {
			skippedIDs = append(skippedIDs, res.SubID)
			if !strings.Contains(res.Summary, "dependency") {
				t.Errorf("skip summary = %q", res.Summary)
			}
		}
	}
	if !reflect.DeepEqual(skippedIDs, []string{"api", "ui"}) {
		t.Errorf("skipped = %v", skippedIDs)
	}

	events, err := store.EventsForRun(parent)
	if err != nil {
		t.Fatal(err)
	}
	var skipEvents int
	for _, ev := range events {
		if ev.Event == "skipped" {
			skipEvents++
		}
	}
	if skipEvents != 2 {
		t.Errorf("skip events = %d, want 2", skipEvents)
	}

	dash := readFile(t, workspace.DashboardPath(root))
	if !strings.Contains(dash, "3 of 3 subtasks failed") {
		t.Errorf("dashboard = %q", dash)
	}
	holder, err := store.ActiveRun()
	if err != nil {
		t.Fatal(err)
	}
	if holder != "" {
		t.Errorf("slot still held by %q", holder)
	}
}

func TestPlanValidationKeepsSequenceRetryable(t *testing.T) {
	r, _, _ := testRunner(t)

	out, err := r.Begin(BeginRequest{Requirement: "ship the billing feature", RetryBudget: -1})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	parent := out.State.ParentID

	_, err = r.Resume(parent, planMap(
		subMap("a", "first half", "b"),
		subMap("b", "second half", "a"),
	))
	if err == nil || !strings.Contains(err.Error(), "circular dependency") {
		t.Fatalf("cycle error = %v", err)
	}

	bad := planMap(subMap("a", "the whole thing"))
	bad["sub_tasks"].([]any)[0].(map[string]any)["skill_id"] = "ghost"
	_, err = r.Resume(parent, bad)
	if err == nil || !strings.Contains(err.Error(), "skill contract not found") {
		t.Fatalf("unknown skill error = %v", err)
	}

	st, cp, err := r.Load(parent)
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase != PhaseDecompose || !cp.Pending {
		t.Errorf("state after bad plans = phase %q pending %v", st.Phase, cp.Pending)
	}

	out, err = r.Resume(parent, planMap(subMap("a", "the whole thing")))
	if err != nil {
		t.Fatalf("good plan after bad: %v", err)
	}
	if out.Step == nil {
		t.Errorf("expected child suspension, got %+v", out)
	}
}

func TestRestartResumesMidChild(t *testing.T) {
	r, root, store := testRunner(t)

	parent, _ := beginAndPlan(t, r, planMap(subMap("schema", "add the billing tables")))

	// A fresh runner over the same store and root stands in for a new
	// process after a restart.
	settings := config.Default()
	svc, err := workflow.New(root, &settings, testRegistry(), store)
	if err != nil {
		t.Fatal(err)
	}
	fresh := New(root, &settings, svc, store)

	out, err := fresh.Resume(parent, builderDone("added the billing tables", "db/migrate.sql"))
	if err != nil {
		t.Fatalf("resume after restart: %v", err)
	}
	if out.Step == nil || out.Step.Node != "review" {
		t.Fatalf("outcome = %+v, want review suspension", out)
	}
	out, err = fresh.Resume(parent, approve())
	if err != nil {
		t.Fatalf("approve after restart: %v", err)
	}
	if out.Rollup == nil || out.Rollup.FinalStatus != "approved" {
		t.Errorf("rollup = %+v", out.Rollup)
	}
}

func TestCancelMidChild(t *testing.T) {
	r, root, store := testRunner(t)

	parent, out := beginAndPlan(t, r, planMap(subMap("schema", "add the billing tables")))
	childID := out.Step.Run.RunID

	st, err := r.Cancel(parent, "scope changed")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if st.FinalStatus != "cancelled" {
		t.Errorf("final = %q", st.FinalStatus)
	}

	run, _, err := r.service.Load(childID)
	if err != nil {
		t.Fatal(err)
	}
	if run.FinalStatus != state.StatusCancelled {
		t.Errorf("child final = %q, want cancelled", run.FinalStatus)
	}

	holder, err := store.ActiveRun()
	if err != nil {
		t.Fatal(err)
	}
	if holder != "" {
		t.Errorf("slot still held by %q", holder)
	}
	dash := readFile(t, workspace.DashboardPath(root))
	if !strings.Contains(dash, "cancelled: scope changed") {
		t.Errorf("dashboard = %q", dash)
	}

	if _, err := r.Resume(parent, approve()); !errors.Is(err, engine.ErrAlreadyFinished) {
		t.Errorf("resume after cancel = %v", err)
	}
	if _, err := r.Cancel(parent, "again"); !errors.Is(err, engine.ErrAlreadyFinished) {
		t.Errorf("second cancel = %v", err)
	}

	// A finished sequence id can be reused; the terminal checkpoint is
	// overwritten.
	if _, err := r.Begin(BeginRequest{ParentID: parent, Requirement: "take two", RetryBudget: -1}); err != nil {
		t.Errorf("begin over terminal sequence: %v", err)
	}
}

func TestChildEscalationCountsAsFailed(t *testing.T) {
	r, _, _ := testRunner(t)

	out, err := r.Begin(BeginRequest{Requirement: "ship the billing feature", RetryBudget: 0})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	parent := out.State.ParentID
	if _, err := r.Resume(parent, planMap(subMap("schema", "add the billing tables"))); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if _, err := r.Resume(parent, builderDone("added the tables", "db/migrate.sql")); err != nil {
		t.Fatalf("builder: %v", err)
	}
	out, err = r.Resume(parent, map[string]any{"decision": "reject", "feedback": "migration is not reversible"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if out.Rollup == nil {
		t.Fatalf("expected rollup, got %+v", out)
	}
	if !reflect.DeepEqual(out.Rollup.Failed, []string{"schema"}) {
		t.Errorf("failed = %v", out.Rollup.Failed)
	}
	res := out.State.Results[0]
	if res.Status != "escalated" || res.Retries != 1 {
		t.Errorf("result = %+v", res)
	}
	if out.Rollup.TotalRetries != 1 {
		t.Errorf("total retries = %d", out.Rollup.TotalRetries)
	}
}

func TestAggregate(t *testing.T) {
	results := []SubResult{
		{SubID: "a", Status: "approved", Summary: "built the model", ChangedFiles: []string{"z.go", "m.go"}},
		{SubID: "b", Status: "skipped", Summary: "skipped: dependency 'a' did not complete"},
		{SubID: "c", Status: "completed", Summary: "imported result", ChangedFiles: []string{"m.go", "a.go"}},
		{SubID: "d", Status: "failed", Summary: "builder reported failed", Retries: 3},
	}
	roll := Aggregate("task-parent", results)

	if roll.Total != 4 || roll.Completed != 2 {
		t.Errorf("total/completed = %d/%d", roll.Total, roll.Completed)
	}
	if !reflect.DeepEqual(roll.Failed, []string{"b", "d"}) {
		t.Errorf("failed = %v", roll.Failed)
	}
	if roll.TotalRetries != 3 {
		t.Errorf("retries = %d", roll.TotalRetries)
	}
	if !reflect.DeepEqual(roll.ChangedFiles, []string{"a.go", "m.go", "z.go"}) {
		t.Errorf("changed files = %v", roll.ChangedFiles)
	}
	if roll.FinalStatus != "failed" {
		t.Errorf("final = %q", roll.FinalStatus)
	}

	clean := Aggregate("task-parent", []SubResult{
		{SubID: "a", Status: "approved", Summary: "done"},
		{SubID: "b", Status: "approved", Summary: "done"},
	})
	if clean.FinalStatus != "approved" || clean.Completed != 2 || len(clean.Failed) != 0 {
		t.Errorf("clean rollup = %+v", clean)
	}
}

func TestContextFromSkipsUndelivered(t *testing.T) {
	got := contextFrom([]SubResult{
		{SubID: "a", Status: "approved", Summary: "added the tables", ChangedFiles: []string{"db/migrate.sql"}},
		{SubID: "b", Status: "failed", Summary: "could not build"},
		{SubID: "c", Status: "completed", Summary: "wired the endpoints"},
	})
	want := "- a: added the tables\n  changed files: db/migrate.sql\n- c: wired the endpoints"
	if got != want {
		t.Errorf("context = %q, want %q", got, want)
	}
}
