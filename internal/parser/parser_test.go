package parser

import (
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
)

const twoTasks = `# Breakdown

Some preamble the compiler ignores.

## Task
Id: t1
Title: Rename export
Status: PENDING
Files:
- src/a.ts
- ./src\b.ts

Description:
Rename export foo to bar.

Keep the default export.

## Task
Id: t2
Title: Update docs
Status: done
Files:
- docs/api.md
Description:
Mention bar.
`

func TestCompilePlan(t *testing.T) {
	items := CompilePlan(twoTasks)
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}

	first := items[0]
	if first.ID != "t1" {
		t.Errorf("ID = %q, want t1", first.ID)
	}
	if first.Title != "Rename export" {
		t.Errorf("Title = %q, want 'Rename export'", first.Title)
	}
	if first.Status != domain.StatusPending {
		t.Errorf("Status = %q, want PENDING", first.Status)
	}
	if want := []string{"src/a.ts", "src/b.ts"}; !reflect.DeepEqual(first.Files, want) {
		t.Errorf("Files = %v, want %v", first.Files, want)
	}
	if want := "Rename export foo to bar.\n\nKeep the default export."; first.Description != want {
		t.Errorf("Description = %q, want %q", first.Description, want)
	}

	second := items[1]
	if second.Status != domain.StatusDone {
		t.Errorf("Status = %q, want DONE", second.Status)
	}
	if want := []string{"docs/api.md"}; !reflect.DeepEqual(second.Files, want) {
		t.Errorf("Files = %v, want %v", second.Files, want)
	}
	if second.Description != "Mention bar." {
		t.Errorf("Description = %q, want 'Mention bar.'", second.Description)
	}
}

func TestCompilePlan_Defaults(t *testing.T) {
	doc := `## Task
Title: No id here
Status: WHATEVER

## Task
Id: only-id

## Task
Files:
- src/orphan.ts
Description:
Neither id nor title.
`
	items := CompilePlan(doc)
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2 (block without id and title is discarded)", len(items))
	}

	if !regexp.MustCompile(`^[0-9a-f]{6}$`).MatchString(items[0].ID) {
		t.Errorf("generated ID = %q, want 6 hex chars", items[0].ID)
	}
	if items[0].Status != domain.StatusPending {
		t.Errorf("unknown status = %q, want PENDING", items[0].Status)
	}
	if items[1].Title != UntitledTitle {
		t.Errorf("Title = %q, want %q", items[1].Title, UntitledTitle)
	}
	if items[1].Files == nil || len(items[1].Files) != 0 {
		t.Errorf("Files = %#v, want empty non-nil slice", items[1].Files)
	}
}

func TestCompilePlan_Fallback(t *testing.T) {
	doc := "\n  Refactor the billing module so that invoices are immutable.\n\n"
	items := CompilePlan(doc)
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	it := items[0]
	if it.ID != FallbackID || it.Title != FallbackTitle {
		t.Errorf("fallback = %q/%q, want %q/%q", it.ID, it.Title, FallbackID, FallbackTitle)
	}
	if it.Description != strings.TrimSpace(doc) {
		t.Errorf("Description = %q, want whole document", it.Description)
	}
	if it.Status != domain.StatusPending {
		t.Errorf("Status = %q, want PENDING", it.Status)
	}
	if len(it.Files) != 0 {
		t.Errorf("Files = %v, want none", it.Files)
	}
}

func TestCompilePlan_NeverEmpty(t *testing.T) {
	docs := []string{
		"x",
		"## Tasks\nnot a block",
		"## Task\nDescription:\nno id and no title",
		"---\nrole: coder\n---\nplain text",
		"## Task\nId: 1\nTitle: Only a title\n",
		"## Task\nId: 1\nTitle: Loose notes\nTouch the router first.\n",
	}
	for _, doc := range docs {
		items := CompilePlan(doc)
		if len(items) == 0 {
			t.Errorf("CompilePlan(%q) returned no items", doc)
			continue
		}
		if items[0].Description == "" {
			t.Errorf("CompilePlan(%q) first description is empty", doc)
		}
	}
}

func TestCompilePlan_DescriptionFallback(t *testing.T) {
	items := CompilePlan("## Task\nId: 1\nTitle: Only a title\n\n## Task\nId: 2\nTitle: Notes\nTouch the router first.\n")
	if len(items) != 2 {
		t.Fatalf("items = %+v, want 2", items)
	}
	if items[0].Description != "Only a title" {
		t.Errorf("Description = %q, want the title", items[0].Description)
	}
	if items[1].Description != "Touch the router first." {
		t.Errorf("Description = %q, want the block body", items[1].Description)
	}
}

func TestCompilePlan_DuplicateIDs(t *testing.T) {
	doc := "## Task\nId: 1\nTitle: First\n\n## Task\nId: 1\nTitle: Second\n\n## Task\nId: 1-2\nTitle: Third\n\n## Task\nId: 1\nTitle: Fourth\n"

	items := CompilePlan(doc)
	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	want := []string{"1", "1-2", "1-2-2", "1-3"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Errorf("ids = %v, want %v", ids, want)
	}
}

func TestCompilePlan_LongLine(t *testing.T) {
	long := strings.Repeat("x", 2<<20)
	doc := "## Task\nId: a\nTitle: Long\nDescription:\n" + long + "\n## Task\nId: b\nTitle: After\n"

	items := CompilePlan(doc)
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].Description != long {
		t.Errorf("first description has %d bytes, want %d", len(items[0].Description), len(long))
	}
	if items[1].ID != "b" || items[1].Title != "After" {
		t.Errorf("second item = %+v, want id b titled After", items[1])
	}
	if !HasTaskBlocks(long + "\n## Task\n") {
		t.Error("HasTaskBlocks missed a heading after a long line")
	}
}

func TestCompilePlan_Frontmatter(t *testing.T) {
	doc := "---\nrole: tester\n---\n## Task\nId: a\nTitle: Add tests\nDescription:\nCover it.\n"

	fm, rest, err := ParseFrontmatter([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if fm.Role != "tester" {
		t.Errorf("Role = %q, want tester", fm.Role)
	}
	if !strings.HasPrefix(string(rest), "## Task") {
		t.Errorf("rest = %q, want it to start with the task block", rest)
	}

	items := CompilePlan(doc)
	if len(items) != 1 || items[0].ID != "a" {
		t.Fatalf("items = %+v, want one item with id a", items)
	}
}

func TestParseFrontmatter_None(t *testing.T) {
	fm, rest, err := ParseFrontmatter([]byte("# Title\n"))
	if err != nil {
		t.Fatal(err)
	}
	if fm.Role != "" {
		t.Errorf("Role = %q, want empty", fm.Role)
	}
	if string(rest) != "# Title\n" {
		t.Errorf("rest = %q, want input unchanged", rest)
	}
}

func TestHasTaskBlocks(t *testing.T) {
	if !HasTaskBlocks(twoTasks) {
		t.Error("HasTaskBlocks(twoTasks) = false, want true")
	}
	if HasTaskBlocks("## Tasks (2)\n- [ ] a") {
		t.Error("HasTaskBlocks on a checklist heading = true, want false")
	}
}

func TestRenderTaskBlock_RoundTrip(t *testing.T) {
	item := domain.TaskItem{
		ID:          "r1",
		Title:       "Split handler",
		Status:      domain.StatusFailed,
		Files:       []string{"src/h.ts", "src/h.test.ts"},
		Description: "Split the handler.\n\n[ALLOW_API_CHANGES]",
	}
	items := CompilePlan(RenderTaskBlock(item))
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	got := items[0]
	if got.ID != item.ID || got.Title != item.Title || got.Status != item.Status {
		t.Errorf("got %s/%s/%s, want %s/%s/%s", got.ID, got.Title, got.Status, item.ID, item.Title, item.Status)
	}
	if !reflect.DeepEqual(got.Files, item.Files) {
		t.Errorf("Files = %v, want %v", got.Files, item.Files)
	}
	if got.Description != item.Description {
		t.Errorf("Description = %q, want %q", got.Description, item.Description)
	}
	if !got.AllowsAPIChanges() {
		t.Error("AllowsAPIChanges() = false, want true")
	}
}

func testRun() *domain.TaskRun {
	return &domain.TaskRun{
		RunID:       "abc123",
		TaskPath:    "tasks/refactor.md",
		ProjectRoot: "/repo",
		Role:        "coder",
		Status:      domain.RunDraft,
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Tasks:       CompilePlan(twoTasks),
	}
}

func TestRenderPlanDocument(t *testing.T) {
	md := RenderPlanDocument(testRun(), twoTasks)

	for _, want := range []string{
		"# Task Plan\n",
		"RunId: abc123\n",
		"Role: coder\n",
		"TaskPath: tasks/refactor.md\n",
		"CreatedAt: 2026-03-01T12:00:00Z\n",
		"## Tasks (2)\n",
		"- [ ] t1: Rename export\n",
		"- [x] t2: Update docs\n",
		"## Source Task File\n# Breakdown",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("plan document missing %q", want)
		}
	}
}

func TestMarkTaskDone(t *testing.T) {
	md := RenderPlanDocument(testRun(), "source")
	now := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)

	out := MarkTaskDone(md, "t1", strings.Repeat("y", MaxPlanLog+50), now)

	if !strings.Contains(out, "- [x] t1: Rename export") {
		t.Error("checklist entry for t1 not ticked")
	}
	if !strings.Contains(out, "## Task\nId: t1\nTitle: Rename export\nStatus: DONE\n") {
		t.Error("Status line of t1 block not set to DONE")
	}
	if !strings.Contains(out, "Log (2026-03-02T08:30:00Z):\n\n"+strings.Repeat("y", MaxPlanLog)+"\n") {
		t.Error("log excerpt missing or not truncated")
	}
	if strings.Contains(out, strings.Repeat("y", MaxPlanLog+1)) {
		t.Error("log excerpt longer than MaxPlanLog")
	}

	untouched := MarkTaskDone(md, "missing", "", now)
	if strings.Count(untouched, "Status: DONE") != strings.Count(md, "Status: DONE") {
		t.Error("unknown id changed a Status line")
	}
}

func TestPlanStatusesAndSetTaskStatuses(t *testing.T) {
	source := "## Task\nId: t1\nTitle: from source\nStatus: FAILED\n"
	md := RenderPlanDocument(testRun(), source)

	got := PlanStatuses(md)
	want := map[string]domain.TaskStatus{"t1": domain.StatusPending, "t2": domain.StatusDone}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("PlanStatuses = %v, want %v (source blocks must be ignored)", got, want)
	}

	updated := SetTaskStatuses(md, map[string]domain.TaskStatus{
		"t1": domain.StatusDone,
		"t2": domain.StatusFailed,
	})
	got = PlanStatuses(updated)
	want = map[string]domain.TaskStatus{"t1": domain.StatusDone, "t2": domain.StatusFailed}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("after SetTaskStatuses = %v, want %v", got, want)
	}
	if !strings.Contains(updated, "- [x] t1: Rename export") || !strings.Contains(updated, "- [ ] t2: Update docs") {
		t.Errorf("checklist not updated:\n%s", updated)
	}
	if !strings.HasSuffix(updated, "## Source Task File\n"+strings.TrimSpace(source)+"\n") {
		t.Error("embedded source must stay unchanged")
	}
}
