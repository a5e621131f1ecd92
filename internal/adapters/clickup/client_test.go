package clickup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/robbywh/perf-reporting/internal/domain"
	"github.com/rs/zerolog"
)

func testClient(baseURL string) *Client {
	s := domain.OrgSettings{ClickUpToken: "tok", ClickUpBaseURL: baseURL}
	return NewClient(s, 5*time.Second, zerolog.Nop())
}

func TestFetchTaskPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "tok" { t.Errorf("missing token header") }
		if r.URL.Path != "/list/900/task" { t.Errorf("path = %s", r.URL.Path) }
		if r.URL.Query().Get("page") != "1" { t.Errorf("page = %s", r.URL.Query().Get("page")) }
		_ = json.NewEncoder(w).Encode(TasksPage{
			Tasks:    []RawTask{{ID: "t1", Name: "task one", Status: RawStatus{Status: "approved"}, TimeEstimate: 3600000}},
			LastPage: true,
		})
	}))
	defer srv.Close()

	page, err := testClient(srv.URL).FetchTaskPage(context.Background(), "900", 1)
	if err != nil { t.Fatalf("fetch: %v", err) }
	if !page.LastPage { t.Fatalf("expected last page") }
	if len(page.Tasks) != 1 || page.Tasks[0].ID != "t1" { t.Fatalf("tasks = %#v", page.Tasks) }
}

func TestFetchTaskPage_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	if _, err := testClient(srv.URL).FetchTaskPage(context.Background(), "900", 0); err == nil {
		t.Fatalf("expected error on 429")
	}
}

func TestFetchFolderLists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/folder/42/list" { t.Errorf("path = %s", r.URL.Path) }
		_ = json.NewEncoder(w).Encode(listsResponse{Lists: []RawList{
			{ID: "11", Name: "Sprint 11", StartDate: "1735689600000", DueDate: "1736899199000"},
		}})
	}))
	defer srv.Close()

	lists, err := testClient(srv.URL).FetchFolderLists(context.Background(), "42")
	if err != nil { t.Fatalf("fetch: %v", err) }
	if len(lists) != 1 || lists[0].ID != "11" { t.Fatalf("lists = %#v", lists) }
}

func TestRawTaskValid(t *testing.T) {
	ok := RawTask{ID: "a", Name: "n", Status: RawStatus{Status: "open"}}
	if !ok.Valid() { t.Fatalf("expected valid") }
	for _, bad := range []RawTask{
		{Name: "n", Status: RawStatus{Status: "open"}},
		{ID: "a", Status: RawStatus{Status: "open"}},
		{ID: "a", Name: "n"},
		{ID: " ", Name: "n", Status: RawStatus{Status: "open"}},
	} {
		if bad.Valid() { t.Fatalf("expected invalid: %#v", bad) }
	}
}

func TestFieldFirstValue(t *testing.T) {
	raw := func(s string) json.RawMessage { return json.RawMessage(s) }
	fields := []RawCustomField{
		{Name: "Kategori", Value: raw(`"Development"`)},
		{Name: "Points", Value: raw(`3.5`)},
		{Name: "Labels", Value: raw(`["backend","api"]`)},
		{Name: "Dropdown", Value: raw(`[{"name":"Support"}]`)},
		{Name: "Label", Value: raw(`[{"label":"Infra"}]`)},
		{Name: "Empty", Value: nil},
	}
	if got := FieldFirstValue(fields, "kategori"); got != "Development" { t.Fatalf("string: %q", got) }
	if got := FieldFirstValue(fields, "Points"); got != "3.5" { t.Fatalf("number: %q", got) }
	if got := FieldFirstValue(fields, "Labels"); got != "backend" { t.Fatalf("string array: %q", got) }
	if got := FieldFirstValue(fields, "Dropdown"); got != "Support" { t.Fatalf("object array: %q", got) }
	if got := FieldFirstValue(fields, "Label"); got != "Infra" { t.Fatalf("label fallback: %q", got) }
	if got := FieldFirstValue(fields, "Empty"); got != "" { t.Fatalf("empty value: %q", got) }
	if got := FieldFirstValue(fields, "Missing"); got != "" { t.Fatalf("missing field: %q", got) }
}

func TestParseEpochMillis(t *testing.T) {
	got := ParseEpochMillis("1735689600000")
	want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) { t.Fatalf("got %v, want %v", got, want) }
	if !ParseEpochMillis("").IsZero() { t.Fatalf("empty should be zero time") }
	if !ParseEpochMillis("not-a-number").IsZero() { t.Fatalf("garbage should be zero time") }
}
