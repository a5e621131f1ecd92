package report

import (
	"bytes"
	"testing"
	"unicode/utf8"

	"github.com/robbywh/perf-reporting/internal/domain"
)

func TestOrderSheets(t *testing.T) {
	sheets := []Sheet{
		{SprintID: 1, Name: "Sprint 1"},
		{SprintID: 2, Name: "Sprint 2"},
		{SprintID: 3, Name: "Sprint 3"},
	}
	got := OrderSheets([]int64{3, 99, 1}, sheets)
	if len(got) != 3 { t.Fatalf("expected 3 sheets, got %d", len(got)) }
	// Requested order first, unmatched sheets keep stored order after.
	if got[0].SprintID != 3 || got[1].SprintID != 1 || got[2].SprintID != 2 {
		t.Fatalf("bad order: %d %d %d", got[0].SprintID, got[1].SprintID, got[2].SprintID)
	}
}

func TestOrderSheets_DuplicateRequest(t *testing.T) {
	sheets := []Sheet{{SprintID: 1}, {SprintID: 2}}
	got := OrderSheets([]int64{2, 2, 1}, sheets)
	if len(got) != 2 { t.Fatalf("duplicate id doubled a sheet: %v", got) }
	if got[0].SprintID != 2 || got[1].SprintID != 1 { t.Fatalf("bad order: %v", got) }
}

func TestSanitizeSheetName(t *testing.T) {
	if got := sanitizeSheetName("Sprint 5: Q1 [final]", 5); got != "Sprint 5 Q1 final" {
		t.Fatalf("got %q", got)
	}
	if got := sanitizeSheetName("", 7); got != "Sprint 7" { t.Fatalf("empty fallback: %q", got) }
	long := "abcdefghijklmnopqrstuvwxyz0123456789"
	if got := sanitizeSheetName(long, 1); len(got) != 31 { t.Fatalf("cap at 31, got %d", len(got)) }
	if got := sanitizeSheetName("://?*[]", 9); got != "Sprint 9" { t.Fatalf("all-forbidden fallback: %q", got) }
	wide := "спринт спринт спринт спринт спринт"
	got := sanitizeSheetName(wide, 2)
	if len(got) > 31 { t.Fatalf("cap at 31, got %d", len(got)) }
	if !utf8.ValidString(got) { t.Fatalf("invalid utf-8 sheet name %q", got) }
}

func TestBuild_WritesWorkbook(t *testing.T) {
	sheets := []Sheet{
		{SprintID: 1, Name: "Sprint 1", Rows: []domain.ReportRow{{Name: "Dina", Sprint: "Sprint 1", TotalTaken: 3, SPCompletion: "50%"}}},
		{SprintID: 2, Name: "Sprint 2"},
	}
	wb, err := Build([]int64{2, 1}, sheets)
	if err != nil { t.Fatalf("build: %v", err) }
	var buf bytes.Buffer
	if _, err := wb.WriteTo(&buf); err != nil { t.Fatalf("write: %v", err) }
	if buf.Len() == 0 { t.Fatalf("empty workbook output") }
}
