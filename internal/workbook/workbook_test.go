package workbook

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"smartaudit/internal/api"
	"smartaudit/internal/core/importer"
)

func TestTextHeaderSniffsDelimiter(t *testing.T) {
	cases := map[string][]string{
		"BELNR;BUDAT;WRBTR\n1;2;3\n":  {"BELNR", "BUDAT", "WRBTR"},
		"\xef\xbb\xbfa,b,\"c d\"\n":   {"a", "b", "c d"},
		"\n\nCuenta\tImporte\n":       {"Cuenta", "Importe"},
		"Asiento|Fecha | Importe\r\n": {"Asiento", "Fecha", "Importe"},
	}
	for in, want := range cases {
		got, err := TextHeader(strings.NewReader(in))
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if strings.Join(got, "|") != strings.Join(want, "|") {
			t.Errorf("%q: got %q, want %q", in, got, want)
		}
	}
	if _, err := TextHeader(strings.NewReader("\n \n")); !errors.Is(err, ErrNoHeader) {
		t.Fatalf("expected ErrNoHeader, got %v", err)
	}
}

func TestHeaderFromXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diario.xlsx")
	f := excelize.NewFile()
	_ = f.SetSheetRow("Sheet1", "A2", &[]any{"BELNR", "BUDAT", "DMBTR"})
	_ = f.SetSheetRow("Sheet1", "A3", &[]any{"100", "2024-01-01", 5})
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	f.Close()

	got, err := Header(path)
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if strings.Join(got, ",") != "BELNR,BUDAT,DMBTR" {
		t.Fatalf("unexpected header %q", got)
	}
}

func TestHeaderFromText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "BKPF.txt")
	if err := os.WriteFile(path, []byte("BELNR;GJAHR\n1;2024\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := Header(path)
	if err != nil || len(got) != 2 || got[1] != "GJAHR" {
		t.Fatalf("unexpected header %q %v", got, err)
	}
	if _, err := Header(filepath.Join(t.TempDir(), "old.xls")); err == nil {
		t.Fatal("legacy xls should be refused")
	}
}

func TestReportSheets(t *testing.T) {
	mapping := api.FieldsMapping{
		Summary: api.MappingSummary{MappedFieldsCount: 2, CompletenessPercentage: 66.7},
		MappedFields: map[string]api.MappedField{
			"journal_entry_id": {MappedColumn: "BELNR", Confidence: 0.95, Required: true},
			"amount":           {MappedColumn: "WRBTR", Confidence: 0.8, IsManual: true, Required: true},
		},
		MissingFields: []string{"posting_date"},
	}
	run := Run{
		GeneratedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		ProjectID:   "p-1",
		Period:      "2024",
		Pair:        importer.CoordinatedPair{Ledger: "exec-1"},
		Result: &importer.CoordinatedResult{
			Success: true,
			State:   importer.StateCompleted,
			Summary: importer.CoordinatedSummary{LibroDiarioValidated: true, LibroDiarioConverted: true, SumasSaldosOK: true},
		},
		Mapping:     &mapping,
		Suggestions: map[string][]importer.ColumnSuggestion{"posting_date": {{Column: "BUDAT"}, {Column: "CPUDT"}}},
	}
	var buf bytes.Buffer
	if err := Write(run, &buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()
	sheets := strings.Join(f.GetSheetList(), ",")
	if sheets != "Resumen,Mapeo,Pendientes" {
		t.Fatalf("unexpected sheets %s", sheets)
	}
	if v, _ := f.GetCellValue(SheetSummary, "B5"); v != "exec-1" {
		t.Fatalf("ledger cell = %q", v)
	}
	if v, _ := f.GetCellValue(SheetSummary, "B8"); v != "Importación completada" {
		t.Fatalf("result cell = %q", v)
	}
	// rows are sorted by field name: amount before journal_entry_id
	if v, _ := f.GetCellValue(SheetMapping, "B2"); v != "WRBTR" {
		t.Fatalf("mapping B2 = %q", v)
	}
	if v, _ := f.GetCellValue(SheetMapping, "E2"); v != "Sí" {
		t.Fatalf("manual flag = %q", v)
	}
	if v, _ := f.GetCellValue(SheetPending, "C2"); v != "BUDAT, CPUDT" {
		t.Fatalf("suggestions = %q", v)
	}
	if v, _ := f.GetCellValue(SheetPending, "B2"); v != "Sí" {
		t.Fatalf("posting_date must be critical, got %q", v)
	}
}

func TestReportWithoutMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.xlsx")
	if err := Save(Run{Pair: importer.CoordinatedPair{Ledger: "x"}}, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if got := f.GetSheetList(); len(got) != 1 || got[0] != SheetSummary {
		t.Fatalf("unexpected sheets %v", got)
	}
}
