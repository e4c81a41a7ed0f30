package importer

import (
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"smartaudit/internal/api"
)

// fieldSynonyms are the column names ERPs commonly use for each destination field.
var fieldSynonyms = map[string][]string{
	"journal_entry_id":       {"BELNR", "Asiento", "NumAsiento", "ID_Asiento", "je_header_id", "document_no"},
	"line_number":            {"BUZEI", "Linea", "NumLinea", "LineaAsiento", "je_line_num"},
	"description":            {"BKTXT", "Concepto", "ConceptoAsiento", "DescripcionCabecera"},
	"line_description":       {"SGTXT", "DescripcionLinea", "DetalleLinea"},
	"posting_date":           {"BUDAT", "Fecha", "FechaAsiento", "FechaContabilizacion", "effective_date"},
	"fiscal_year":            {"GJAHR", "AnoFiscal", "Ejercicio", "period_year"},
	"period_number":          {"MONAT", "Periodo", "Mes", "PeriodoContable", "period_num"},
	"gl_account_number":      {"HKONT", "Cuenta", "CuentaContable", "CodigoCuenta", "g_l_account_no"},
	"gl_account_name":        {"TXT50", "NombreCuenta", "DescripcionCuenta", "DenominacionCuenta"},
	"amount":                 {"DMBTR", "WRBTR", "Importe", "Saldo", "entered_amount"},
	"debit_amount":           {"SOLLBETRAG", "Debe", "ImporteDebe", "Debito", "entered_dr"},
	"credit_amount":          {"HABENBETRAG", "Haber", "ImporteHaber", "Credito", "entered_cr"},
	"debit_credit_indicator": {"SHKZG", "IndicadorDH", "DebeHaber", "dc_indicator"},
	"prepared_by":            {"USNAM", "Usuario", "PreparadoPor", "CreadoPor", "created_by"},
	"entry_date":             {"CPUDT", "FechaEntrada", "FechaCreacion", "FechaCaptura", "creation_date"},
	"entry_time":             {"CPUTM", "HoraEntrada", "HoraCreacion", "creation_time"},
	"vendor_id":              {"LIFNR", "Proveedor", "IDProveedor", "CodigoProveedor", "vendor_no"},
}

const exactMatchScore = 1 << 20

// ColumnSuggestion is a candidate source column for a destination field.
type ColumnSuggestion struct {
	Column string `json:"column"`
	Score  int    `json:"score"`
	Exact  bool   `json:"exact"`
}

func normalizeName(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		if r == '_' || r == '-' || r == ' ' || r == '.' {
			return -1
		}
		return r
	}, s)
}

// SuggestColumns ranks the source columns for each missing field of mapping, best
// first, keeping at most limit per field (limit <= 0 keeps all). Columns already
// mapped to another field are not proposed.
func SuggestColumns(mapping api.FieldsMapping, columns []string, limit int) map[string][]ColumnSuggestion {
	used := make(map[string]bool, len(mapping.MappedFields))
	for _, f := range mapping.MappedFields {
		used[normalizeName(f.MappedColumn)] = true
	}
	var free, freeNorm []string
	for _, c := range columns {
		n := normalizeName(c)
		if n == "" || used[n] {
			continue
		}
		free = append(free, c)
		freeNorm = append(freeNorm, n)
	}

	out := make(map[string][]ColumnSuggestion, len(mapping.MissingFields))
	for _, field := range mapping.MissingFields {
		names := append([]string{field}, fieldSynonyms[field]...)
		best := make(map[int]ColumnSuggestion)
		consider := func(idx, score int, exact bool) {
			if cur, ok := best[idx]; !ok || score > cur.Score {
				best[idx] = ColumnSuggestion{Column: free[idx], Score: score, Exact: exact}
			}
		}
		for _, name := range names {
			target := normalizeName(name)
			for _, m := range fuzzy.Find(target, freeNorm) {
				consider(m.Index, m.Score, freeNorm[m.Index] == target)
			}
			// short column names ("fecha") inside long field names ("fechaasiento")
			for i, col := range freeNorm {
				if col == target {
					consider(i, exactMatchScore, true)
					continue
				}
				if ms := fuzzy.Find(col, []string{target}); len(ms) > 0 {
					consider(i, ms[0].Score, false)
				}
			}
		}
		list := make([]ColumnSuggestion, 0, len(best))
		for _, s := range best {
			if s.Exact {
				s.Score = exactMatchScore
			}
			list = append(list, s)
		}
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Score != list[j].Score {
				return list[i].Score > list[j].Score
			}
			return list[i].Column < list[j].Column
		})
		if limit > 0 && len(list) > limit {
			list = list[:limit]
		}
		out[field] = list
	}
	return out
}
