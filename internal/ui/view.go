package ui

import (
	"fmt"
	"strings"
	"time"

	"smartaudit/internal/core/importer"
)

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("SmartAudit · Importación"))
	b.WriteString("\n")
	b.WriteString(subtleStyle.Render(pairLine(m.pair)))
	b.WriteString("\n")
	b.WriteString(dividerStyle.Render(strings.Repeat("─", m.dividerWidth())))
	b.WriteString("\n")

	for s := stage(0); s < stageCount; s++ {
		b.WriteString(m.renderStage(s))
		b.WriteString("\n")
	}

	if m.done {
		b.WriteString(summaryBoxStyle.Render(m.renderSummary()))
		b.WriteString("\n")
		return b.String()
	}
	b.WriteString("\n")
	b.WriteString(subtleStyle.Render(fmt.Sprintf("Transcurrido: %s", time.Since(m.started).Truncate(time.Second))))
	b.WriteString("\n")
	b.WriteString(keyHints("ctrl+c", "cancelar", "q", "salir"))
	return b.String()
}

func (m Model) dividerWidth() int {
	if m.width > 0 && m.width < 60 {
		return m.width
	}
	return 60
}

func pairLine(p importer.CoordinatedPair) string {
	ledger, tb := p.Ledger, p.TrialBalance
	if ledger == "" {
		ledger = "—"
	}
	if tb == "" {
		tb = "—"
	}
	return fmt.Sprintf("Libro Diario: %s   Sumas y Saldos: %s", ledger, tb)
}

func (m Model) renderStage(s stage) string {
	st := m.stages[s]
	var line string
	if st == runRunning {
		line = m.spinner.View() + runningStyle.Render(stageLabels[s])
	} else {
		line = runSymbols[st] + stageStyle.Render(stageLabels[s])
	}
	if note := m.notes[s]; note != "" {
		line += " " + noteStyle.Render(note)
	}
	return line
}

func (m Model) renderSummary() string {
	switch {
	case m.aborted:
		return warnStyle.Render("Importación cancelada")
	case m.err != nil:
		return errorStyle.Render("Importación fallida: " + m.err.Error())
	case m.result == nil:
		return warnStyle.Render("Sin resultado")
	}
	r := m.result
	var head string
	switch {
	case r.Success:
		head = okStyle.Render("Importación completada")
	case r.Partial:
		head = warnStyle.Render("Éxito parcial")
	default:
		head = errorStyle.Render("Importación fallida")
	}
	lines := []string{
		head + subtleStyle.Render(fmt.Sprintf("  (%s)", m.elapsed.Truncate(time.Second))),
		fmt.Sprintf("Libro Diario validado: %s", yesNo(r.Summary.LibroDiarioValidated)),
		fmt.Sprintf("Libro Diario convertido: %s", yesNo(r.Summary.LibroDiarioConverted)),
		fmt.Sprintf("Sumas y Saldos correcto: %s", yesNo(r.Summary.SumasSaldosOK)),
	}
	if r.Error != "" {
		lines = append(lines, errorStyle.Render(r.Error))
	}
	if fm := m.mapping; fm != nil && (fm.Summary.NeedsManualMapping || len(fm.CriticalMissing) > 0) {
		lines = append(lines, warnStyle.Render("Requiere mapeo manual: "+strings.Join(fm.CriticalMissing, ", ")))
	}
	return strings.Join(lines, "\n")
}

func yesNo(b bool) string {
	if b {
		return "sí"
	}
	return "no"
}
