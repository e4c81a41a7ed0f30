package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"smartaudit/internal/core/importer"
)

func (m Model) Init() tea.Cmd {
	if m.pipe.Upload != nil {
		return tea.Batch(m.spinner.Tick, m.uploadCmd())
	}
	return tea.Batch(m.spinner.Tick, listenProgress(m.progress), m.validateCmd(m.pair))
}

// ---------- Update ----------
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if !m.done {
				m.aborted = true
			}
			m.cancel()
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case uploadMsg:
		if msg.err != nil {
			m.stages[stageUpload] = runFailed
			m.notes[stageUpload] = msg.err.Error()
			m.err = msg.err
			return m.finish()
		}
		res := msg.res
		m.upload = &res
		m.pair = res.Pair
		m.stages[stageUpload] = runDone
		m.notes[stageUpload] = uploadNote(res)
		return m, tea.Batch(listenProgress(m.progress), m.validateCmd(m.pair))

	case progressMsg:
		// transitions read after the final result are stale
		if m.result == nil {
			m.applyProgress(msg)
		}
		return m, listenProgress(m.progress)

	case coordinatedMsg:
		res := msg.res
		m.result = &res
		m.settle(res)
		if m.pipe.Mapeo != nil && res.Ledger.Attempted && res.Summary.LibroDiarioConverted {
			m.stages[stageMapeo] = runRunning
			return m, m.mapeoCmd(res.Pair.Ledger)
		}
		if m.pipe.Mapeo != nil {
			m.stages[stageMapeo] = runSkipped
		}
		return m.finish()

	case mapeoMsg:
		if msg.err != nil {
			m.stages[stageMapeo] = runFailed
			m.notes[stageMapeo] = msg.err.Error()
			return m.finish()
		}
		m.mapping = msg.mapping
		m.stages[stageMapeo] = runDone
		if fm := msg.mapping; fm != nil {
			m.notes[stageMapeo] = fmt.Sprintf("%d campos mapeados, %d pendientes", len(fm.MappedFields), len(fm.MissingFields))
		}
		return m.finish()
	}
	return m, nil
}

func (m Model) finish() (tea.Model, tea.Cmd) {
	m.done = true
	m.elapsed = time.Since(m.started)
	for i, st := range m.stages {
		if st == runPending || st == runRunning {
			m.stages[i] = runSkipped
		}
	}
	m.cancel()
	return m, tea.Quit
}

func (m *Model) applyProgress(p progressMsg) {
	switch p.state {
	case importer.StateValidatingLedger:
		m.stages[stageValidateLedger] = runRunning
	case importer.StateConvertingLedger:
		m.stages[stageValidateLedger] = runDone
		m.stages[stageConvertLedger] = runRunning
	case importer.StateValidatingTrialBalance:
		m.stages[stageValidateTrialBalance] = runRunning
	}
}

// settle derives every validation stage from the final result, so transitions
// dropped on a full channel never leave a stage spinning.
func (m *Model) settle(res importer.CoordinatedResult) {
	led := res.Ledger
	switch {
	case !led.Attempted:
		m.stages[stageValidateLedger] = runSkipped
		m.stages[stageConvertLedger] = runSkipped
		m.notes[stageValidateLedger] = led.Error
	case !res.Summary.LibroDiarioValidated:
		m.stages[stageValidateLedger] = runFailed
		m.stages[stageConvertLedger] = runSkipped
		m.notes[stageValidateLedger] = led.Error
	default:
		m.stages[stageValidateLedger] = runDone
		m.stages[stageConvertLedger] = doneOrFailed(res.Summary.LibroDiarioConverted)
		if !res.Summary.LibroDiarioConverted {
			m.notes[stageConvertLedger] = led.Error
		}
	}

	tb := res.TrialBalance
	switch {
	case !tb.Attempted:
		m.stages[stageValidateTrialBalance] = runSkipped
		m.notes[stageValidateTrialBalance] = tb.Error
	default:
		m.stages[stageValidateTrialBalance] = doneOrFailed(res.Summary.SumasSaldosOK)
		if !res.Summary.SumasSaldosOK {
			m.notes[stageValidateTrialBalance] = tb.Error
		}
	}
}

func doneOrFailed(ok bool) runState {
	if ok {
		return runDone
	}
	return runFailed
}

func uploadNote(res importer.UploadSetResult) string {
	note := res.Ledger.FileName
	if n := len(res.Additional); n > 0 {
		note += fmt.Sprintf(" (+%d)", n)
	}
	switch {
	case res.TrialBalanceErr != nil:
		note += "; Sumas y Saldos no subido: " + res.TrialBalanceErr.Error()
	case res.TrialBalance != nil && !res.TrialBalance.CoordinatedIDMatch:
		note += "; Sumas y Saldos con id no coordinado " + res.TrialBalance.ExecutionID
	}
	return note
}
