package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"smartaudit/internal/api"
	"smartaudit/internal/core/importer"
)

// ---------- Messages / Cmds ----------
type uploadMsg struct {
	res importer.UploadSetResult
	err error
}

// progressMsg carries one coordinated state transition
type progressMsg struct {
	state importer.State
	id    string
}

type coordinatedMsg struct {
	res importer.CoordinatedResult
}

type mapeoMsg struct {
	mapping *api.FieldsMapping
	err     error
}

func (m Model) uploadCmd() tea.Cmd {
	ctx, upload := m.ctx, m.pipe.Upload
	return func() tea.Msg {
		res, err := upload(ctx)
		return uploadMsg{res: res, err: err}
	}
}

// listenProgress reads one transition from the channel and returns it as a message
func listenProgress(ch chan progressMsg) tea.Cmd {
	return func() tea.Msg {
		if ch == nil {
			return nil
		}
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

// validateCmd runs the coordinated validation, pushing transitions into ch
// without blocking, and closes ch when done.
func (m Model) validateCmd(pair importer.CoordinatedPair) tea.Cmd {
	ctx, validate, ch := m.ctx, m.pipe.Validate, m.progress
	return func() tea.Msg {
		res := validate(ctx, pair, func(st importer.State, id string) {
			select {
			case ch <- progressMsg{state: st, id: id}:
			default:
			}
		})
		close(ch)
		return coordinatedMsg{res: res}
	}
}

func (m Model) mapeoCmd(ledgerID string) tea.Cmd {
	ctx, mapeo := m.ctx, m.pipe.Mapeo
	return func() tea.Msg {
		mapping, err := mapeo(ctx, ledgerID)
		return mapeoMsg{mapping: mapping, err: err}
	}
}
