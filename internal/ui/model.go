package ui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"

	"smartaudit/internal/api"
	"smartaudit/internal/core/importer"
)

// Pipeline is the work the progress view drives. Upload and Mapeo are optional;
// without Upload the view starts from Pair.
type Pipeline struct {
	Upload   func(ctx context.Context) (importer.UploadSetResult, error)
	Pair     importer.CoordinatedPair
	Validate func(ctx context.Context, pair importer.CoordinatedPair, onState func(importer.State, string)) importer.CoordinatedResult
	Mapeo    func(ctx context.Context, ledgerID string) (*api.FieldsMapping, error)
}

type stage int

const (
	stageUpload stage = iota
	stageValidateLedger
	stageConvertLedger
	stageValidateTrialBalance
	stageMapeo
	stageCount
)

var stageLabels = [stageCount]string{
	stageUpload:               "Carga de archivos",
	stageValidateLedger:       "Validación Libro Diario",
	stageConvertLedger:        "Conversión Libro Diario",
	stageValidateTrialBalance: "Validación Sumas y Saldos",
	stageMapeo:                "Mapeo de campos",
}

type runState int

const (
	runPending runState = iota
	runRunning
	runDone
	runFailed
	runSkipped
)

// Model follows one import from upload to field mapping.
type Model struct {
	pipe    Pipeline
	ctx     context.Context
	cancel  context.CancelFunc
	spinner spinner.Model

	stages [stageCount]runState
	notes  [stageCount]string

	pair     importer.CoordinatedPair
	progress chan progressMsg
	upload   *importer.UploadSetResult
	result   *importer.CoordinatedResult
	mapping  *api.FieldsMapping
	err      error

	started time.Time
	elapsed time.Duration
	done    bool
	aborted bool
	width   int
}

// New builds the model. Cancelling ctx, or quitting the program, stops the pipeline.
func New(ctx context.Context, pipe Pipeline) Model {
	ctx, cancel := context.WithCancel(ctx)
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = runningStyle.Padding(0)

	m := Model{
		pipe:     pipe,
		ctx:      ctx,
		cancel:   cancel,
		spinner:  sp,
		pair:     pipe.Pair,
		progress: make(chan progressMsg, 16),
		started:  time.Now(),
	}
	if pipe.Upload == nil {
		m.stages[stageUpload] = runSkipped
	}
	if pipe.Mapeo == nil {
		m.stages[stageMapeo] = runSkipped
	}
	return m
}

// Result is the coordinated validation outcome, nil until it finished.
func (m Model) Result() *importer.CoordinatedResult { return m.result }

// Uploaded is the upload outcome, nil when nothing was uploaded.
func (m Model) Uploaded() *importer.UploadSetResult { return m.upload }

// Mapping is the field mapping fetched after a successful conversion.
func (m Model) Mapping() *api.FieldsMapping { return m.mapping }

// Pair is the execution pair the view worked on.
func (m Model) Pair() importer.CoordinatedPair { return m.pair }

// Err is the error that stopped the pipeline before validation could report.
func (m Model) Err() error { return m.err }

// Aborted reports whether the user quit before the pipeline finished.
func (m Model) Aborted() bool { return m.aborted }
