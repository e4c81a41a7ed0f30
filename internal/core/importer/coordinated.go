package importer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"smartaudit/internal/infra/logx"
)

// CoordinatedPair links a ledger execution with its trial balance. Either half may be empty.
type CoordinatedPair struct {
	Ledger       string `json:"ledger"`
	TrialBalance string `json:"trial_balance"`
}

// PairFor derives the pair from the {id}-ss naming convention. Given a trial
// balance id it returns the pair of its ledger.
func PairFor(id string) CoordinatedPair {
	id = strings.TrimSpace(id)
	base := strings.TrimSuffix(id, trialBalanceSuffix)
	return CoordinatedPair{Ledger: base, TrialBalance: base + trialBalanceSuffix}
}

// State is a step of the coordinated validation state machine.
type State string

const (
	StateNotStarted             State = "not-started"
	StateValidatingLedger       State = "validating-ledger"
	StateConvertingLedger       State = "converting-ledger"
	StateValidatingTrialBalance State = "validating-trial-balance"
	StateCompleted              State = "completed"
	StateError                  State = "error"
)

// CoordinatedOptions tunes ValidateCoordinated. Zero poll options take the session defaults.
type CoordinatedOptions struct {
	Validation PollOptions
	Conversion PollOptions
	// Concurrent runs the ledger and trial balance legs in parallel.
	Concurrent bool
	// OnState is called on every transition with the execution id it concerns.
	OnState func(state State, executionID string)
}

// LegResult is what happened to one half of the pair.
type LegResult struct {
	ExecutionID string      `json:"execution_id"`
	Attempted   bool        `json:"attempted"`
	Validation  *PollResult `json:"validation,omitempty"`
	Conversion  *PollResult `json:"conversion,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// CoordinatedSummary holds one flag per required leg; a leg never attempted counts
// as true. Success still needs at least one attempted leg.
type CoordinatedSummary struct {
	LibroDiarioValidated bool `json:"libro_diario_validated"`
	LibroDiarioConverted bool `json:"libro_diario_converted"`
	SumasSaldosOK        bool `json:"sumas_saldos_ok"`
}

// CoordinatedResult is the outcome of ValidateCoordinated. Partial is set when
// some legs succeeded and others failed.
type CoordinatedResult struct {
	Pair         CoordinatedPair    `json:"pair"`
	Success      bool               `json:"success"`
	Partial      bool               `json:"partial"`
	State        State              `json:"state"`
	Summary      CoordinatedSummary `json:"summary"`
	Ledger       LegResult          `json:"ledger"`
	TrialBalance LegResult          `json:"trial_balance"`
	Error        string             `json:"error,omitempty"`
}

// ValidateCoordinatedID derives the pair from id and validates it.
func (s *Session) ValidateCoordinatedID(ctx context.Context, id string, opts CoordinatedOptions) CoordinatedResult {
	return s.ValidateCoordinated(ctx, PairFor(id), opts)
}

// ValidateCoordinated validates and converts the ledger, and validates the trial
// balance. Halves the backend does not know are skipped, but a pair with no known
// half fails. Conversion only starts after the ledger validated.
func (s *Session) ValidateCoordinated(ctx context.Context, pair CoordinatedPair, opts CoordinatedOptions) CoordinatedResult {
	var mu sync.Mutex
	emit := func(st State, id string) {
		logx.ForExecution(id).WithField("ledger", pair.Ledger).Debugf("coordinated state %s", st)
		if opts.OnState != nil {
			mu.Lock()
			opts.OnState(st, id)
			mu.Unlock()
		}
	}
	res := CoordinatedResult{
		Pair:         pair,
		State:        StateNotStarted,
		Summary:      CoordinatedSummary{LibroDiarioValidated: true, LibroDiarioConverted: true, SumasSaldosOK: true},
		Ledger:       LegResult{ExecutionID: pair.Ledger},
		TrialBalance: LegResult{ExecutionID: pair.TrialBalance},
	}
	emit(StateNotStarted, pair.Ledger)

	ledger := func(ctx context.Context) error {
		s.ledgerLeg(ctx, &res.Ledger, opts, emit)
		return nil
	}
	trial := func(ctx context.Context) error {
		s.trialBalanceLeg(ctx, &res.TrialBalance, opts, emit)
		return nil
	}
	if opts.Concurrent {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return ledger(gctx) })
		g.Go(func() error { return trial(gctx) })
		_ = g.Wait()
	} else {
		_ = ledger(ctx)
		_ = trial(ctx)
	}

	if res.Ledger.Attempted {
		res.Summary.LibroDiarioValidated = res.Ledger.Validation != nil && res.Ledger.Validation.Success
		res.Summary.LibroDiarioConverted = res.Ledger.Conversion != nil && res.Ledger.Conversion.Success
	}
	if res.TrialBalance.Attempted {
		res.Summary.SumasSaldosOK = res.TrialBalance.Validation != nil && res.TrialBalance.Validation.Success
	}
	sm := res.Summary
	res.Success = sm.LibroDiarioValidated && sm.LibroDiarioConverted && sm.SumasSaldosOK
	if !res.Ledger.Attempted && !res.TrialBalance.Attempted {
		// both terms are vacuous: nothing was validated
		res.Success = false
		res.Ledger.Error = fmt.Sprintf("ninguna ejecución encontrada para %s", describePair(pair))
	}
	if res.Success {
		res.State = StateCompleted
	} else {
		res.State = StateError
		res.Error = joinErrors(res.Ledger.Error, res.TrialBalance.Error)
		anyOK := (res.Ledger.Attempted && sm.LibroDiarioValidated) || (res.TrialBalance.Attempted && sm.SumasSaldosOK)
		res.Partial = anyOK
	}
	emit(res.State, pair.Ledger)
	logx.Infof("coordinated validation %s: success=%t partial=%t", pair.Ledger, res.Success, res.Partial)
	return res
}

// present reports whether the half should be processed. Ids this session
// uploaded are known to exist; any other id is looked up first.
func (s *Session) present(ctx context.Context, leg *LegResult) bool {
	if leg.ExecutionID == "" {
		return false
	}
	if s.Uploaded(leg.ExecutionID) {
		leg.Attempted = true
		return true
	}
	info, err := s.UploadInfo(ctx, leg.ExecutionID)
	if err != nil {
		leg.Attempted = true
		leg.Error = fmt.Sprintf("no se pudo obtener la información de %s: %v", leg.ExecutionID, err)
		return false
	}
	if !info.Found {
		logx.Debugf("execution %s not uploaded, skipping", leg.ExecutionID)
		return false
	}
	leg.Attempted = true
	return true
}

func (s *Session) ledgerLeg(ctx context.Context, leg *LegResult, opts CoordinatedOptions, emit func(State, string)) {
	if !s.present(ctx, leg) {
		return
	}
	id := leg.ExecutionID
	emit(StateValidatingLedger, id)
	if !s.validateLeg(ctx, leg, opts.Validation) {
		return
	}

	emit(StateConvertingLedger, id)
	if _, err := s.StartConversion(ctx, id); err != nil {
		leg.Error = fmt.Sprintf("error al iniciar la conversión de %s: %v", id, err)
		return
	}
	c, err := s.PollConversion(ctx, id, opts.Conversion)
	if err != nil {
		leg.Error = err.Error()
		return
	}
	leg.Conversion = &c
	if !c.Success {
		leg.Error = fmt.Sprintf("la conversión de %s terminó en %s: %s", id, c.FinalStatus, c.Error)
	}
}

func (s *Session) trialBalanceLeg(ctx context.Context, leg *LegResult, opts CoordinatedOptions, emit func(State, string)) {
	if !s.present(ctx, leg) {
		return
	}
	emit(StateValidatingTrialBalance, leg.ExecutionID)
	s.validateLeg(ctx, leg, opts.Validation)
}

func (s *Session) validateLeg(ctx context.Context, leg *LegResult, opts PollOptions) bool {
	id := leg.ExecutionID
	if _, err := s.StartValidation(ctx, id); err != nil {
		leg.Error = fmt.Sprintf("error al iniciar la validación de %s: %v", id, err)
		return false
	}
	v, err := s.PollValidation(ctx, id, opts)
	if err != nil {
		leg.Error = err.Error()
		return false
	}
	leg.Validation = &v
	if !v.Success {
		leg.Error = fmt.Sprintf("la validación de %s terminó en %s: %s", id, v.FinalStatus, v.Error)
		return false
	}
	return true
}

func describePair(p CoordinatedPair) string {
	switch {
	case p.Ledger != "" && p.TrialBalance != "":
		return p.Ledger + " / " + p.TrialBalance
	case p.Ledger != "":
		return p.Ledger
	case p.TrialBalance != "":
		return p.TrialBalance
	}
	return "un par vacío"
}

func joinErrors(msgs ...string) string {
	var out []string
	for _, m := range msgs {
		if m != "" {
			out = append(out, m)
		}
	}
	return strings.Join(out, "; ")
}
