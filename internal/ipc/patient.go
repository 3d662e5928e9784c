package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrKilled is returned by Prompt when the controller sends Kill instead of
// an answer.
var ErrKilled = errors.New("killed by controller")

// Fix is a typed choice offered to the user.
type Fix[T any] struct {
	ID           T
	Label        *string
	ConfirmLabel *string
	Description  *string
}

// PatientChoiceReceiver correlates a DoctorReport with its answer.
type PatientChoiceReceiver[T any] struct {
	report DoctorReport
}

// NewPatientChoiceReceiver builds a report with a fresh id. Fix ids are
// encoded as JSON so that any answer can be decoded back into T.
func NewPatientChoiceReceiver[T any](translationKey string, message *string, args map[string]string, fixes []Fix[T]) (*PatientChoiceReceiver[T], error) {
	r := &PatientChoiceReceiver[T]{report: DoctorReport{
		ID:             uuid.New(),
		TranslationKey: translationKey,
		Message:        message,
		Args:           args,
		Fixes:          make([]DoctorFix, 0, len(fixes)),
	}}
	for _, f := range fixes {
		id, err := json.Marshal(f.ID)
		if err != nil {
			return nil, fmt.Errorf("cannot encode fix id: %w", err)
		}
		r.report.Fixes = append(r.report.Fixes, DoctorFix{
			ID:           id,
			Label:        f.Label,
			ConfirmLabel: f.ConfirmLabel,
			Description:  f.Description,
		})
	}
	return r, nil
}

// ID returns the correlation id.
func (r *PatientChoiceReceiver[T]) ID() uuid.UUID { return r.report.ID }

// Report returns the message to send.
func (r *PatientChoiceReceiver[T]) Report() *DoctorReport {
	rep := r.report
	return &rep
}

// Accept decodes m when it answers this receiver's report. Other messages
// are reported as not matching.
func (r *PatientChoiceReceiver[T]) Accept(m S2CMessage) (T, bool, error) {
	var choice T
	resp, ok := m.(*PatientResponse)
	if !ok || resp.ID != r.report.ID {
		return choice, false, nil
	}
	if err := json.Unmarshal(resp.Choice, &choice); err != nil {
		return choice, true, fmt.Errorf("%w: choice for %s: %v", ErrBadData, r.report.ID, err)
	}
	return choice, true, nil
}

// Prompt sends a DoctorReport over conn and waits for its answer, ignoring
// unrelated messages.
func Prompt[T any](ctx context.Context, conn Conn, translationKey string, message *string, args map[string]string, fixes []Fix[T]) (T, error) {
	var zero T
	r, err := NewPatientChoiceReceiver(translationKey, message, args, fixes)
	if err != nil {
		return zero, err
	}
	if err := conn.Send(ctx, r.Report()); err != nil {
		return zero, err
	}
	for {
		m, err := conn.Recv(ctx)
		if err != nil {
			return zero, err
		}
		if _, ok := m.(*Kill); ok {
			return zero, ErrKilled
		}
		choice, ok, err := r.Accept(m)
		if err != nil {
			return zero, err
		}
		if ok {
			return choice, nil
		}
	}
}

// Label is a convenience for building Fix labels.
func Label(s string) *string { return &s }
