package funnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
)

// ErrMalformedState reports a funnel state that breaks its own invariants.
// The session holding it can only be recovered by a reset.
var ErrMalformedState = errors.New("malformed funnel state")

// Record maps field keys to normalized answers.
type Record map[string]string

// Clone returns an independent copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	maps.Copy(out, r)
	return out
}

// State is the per-session progress through the funnel.
type State struct {
	StepIndex int    `json:"step_index"`
	Record    Record `json:"record"`
}

// NewState returns a state positioned on the first question.
func NewState() *State {
	return &State{Record: Record{}}
}

// Complete reports whether every field has been answered.
func (s *State) Complete() bool {
	return s.StepIndex >= TotalFields()
}

// Check verifies the state invariants.
func (s *State) Check() error {
	total := TotalFields()
	switch {
	case s.StepIndex < 0:
		return fmt.Errorf("%w: negative step %d", ErrMalformedState, s.StepIndex)
	case s.StepIndex > total:
		return fmt.Errorf("%w: step %d past %d fields", ErrMalformedState, s.StepIndex, total)
	case s.StepIndex != len(s.Record):
		return fmt.Errorf("%w: step %d with %d answers", ErrMalformedState, s.StepIndex, len(s.Record))
	}
	for key := range s.Record {
		if !isKnownKey(key) {
			return fmt.Errorf("%w: unknown field %q", ErrMalformedState, key)
		}
	}
	return nil
}

// Persister receives the finished record when the funnel completes.
type Persister interface {
	PersistLead(ctx context.Context, record Record) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, record Record) error

// PersistLead calls f.
func (f PersisterFunc) PersistLead(ctx context.Context, record Record) error {
	return f(ctx, record)
}

// Texts holds the fixed assistant messages that are not tied to a field.
type Texts struct {
	Ack            string
	ErrorPrefix    string
	Completion     string
	SaveFailed     string
	PostCompletion string
}

// DefaultTexts returns the pt-BR messages used in production.
func DefaultTexts() Texts {
	return Texts{
		Ack:         "✅ Entendi!",
		ErrorPrefix: "⚠️ ",
		Completion: "Perfeito! Lead completo e salvo ✅\n\n" +
			"Em breve nossa equipe entrará em contato. " +
			"Se quiser, pode me contar mais preferências (bairro, vagas, pet-friendly etc.).",
		SaveFailed: "Seus dados foram recebidos, mas tivemos um problema ao registrá-los. " +
			"Nossa equipe vai verificar e entrar em contato.",
		PostCompletion: "Obrigada! Se quiser, posso anotar mais preferências (bairro, vagas, pet-friendly, " +
			"condomínio, lazer). Também posso encaminhar seu contato para um corretor agora.",
	}
}

// Reply is what a single submission produced.
type Reply struct {
	Messages []string
	// Field is the key of the question the input answered, empty once complete.
	Field string
	// Accepted is true when the input advanced the funnel.
	Accepted bool
	// Completed is true only on the submission that finished the funnel.
	Completed bool
	// PersistErr is set when the completion action failed to store the record.
	PersistErr error
}

// Machine drives a State through the field table.
type Machine struct {
	texts  Texts
	logger *slog.Logger
}

// NewMachine creates a state machine with the given texts.
func NewMachine(texts Texts, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{texts: texts, logger: logger}
}

// Texts returns the fixed messages the machine emits.
func (m *Machine) Texts() Texts {
	return m.texts
}

// CurrentPrompt returns the question for the current step, or the completion
// message once the funnel is complete. It never persists anything.
func (m *Machine) CurrentPrompt(st *State) string {
	if f, ok := FieldAt(st.StepIndex); ok {
		return f.Prompt
	}
	return m.texts.Completion
}

// Submit applies one user input to st. Every call emits at least one message.
// The persister runs exactly once per funnel, on the submission that answers
// the last field.
func (m *Machine) Submit(ctx context.Context, st *State, raw string, p Persister) (Reply, error) {
	if err := st.Check(); err != nil {
		return Reply{}, err
	}

	f, ok := FieldAt(st.StepIndex)
	if !ok {
		return Reply{Messages: []string{m.texts.PostCompletion}}, nil
	}

	if !f.Validate(raw) {
		return Reply{
			Field:    f.Key,
			Messages: []string{m.texts.ErrorPrefix + f.ErrorText, f.Prompt},
		}, nil
	}

	st.Record[f.Key] = f.Normalize(raw)
	st.StepIndex++

	reply := Reply{
		Field:    f.Key,
		Accepted: true,
		Messages: []string{m.texts.Ack},
	}

	if next, ok := FieldAt(st.StepIndex); ok {
		reply.Messages = append(reply.Messages, next.Prompt)
		return reply, nil
	}

	reply.Completed = true
	if err := m.complete(ctx, st, p); err != nil {
		reply.PersistErr = err
		reply.Messages = append(reply.Messages, m.texts.SaveFailed)
		return reply, nil
	}
	reply.Messages = append(reply.Messages, m.texts.Completion)
	return reply, nil
}

func (m *Machine) complete(ctx context.Context, st *State, p Persister) error {
	if p == nil {
		return nil
	}
	if err := p.PersistLead(ctx, st.Record.Clone()); err != nil {
		m.logger.Error("Failed to persist completed lead", "error", err)
		return fmt.Errorf("persist lead: %w", err)
	}
	return nil
}
