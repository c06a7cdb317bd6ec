// Package orchestrator runs one user instruction at a time through local
// edit interpretation, session resolution, generation, loading, persistence
// and history refresh.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manash/gen3d/internal/display"
	"github.com/manash/gen3d/internal/persist"
	"github.com/manash/gen3d/internal/provider"
	"github.com/manash/gen3d/internal/transform"
	"github.com/manash/gen3d/pkg/models"
)

var ErrActionInProgress = errors.New("another action is in progress")

// imagePrompt is recorded for image-to-3D artifacts submitted without text.
const imagePrompt = "image to 3D"

type State int

const (
	Idle State = iota
	Interpreting
	LocalApplied
	SessionResolving
	Generating
	Loading
	Persisting
	HistoryRefreshing
	Done
	Failed
)

var stateNames = [...]string{
	Idle:              "idle",
	Interpreting:      "interpreting",
	LocalApplied:      "local_applied",
	SessionResolving:  "session_resolving",
	Generating:        "generating",
	Loading:           "loading",
	Persisting:        "persisting",
	HistoryRefreshing: "history_refreshing",
	Done:              "done",
	Failed:            "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Backend is the generation surface the orchestrator drives.
type Backend interface {
	AppendEdit(ctx context.Context, sessionID, instruction string, params models.Params) (*models.GenerationResult, error)
	ImageTo3D(ctx context.Context, image []byte, params models.Params) (*models.GenerationResult, error)
}

// Sessions is implemented by session.Manager.
type Sessions interface {
	Current() (string, bool, error)
	EnsureSession(ctx context.Context, params models.Params) (string, error)
	RecreateSession(ctx context.Context, params models.Params) (string, error)
	StartNew(ctx context.Context, params models.Params) (string, error)
}

type Persister interface {
	Persist(ctx context.Context, req persist.Request) (*models.Artifact, error)
}

type HistorySource interface {
	List(ctx context.Context, sessionID string) ([]models.HistoryEntry, error)
}

type Config struct {
	Backend   Backend
	Sessions  Sessions
	Viewer    display.Viewer
	Transform *transform.State
	// Persister and History are optional. Without a persister every artifact
	// keeps its ephemeral URL.
	Persister Persister
	History   HistorySource
	Logger    *zap.Logger
	// OnState observes every state transition.
	OnState func(State)
}

type Instruction struct {
	Text   string
	Params models.Params
	// Continue keeps the cached session. When false a new session is started
	// and the visible history is cleared first.
	Continue bool
	// Image switches generation to image-to-3D.
	Image []byte
}

type OutcomeKind int

const (
	OutcomeLocalEdit OutcomeKind = iota
	OutcomeGenerated
)

type Outcome struct {
	Kind OutcomeKind
	// Transform is the overlay after a local edit.
	Transform transform.Transform

	Artifact    *models.Artifact
	DownloadURL string
	Persisted   bool
	PersistErr  error
	History     []models.HistoryEntry
	HistoryErr  error
}

type Orchestrator struct {
	backend   Backend
	sessions  Sessions
	viewer    display.Viewer
	transform *transform.State
	persister Persister
	history   HistorySource
	logger    *zap.Logger
	onState   func(State)

	busy atomic.Bool

	mu      sync.Mutex
	state   State
	status  string
	entries []models.HistoryEntry
}

func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ts := cfg.Transform
	if ts == nil {
		ts = transform.NewState()
	}
	return &Orchestrator{
		backend:   cfg.Backend,
		sessions:  cfg.Sessions,
		viewer:    cfg.Viewer,
		transform: ts,
		persister: cfg.Persister,
		history:   cfg.History,
		logger:    logger.With(zap.String("component", "orchestrator")),
		onState:   cfg.OnState,
	}
}

// HandleInstruction runs a single action. A call made while another action
// is running returns ErrActionInProgress without side effects.
func (o *Orchestrator) HandleInstruction(ctx context.Context, in Instruction) (*Outcome, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return nil, ErrActionInProgress
	}
	defer o.busy.Store(false)

	o.setState(Interpreting)
	if len(in.Image) == 0 {
		_, loaded := o.viewer.Current()
		if edit, ok := transform.Interpret(in.Text, loaded); ok {
			t := o.transform.Apply(edit)
			o.viewer.ApplyTransform(t)
			o.setState(LocalApplied)
			o.setStatus("Applied local edit")
			return &Outcome{Kind: OutcomeLocalEdit, Transform: t}, nil
		}
	}

	out, err := o.generate(ctx, in)
	if err != nil {
		o.setState(Failed)
		o.setStatus("Error: " + err.Error())
		o.logger.Warn("action failed", zap.Error(err))
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) generate(ctx context.Context, in Instruction) (*Outcome, error) {
	params := in.Params.Normalize()
	prompt := models.InstructionOrFallback(in.Text)
	if len(in.Image) > 0 && strings.TrimSpace(in.Text) == "" {
		prompt = imagePrompt
	}

	o.setState(SessionResolving)
	sessionID, err := o.resolveSession(ctx, in.Continue, params)
	if err != nil {
		return nil, err
	}

	o.setState(Generating)
	res, sessionID, err := o.call(ctx, sessionID, prompt, in.Image, params)
	if err != nil {
		return nil, err
	}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}

	o.setState(Loading)
	if _, err := o.viewer.LoadAsset(ctx, res.URL); err != nil {
		return nil, err
	}
	o.transform.Reset()

	art := &models.Artifact{
		ID:           res.ID,
		SessionID:    sessionID,
		Prompt:       prompt,
		Params:       params,
		EphemeralURL: res.URL,
	}
	out := &Outcome{Kind: OutcomeGenerated, Artifact: art}

	if o.persister != nil {
		o.setState(Persisting)
		durable, err := o.persister.Persist(ctx, persist.Request{
			SessionID:    sessionID,
			ArtifactID:   res.ID,
			Prompt:       prompt,
			Params:       params,
			EphemeralURL: res.URL,
		})
		if err != nil {
			out.PersistErr = err
		} else {
			out.Artifact = durable
			out.Persisted = true
		}
	}
	out.DownloadURL = out.Artifact.DownloadURL()

	if o.history != nil {
		o.setState(HistoryRefreshing)
		entries, err := o.history.List(ctx, sessionID)
		if err != nil {
			out.HistoryErr = err
			o.logger.Warn("history refresh failed", zap.String("session_id", sessionID), zap.Error(err))
		} else {
			o.setHistory(entries)
		}
	}
	out.History = o.History()

	o.setState(Done)
	o.setStatus(doneStatus(out))
	o.logger.Info("action done",
		zap.String("session_id", sessionID),
		zap.String("artifact_id", art.ID),
		zap.Bool("persisted", out.Persisted))
	return out, nil
}

// doneStatus lists every degraded step, persistence first.
func doneStatus(out *Outcome) string {
	var notes []string
	if out.PersistErr != nil {
		notes = append(notes, "not saved: "+out.PersistErr.Error())
	}
	if out.HistoryErr != nil {
		notes = append(notes, "history unavailable: "+out.HistoryErr.Error())
	}
	switch {
	case len(notes) > 0:
		return "Done (" + strings.Join(notes, "; ") + ")"
	case out.Persisted:
		return "Done (saved to history)"
	default:
		return "Done"
	}
}

func (o *Orchestrator) resolveSession(ctx context.Context, cont bool, params models.Params) (string, error) {
	if cont {
		return o.sessions.EnsureSession(ctx, params)
	}
	id, err := o.sessions.StartNew(ctx, params)
	if err != nil {
		return "", err
	}
	o.setHistory(nil)
	return id, nil
}

// call performs the generation request. An append rejected with
// session-not-found is retried once against a recreated session; the
// returned id is the session the result belongs to.
func (o *Orchestrator) call(ctx context.Context, sessionID, prompt string, image []byte, params models.Params) (*models.GenerationResult, string, error) {
	if len(image) > 0 {
		res, err := o.backend.ImageTo3D(ctx, image, params)
		return res, sessionID, err
	}

	res, err := o.backend.AppendEdit(ctx, sessionID, prompt, params)
	if err == nil || !provider.IsSessionNotFound(err) {
		return res, sessionID, err
	}

	o.logger.Info("session missing on backend, recreating", zap.String("session_id", sessionID))
	o.setState(SessionResolving)
	newID, rerr := o.sessions.RecreateSession(ctx, params)
	if rerr != nil {
		return nil, sessionID, rerr
	}

	o.setState(Generating)
	res, err = o.backend.AppendEdit(ctx, newID, prompt, params)
	return res, newID, err
}

// NewChat starts a fresh session and clears the visible history.
func (o *Orchestrator) NewChat(ctx context.Context, params models.Params) (string, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return "", ErrActionInProgress
	}
	defer o.busy.Store(false)

	id, err := o.resolveSession(ctx, false, params.Normalize())
	if err != nil {
		o.setStatus("Error: " + err.Error())
		return "", err
	}
	o.setStatus("New session " + id)
	return id, nil
}

// LoadFromHistory shows a past artifact and resets the overlay.
func (o *Orchestrator) LoadFromHistory(ctx context.Context, entry models.HistoryEntry) error {
	if !o.busy.CompareAndSwap(false, true) {
		return ErrActionInProgress
	}
	defer o.busy.Store(false)

	if _, err := o.viewer.LoadAsset(ctx, entry.URL); err != nil {
		o.setStatus("Error: " + err.Error())
		return err
	}
	o.transform.Reset()
	o.setStatus("Loaded " + entry.ID)
	return nil
}

// RefreshHistory reloads the active session's history. With no active
// session the history is empty.
func (o *Orchestrator) RefreshHistory(ctx context.Context) ([]models.HistoryEntry, error) {
	if o.history == nil {
		return nil, nil
	}
	id, ok, err := o.sessions.Current()
	if err != nil {
		return nil, err
	}
	if !ok {
		o.setHistory(nil)
		return nil, nil
	}
	entries, err := o.history.List(ctx, id)
	if err != nil {
		return nil, err
	}
	o.setHistory(entries)
	return o.History(), nil
}

// History returns the last loaded history, newest first.
func (o *Orchestrator) History() []models.HistoryEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.entries)
}

func (o *Orchestrator) Transform() transform.Transform {
	return o.transform.Current()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Status() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Orchestrator) Busy() bool {
	return o.busy.Load()
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()

	o.logger.Debug("state", zap.Stringer("state", s))
	if o.onState != nil {
		o.onState(s)
	}
}

func (o *Orchestrator) setStatus(s string) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()
}

func (o *Orchestrator) setHistory(entries []models.HistoryEntry) {
	o.mu.Lock()
	o.entries = entries
	o.mu.Unlock()
}
