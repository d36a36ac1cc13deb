package auth

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

const (
	textCodeInvalidTransition = "INVALID_INVITATION_TRANSITION"
	textCodeTerminalState     = "TERMINAL_INVITATION_STATE"
)

// ErrInvalidTransition is returned when a requested status change is not allowed.
var ErrInvalidTransition = goerrors.New("invalid invitation state transition", goerrors.CategoryValidation).
	WithTextCode(textCodeInvalidTransition).
	WithCode(goerrors.CodeBadRequest)

// ErrTerminalState is returned when attempting to move away from accepted, expired or revoked.
var ErrTerminalState = goerrors.New("invitation state is terminal", goerrors.CategoryConflict).
	WithTextCode(textCodeTerminalState).
	WithCode(goerrors.CodeConflict)

// TransitionMetadata captures extra context for a transition.
type TransitionMetadata struct {
	Reason   string
	Metadata map[string]any
}

// TransitionContext is passed into hooks for additional processing.
type TransitionContext struct {
	Actor      ActorRef
	Invitation *Invitation
	From       InvitationStatus
	To         InvitationStatus
	Meta       TransitionMetadata
}

// TransitionHook is executed before or after a transition. Hooks run
// inside the caller's transaction, so an error rolls everything back.
type TransitionHook func(ctx context.Context, tc TransitionContext) error

// TransitionHookPhase identifies whether a hook ran before or after persistence.
type TransitionHookPhase string

const (
	HookPhaseBefore TransitionHookPhase = "before_transition"
	HookPhaseAfter  TransitionHookPhase = "after_transition"
)

// TransitionOption customizes a single transition.
type TransitionOption func(*transitionOptions)

// InvitationStateMachine guards the invitation lifecycle:
// pending -> accepted | revoked | expired, all three terminal.
type InvitationStateMachine interface {
	Transition(ctx context.Context, tx bun.IDB, actor ActorRef, inv *Invitation, target InvitationStatus, opts ...TransitionOption) (*Invitation, error)
	CanTransition(from, to InvitationStatus) bool
}

// HookErrorHandler handles errors surfaced by transition hooks.
type HookErrorHandler func(ctx context.Context, phase TransitionHookPhase, err error, tc TransitionContext) error

// StateMachineOption customizes state machine construction.
type StateMachineOption func(*invitationStateMachine)

// WithStateMachineClock injects a custom clock (useful for tests).
func WithStateMachineClock(clock func() time.Time) StateMachineOption {
	return func(sm *invitationStateMachine) {
		if clock != nil {
			sm.now = normalizeClock(clock)
		}
	}
}

// WithStateMachineActivitySink sets the ActivitySink used to publish lifecycle events.
func WithStateMachineActivitySink(sink ActivitySink) StateMachineOption {
	return func(sm *invitationStateMachine) {
		sm.activitySink = normalizeActivitySink(sink)
	}
}

// WithStateMachineHookErrorHandler overrides how hook failures are propagated.
func WithStateMachineHookErrorHandler(handler HookErrorHandler) StateMachineOption {
	return func(sm *invitationStateMachine) {
		if handler != nil {
			sm.hookErrorHandler = handler
		}
	}
}

// WithStateMachineLogger overrides the logger used for sink failures.
func WithStateMachineLogger(logger Logger) StateMachineOption {
	return func(sm *invitationStateMachine) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// WithTransitionReason sets the human-readable reason for the transition.
func WithTransitionReason(reason string) TransitionOption {
	return func(opts *transitionOptions) {
		opts.metadata.Reason = reason
	}
}

// WithTransitionMetadata merges metadata into the transition context.
func WithTransitionMetadata(metadata map[string]any) TransitionOption {
	return func(opts *transitionOptions) {
		if len(metadata) == 0 {
			return
		}
		if opts.metadata.Metadata == nil {
			opts.metadata.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			opts.metadata.Metadata[k] = v
		}
	}
}

// WithBeforeTransitionHook adds a hook executed before the status update.
func WithBeforeTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.beforeHooks = append(opts.beforeHooks, h)
		}
	}
}

// WithAfterTransitionHook adds a hook executed after the status update succeeds.
func WithAfterTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.afterHooks = append(opts.afterHooks, h)
		}
	}
}

// NewInvitationStateMachine returns the default implementation backed by the invitation store.
func NewInvitationStateMachine(store *InvitationStore, opts ...StateMachineOption) InvitationStateMachine {
	sm := &invitationStateMachine{
		store: store,
		transitions: map[InvitationStatus]map[InvitationStatus]struct{}{
			InvitationPending: {
				InvitationAccepted: {},
				InvitationRevoked:  {},
				InvitationExpired:  {},
			},
		},
		now:          utcNow,
		activitySink: noopActivitySink{},
		logger:       defLogger{},
		hookErrorHandler: func(_ context.Context, _ TransitionHookPhase, err error, _ TransitionContext) error {
			return err
		},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}

	if sm.store == nil {
		sm.store = &InvitationStore{}
	}

	return sm
}

type invitationStateMachine struct {
	store            *InvitationStore
	transitions      map[InvitationStatus]map[InvitationStatus]struct{}
	now              func() time.Time
	activitySink     ActivitySink
	logger           Logger
	hookErrorHandler HookErrorHandler
}

type transitionOptions struct {
	metadata    TransitionMetadata
	beforeHooks []TransitionHook
	afterHooks  []TransitionHook
}

func (o *transitionOptions) cloneMetadata() TransitionMetadata {
	var cloned map[string]any
	if len(o.metadata.Metadata) > 0 {
		cloned = make(map[string]any, len(o.metadata.Metadata))
		for k, v := range o.metadata.Metadata {
			cloned[k] = v
		}
	}

	return TransitionMetadata{
		Reason:   o.metadata.Reason,
		Metadata: cloned,
	}
}

func (sm *invitationStateMachine) Transition(ctx context.Context, tx bun.IDB, actor ActorRef, inv *Invitation, target InvitationStatus, opts ...TransitionOption) (*Invitation, error) {
	if inv == nil {
		return nil, withMetadata(ErrInvalidTransition, map[string]any{
			"target": target,
			"reason": "invitation is nil",
		})
	}

	from := inv.Status
	if target == "" {
		return nil, withMetadata(ErrInvalidTransition, map[string]any{
			"reason": "target status is empty",
		})
	}

	if from.IsTerminal() {
		return nil, withMetadata(ErrTerminalState, map[string]any{
			"from": from,
			"to":   target,
		})
	}

	if !sm.CanTransition(from, target) {
		return nil, withMetadata(ErrInvalidTransition, map[string]any{
			"from": from,
			"to":   target,
		})
	}

	options := sm.buildTransitionOptions(opts...)
	ctxData := TransitionContext{
		Actor:      actor,
		Invitation: inv,
		From:       from,
		To:         target,
		Meta:       options.cloneMetadata(),
	}

	if err := sm.runHooks(ctx, options.beforeHooks, ctxData, HookPhaseBefore); err != nil {
		return nil, err
	}

	next := *inv
	next.Status = target
	if target == InvitationAccepted {
		at := sm.now()
		next.AcceptedAt = &at
	}

	moved, err := sm.store.TransitionTx(ctx, tx, &next)
	if err != nil {
		return nil, internalError(err, "failed to update invitation status")
	}
	if !moved {
		// someone else moved it out of pending first
		return nil, withMetadata(ErrTerminalState, map[string]any{
			"invitation_id": inv.ID.String(),
			"to":            target,
		})
	}

	inv.Status = next.Status
	inv.AcceptedAt = next.AcceptedAt

	if err := sm.runHooks(ctx, options.afterHooks, ctxData, HookPhaseAfter); err != nil {
		return nil, err
	}

	activityRecorder{sink: sm.activitySink, logger: sm.logger, now: sm.now}.record(ctx, ActivityEvent{
		EventType:      ActivityEventInvitationTransition,
		Actor:          actor,
		OrganizationID: inv.OrganizationID.String(),
		FromStatus:     string(from),
		ToStatus:       string(target),
		Metadata:       sm.transitionMetadata(inv, ctxData.Meta),
	})

	return inv, nil
}

func (sm *invitationStateMachine) CanTransition(from, to InvitationStatus) bool {
	if allowed, ok := sm.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

func (sm *invitationStateMachine) runHooks(ctx context.Context, hooks []TransitionHook, data TransitionContext, phase TransitionHookPhase) error {
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		if err := hook(ctx, data); err != nil {
			if sm.hookErrorHandler == nil {
				return err
			}
			return sm.hookErrorHandler(ctx, phase, err, data)
		}
	}
	return nil
}

func (sm *invitationStateMachine) buildTransitionOptions(opts ...TransitionOption) *transitionOptions {
	options := &transitionOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	return options
}

func (sm *invitationStateMachine) transitionMetadata(inv *Invitation, meta TransitionMetadata) map[string]any {
	result := map[string]any{
		"invitation_id": inv.ID.String(),
		"email":         inv.Email,
	}
	if meta.Reason != "" {
		result["reason"] = meta.Reason
	}
	for k, v := range meta.Metadata {
		result[k] = v
	}
	return result
}
