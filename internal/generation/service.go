// Package generation drives the lifecycle of a model reply: it accepts
// generation requests, enforces idempotency and admission control, supervises
// the background relay task, forwards inference events to the subscribed
// client, and commits the terminal outcome exactly once per generation.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minichat/api/internal/inference"
	"github.com/minichat/api/internal/models"
)

// Error codes recorded on non-success outcomes.
const (
	errCodeCanceled    = "canceled"
	errCodeInference   = "inference_error"
	errCodeStreamEnded = "stream_ended"
)

// subscriberBuffer bounds how far a slow client may lag before events are
// dropped from its channel. The persisted record stays authoritative.
const subscriberBuffer = 256

// ChatStore is the chat collaborator consumed by the service.
type ChatStore interface {
	GetOwned(ctx context.Context, chatID, userID uuid.UUID) (*models.Chat, error)
	Touch(ctx context.Context, chatID uuid.UUID) error
}

// MessageStore is the message collaborator consumed by the service.
type MessageStore interface {
	Append(ctx context.Context, chatID uuid.UUID, role models.Role, content string) (*models.Message, error)
	History(ctx context.Context, chatID uuid.UUID) ([]models.Message, error)
}

// GenerationStore is the durable record of generation state, owned
// exclusively by this service.
type GenerationStore interface {
	Create(ctx context.Context, gen *models.Generation) error
	GetOwned(ctx context.Context, generationID, userID uuid.UUID) (*models.Generation, error)
	GetByRequestID(ctx context.Context, userID uuid.UUID, requestID string) (*models.Generation, error)
	MarkStreaming(ctx context.Context, generationID uuid.UUID, startedAt time.Time) (bool, error)
	Finalize(ctx context.Context, generationID uuid.UUID, outcome models.GenerationOutcome) (bool, error)
}

// AdmissionLimiter enforces the per-second budget and the single in-flight
// slot.
type AdmissionLimiter interface {
	EnforceRate(ctx context.Context, userID uuid.UUID) error
	AcquireSlot(ctx context.Context, userID, generationID uuid.UUID) (bool, error)
	ReleaseSlot(ctx context.Context, userID, generationID uuid.UUID) error
	SlotHolder(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
}

// Gateway is the streaming inference endpoint.
type Gateway interface {
	StreamGenerate(ctx context.Context, req inference.GenerateRequest, onEvent func(inference.Event)) error
	Cancel(ctx context.Context, generationID uuid.UUID)
}

// EventPublisher is the fire-and-forget audit/usage sink.
type EventPublisher interface {
	PublishAudit(userID uuid.UUID, action string, metadata map[string]string)
	PublishUsage(userID, generationID uuid.UUID, inputTokens, outputTokens int, model string)
}

// Defaults are the process-wide generation parameters applied when a create
// request leaves them unset.
type Defaults struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// flight is the in-process state of one streaming generation.
type flight struct {
	userID    uuid.UUID
	ch        chan inference.Event
	finalized bool
}

// Service orchestrates generation create, stream and cancel.
type Service struct {
	chats       ChatStore
	messages    MessageStore
	generations GenerationStore
	limiter     AdmissionLimiter
	gateway     Gateway
	events      EventPublisher
	defaults    Defaults
	logger      *zap.Logger

	mu              sync.Mutex
	flights         map[uuid.UUID]*flight
	cancelRequested map[uuid.UUID]struct{}
}

// NewService wires the orchestrator with its collaborators.
func NewService(chats ChatStore, messages MessageStore, generations GenerationStore,
	limiter AdmissionLimiter, gateway Gateway, events EventPublisher,
	defaults Defaults, logger *zap.Logger) *Service {
	return &Service{
		chats:           chats,
		messages:        messages,
		generations:     generations,
		limiter:         limiter,
		gateway:         gateway,
		events:          events,
		defaults:        defaults,
		logger:          logger,
		flights:         make(map[uuid.UUID]*flight),
		cancelRequested: make(map[uuid.UUID]struct{}),
	}
}

// CreateParams are the caller-supplied parameters for a new generation.
type CreateParams struct {
	UserMessage  string
	Model        string
	SystemPrompt string
	Temperature  *float64
	MaxTokens    *int
	RequestID    string
}

// Create appends the user message and persists a queued generation. When a
// request id is supplied and a generation already exists for this user and
// id, the existing generation id is returned and nothing else happens.
func (s *Service) Create(ctx context.Context, userID, chatID uuid.UUID, params CreateParams) (uuid.UUID, error) {
	if _, err := s.chats.GetOwned(ctx, chatID, userID); err != nil {
		return uuid.Nil, err
	}

	requestID := strings.TrimSpace(params.RequestID)
	if requestID != "" {
		existing, err := s.generations.GetByRequestID(ctx, userID, requestID)
		if err == nil {
			return existing.ID, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return uuid.Nil, err
		}
	} else {
		requestID = uuid.NewString()
	}

	if _, err := s.messages.Append(ctx, chatID, models.RoleUser, strings.TrimSpace(params.UserMessage)); err != nil {
		return uuid.Nil, err
	}
	if err := s.chats.Touch(ctx, chatID); err != nil {
		return uuid.Nil, err
	}

	gen := &models.Generation{
		ID:           uuid.New(),
		ChatID:       chatID,
		UserID:       userID,
		Status:       models.GenerationStatusQueued,
		Model:        orDefault(params.Model, s.defaults.Model),
		SystemPrompt: strings.TrimSpace(params.SystemPrompt),
		Temperature:  s.defaults.Temperature,
		MaxTokens:    s.defaults.MaxTokens,
		RequestID:    requestID,
	}
	if params.Temperature != nil {
		gen.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		gen.MaxTokens = *params.MaxTokens
	}

	if err := s.generations.Create(ctx, gen); err != nil {
		if errors.Is(err, models.ErrConflict) {
			// Lost a create race on the same request id; the winner's
			// record is the one to return.
			existing, lookupErr := s.generations.GetByRequestID(ctx, userID, requestID)
			if lookupErr == nil {
				return existing.ID, nil
			}
		}
		return uuid.Nil, err
	}

	s.events.PublishAudit(userID, "create_generation", map[string]string{
		"generationId": gen.ID.String(),
		"chatId":       chatID.String(),
		"requestId":    requestID,
	})
	return gen.ID, nil
}

// Stream transitions a queued generation to streaming and launches the
// background relay task. It returns the subscriber channel immediately; the
// relay feeds it asynchronously and it is closed once the generation is
// finalized. A generation can be streamed exactly once.
func (s *Service) Stream(ctx context.Context, userID, generationID uuid.UUID) (<-chan inference.Event, error) {
	gen, err := s.generations.GetOwned(ctx, generationID, userID)
	if err != nil {
		return nil, err
	}
	if gen.Status != models.GenerationStatusQueued {
		return nil, models.ErrConflict
	}

	if err := s.limiter.EnforceRate(ctx, userID); err != nil {
		return nil, err
	}
	acquired, err := s.limiter.AcquireSlot(ctx, userID, generationID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		if holder, holderErr := s.limiter.SlotHolder(ctx, userID); holderErr == nil && holder != uuid.Nil {
			return nil, fmt.Errorf("%w: generation %s is already in flight", models.ErrConflict, holder)
		}
		return nil, models.ErrConflict
	}

	// Register the subscriber before the state transition so a concurrent
	// cancel always finds the live channel.
	f := &flight{userID: userID, ch: make(chan inference.Event, subscriberBuffer)}
	s.mu.Lock()
	s.flights[generationID] = f
	s.mu.Unlock()

	moved, err := s.generations.MarkStreaming(ctx, generationID, time.Now().UTC())
	if err == nil && !moved {
		err = models.ErrConflict
	}
	if err != nil {
		s.mu.Lock()
		delete(s.flights, generationID)
		s.mu.Unlock()
		close(f.ch)
		if releaseErr := s.limiter.ReleaseSlot(ctx, userID, generationID); releaseErr != nil {
			s.logger.Warn("failed to release in-flight slot",
				zap.String("generation_id", generationID.String()), zap.Error(releaseErr))
		}
		return nil, err
	}

	go s.runRelay(gen)
	return f.ch, nil
}

// Cancel requests termination of a generation. Always reports accepted:
// canceling a finished generation is a no-op, a queued one is finalized
// synchronously, and a streaming one is flagged so finalization observes the
// cancellation when the relay task winds down.
func (s *Service) Cancel(ctx context.Context, userID, generationID uuid.UUID) error {
	gen, err := s.generations.GetOwned(ctx, generationID, userID)
	if err != nil {
		return err
	}

	switch {
	case gen.Status.Terminal():
		// Repeated cancel of a finished generation is not an error.
	case gen.Status == models.GenerationStatusQueued:
		code, msg := errCodeCanceled, "Canceled before stream"
		applied, err := s.generations.Finalize(ctx, generationID, models.GenerationOutcome{
			Status:       models.GenerationStatusCanceled,
			ErrorCode:    &code,
			ErrorMessage: &msg,
		})
		if err != nil {
			return err
		}
		if !applied {
			// The generation slipped into streaming between the read and
			// the guarded write; fall back to the asynchronous path.
			s.flagCancel(generationID)
			s.gateway.Cancel(ctx, generationID)
		}
	default: // streaming
		s.flagCancel(generationID)
		s.gateway.Cancel(ctx, generationID)
	}

	s.events.PublishAudit(userID, "cancel_generation", map[string]string{
		"generationId": generationID.String(),
	})
	return nil
}

func (s *Service) flagCancel(generationID uuid.UUID) {
	s.mu.Lock()
	s.cancelRequested[generationID] = struct{}{}
	s.mu.Unlock()
}

// forward delivers an event to the generation's subscriber, if any. Slow
// subscribers get ordinary events dropped rather than stalling the relay, but
// a done event always gets through: backlog is evicted until it fits, so the
// subscriber observes the terminal marker no matter how far it lagged.
func (s *Service) forward(generationID uuid.UUID, ev inference.Event) {
	s.mu.Lock()
	f := s.flights[generationID]
	s.mu.Unlock()
	if f == nil {
		return
	}
	if ev.Type == inference.EventDone {
		for {
			select {
			case f.ch <- ev:
				return
			default:
			}
			select {
			case <-f.ch:
			default:
			}
		}
	}
	select {
	case f.ch <- ev:
	default:
		s.logger.Warn("dropping event for slow subscriber",
			zap.String("generation_id", generationID.String()), zap.String("type", ev.Type))
	}
}

func orDefault(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}
