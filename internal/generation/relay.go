package generation

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/minichat/api/internal/inference"
	"github.com/minichat/api/internal/models"
)

// relayState accumulates what the relay task observed on the inference
// stream; finalization turns it into the terminal record.
type relayState struct {
	text         strings.Builder
	inputTokens  *int
	outputTokens *int
	errCode      *string
	errMessage   *string
	doneReceived bool
}

// runRelay is the background task behind one streaming generation: it calls
// the inference gateway, forwards every event to the subscriber, and always
// ends in finalize, whatever happened on the way.
func (s *Service) runRelay(gen *models.Generation) {
	ctx := context.Background()
	st := &relayState{}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("relay task panicked",
				zap.String("generation_id", gen.ID.String()), zap.Any("panic", r))
			if st.errCode == nil {
				st.setError(errCodeInference, "Inference stream failed")
			}
		}
		s.finalize(ctx, gen, st)
	}()

	payload, err := s.buildPayload(ctx, gen)
	if err == nil {
		err = s.gateway.StreamGenerate(ctx, payload, func(ev inference.Event) {
			switch ev.Type {
			case inference.EventDelta:
				st.text.WriteString(ev.Delta)
			case inference.EventUsage:
				in, out := ev.InputTokens, ev.OutputTokens
				st.inputTokens, st.outputTokens = &in, &out
			case inference.EventError:
				// First structured error wins.
				if st.errCode == nil {
					code, msg := ev.Code, ev.Message
					if code == "" {
						code = errCodeInference
					}
					if msg == "" {
						msg = "Inference error"
					}
					st.setError(code, msg)
				}
			case inference.EventDone:
				st.doneReceived = true
			}
			s.forward(gen.ID, ev)
		})
	}
	if err != nil && st.errCode == nil {
		msg := err.Error()
		if msg == "" {
			msg = "Inference stream failed"
		}
		st.setError(errCodeInference, msg)
	}
}

func (st *relayState) setError(code, msg string) {
	st.errCode, st.errMessage = &code, &msg
}

// buildPayload assembles the model-facing message list: the system prompt
// first when present, then the full chat history oldest first.
func (s *Service) buildPayload(ctx context.Context, gen *models.Generation) (inference.GenerateRequest, error) {
	history, err := s.messages.History(ctx, gen.ChatID)
	if err != nil {
		return inference.GenerateRequest{}, err
	}

	messages := make([]inference.GenerateMessage, 0, len(history)+1)
	if gen.SystemPrompt != "" {
		messages = append(messages, inference.GenerateMessage{
			Role:    string(models.RoleSystem),
			Content: gen.SystemPrompt,
		})
	}
	for _, m := range history {
		messages = append(messages, inference.GenerateMessage{Role: string(m.Role), Content: m.Content})
	}

	return inference.GenerateRequest{
		GenerationID: gen.ID.String(),
		Model:        gen.Model,
		SystemPrompt: gen.SystemPrompt,
		Temperature:  gen.Temperature,
		MaxTokens:    gen.MaxTokens,
		Messages:     messages,
	}, nil
}

// finalize commits the terminal outcome exactly once and releases every
// resource the generation held. It runs whichever way the relay task ended.
func (s *Service) finalize(ctx context.Context, gen *models.Generation, st *relayState) {
	s.mu.Lock()
	f := s.flights[gen.ID]
	if f != nil && f.finalized {
		s.mu.Unlock()
		return
	}
	if f != nil {
		f.finalized = true
	}
	_, cancelFlag := s.cancelRequested[gen.ID]
	delete(s.cancelRequested, gen.ID)
	s.mu.Unlock()

	defer func() {
		// Resource release is unconditional: the subscriber always observes
		// a terminal marker and the slot is always freed, even when the
		// bookkeeping above failed.
		if !st.doneReceived {
			s.forward(gen.ID, inference.DoneEvent())
		}
		s.mu.Lock()
		delete(s.flights, gen.ID)
		s.mu.Unlock()
		if f != nil {
			close(f.ch)
		}
		if err := s.limiter.ReleaseSlot(ctx, gen.UserID, gen.ID); err != nil {
			s.logger.Warn("failed to release in-flight slot",
				zap.String("generation_id", gen.ID.String()), zap.Error(err))
		}
	}()

	canceled := cancelFlag || (st.errCode != nil && *st.errCode == errCodeCanceled)
	errCode, errMsg := st.errCode, st.errMessage

	var status models.GenerationStatus
	switch {
	case canceled:
		status = models.GenerationStatusCanceled
		if errCode == nil {
			code, msg := errCodeCanceled, "Canceled by user"
			errCode, errMsg = &code, &msg
		}
	case errCode != nil:
		status = models.GenerationStatusFailed
	case st.doneReceived:
		status = models.GenerationStatusSucceeded
	default:
		status = models.GenerationStatusFailed
		code, msg := errCodeStreamEnded, "Stream ended before done event"
		errCode, errMsg = &code, &msg
	}

	applied, err := s.generations.Finalize(ctx, gen.ID, models.GenerationOutcome{
		Status:       status,
		InputTokens:  st.inputTokens,
		OutputTokens: st.outputTokens,
		ErrorCode:    errCode,
		ErrorMessage: errMsg,
	})
	if err != nil {
		s.logger.Error("failed to finalize generation",
			zap.String("generation_id", gen.ID.String()), zap.Error(err))
		return
	}
	if !applied {
		// Someone else already committed a terminal state.
		return
	}

	text := st.text.String()
	if strings.TrimSpace(text) != "" &&
		(status == models.GenerationStatusSucceeded || status == models.GenerationStatusCanceled) {
		if _, err := s.messages.Append(ctx, gen.ChatID, models.RoleAssistant, text); err != nil {
			s.logger.Error("failed to append assistant message",
				zap.String("generation_id", gen.ID.String()), zap.Error(err))
		} else if err := s.chats.Touch(ctx, gen.ChatID); err != nil {
			s.logger.Warn("failed to touch chat",
				zap.String("chat_id", gen.ChatID.String()), zap.Error(err))
		}
	}

	if status == models.GenerationStatusSucceeded && st.inputTokens != nil && st.outputTokens != nil {
		s.events.PublishUsage(gen.UserID, gen.ID, *st.inputTokens, *st.outputTokens, gen.Model)
	}

	s.logger.Info("generation finalized",
		zap.String("generation_id", gen.ID.String()),
		zap.String("status", string(status)),
	)
}
