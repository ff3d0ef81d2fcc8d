package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/bus"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

// RequestHandler turns GENERATION_REQUEST messages into queued jobs. The
// reply is an Acknowledgement carrying the job id in Note, or the reason
// the job was refused.
func RequestHandler(p *Pipeline) bus.Handler {
	return func(_ context.Context, msg *models.Message) (models.Payload, error) {
		req, ok := msg.Payload.(models.GenerationRequest)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected payload %T", ErrInvalidJob, msg.Payload)
		}
		id, err := p.Enqueue(msg.CampaignID, req.TargetID, req.Kind, req.Prompt, req.Params)
		if err != nil {
			log.Warn().Err(err).Str("message_id", msg.ID).Str("agent", msg.Sender).Msg("Generation request refused")
			return models.Acknowledgement{Accepted: false, Note: err.Error()}, nil
		}
		return models.Acknowledgement{Accepted: true, Note: id}, nil
	}
}

// Join registers the pipeline on the bus as Agent so other agents can
// request generation by message. Stop the returned participant on shutdown.
func Join(ctx context.Context, b *bus.Bus, p *Pipeline) (*bus.Participant, error) {
	part := bus.NewParticipant(b, Agent, map[string]string{"role": "generation"})
	if err := part.Handle(models.MsgGenerationRequest, RequestHandler(p)); err != nil {
		return nil, err
	}
	if err := part.Start(ctx); err != nil {
		return nil, err
	}
	return part, nil
}
