// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/reelcoach/coachsync/internal/entity"
	"github.com/reelcoach/coachsync/internal/outbox"
	"github.com/reelcoach/coachsync/internal/store"
)

// ChatMessage is one message in a coaching conversation.
type ChatMessage struct {
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

// Conversation is the synchronized transcript of one coaching chat. The
// whole transcript is a single entity keyed by conversation id, so all
// sends for a conversation share one outbox key: delivery is FIFO, rapid
// sends coalesce into one pending push, and at most one push per
// conversation is in flight.
type Conversation struct {
	CoachID  string        `json:"coach_id"`
	Messages []ChatMessage `json:"messages"`
}

// ChatPipeline appends messages to conversations through the engine.
type ChatPipeline struct {
	store store.Store
	queue *outbox.Queue
}

// NewChatPipeline creates a ChatPipeline.
func NewChatPipeline(st store.Store, q *outbox.Queue) *ChatPipeline {
	return &ChatPipeline{store: st, queue: q}
}

// Send appends a message to the conversation locally and queues the push.
// The message appears in the local transcript immediately.
func (p *ChatPipeline) Send(ctx context.Context, conversationID, senderID, text string) (*ChatMessage, error) {
	if text == "" {
		return nil, fmt.Errorf("message text cannot be empty")
	}

	conv := &Conversation{}
	e, err := p.store.Get(ctx, entity.TypeChatMessage, conversationID)
	if err == nil {
		if err := e.UnmarshalPayload(conv); err != nil {
			return nil, fmt.Errorf("decode conversation %s: %w", conversationID, err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	msg := ChatMessage{
		MessageID: uuid.New().String(),
		SenderID:  senderID,
		Text:      text,
		SentAt:    time.Now().UTC(),
	}
	conv.Messages = append(conv.Messages, msg)

	payload, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("encode conversation %s: %w", conversationID, err)
	}
	if err := saveAndEnqueue(ctx, p.store, p.queue, entity.TypeChatMessage, conversationID, payload); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Transcript returns the locally cached conversation.
func (p *ChatPipeline) Transcript(ctx context.Context, conversationID string) (*Conversation, error) {
	e, err := p.store.Get(ctx, entity.TypeChatMessage, conversationID)
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := e.UnmarshalPayload(&conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", conversationID, err)
	}
	return &conv, nil
}
