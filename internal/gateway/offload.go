// ABOUTME: Bridges the agent loop to the worker pool when workers are enabled
// ABOUTME: Applies the side effects a worker result carries back

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hearthd/hearth-gateway/internal/dispatch"
	"github.com/hearthd/hearth-gateway/internal/model"
	"github.com/hearthd/hearth-gateway/internal/schedule"
	"github.com/hearthd/hearth-gateway/internal/store"
	"github.com/hearthd/hearth-gateway/internal/worker"
)

// offloadMemoryLimit bounds the memory snapshot shipped with each task.
const offloadMemoryLimit = 50

// poolOffload hands prepared requests to the worker pool. Workers cannot
// reach connectors or the store, so the task carries a memory snapshot in
// and pushes, scheduler ops, and memory mutations come back in the result
// to be applied here before the reply is returned.
type poolOffload struct {
	pool       *worker.Pool
	store      store.Store
	dispatcher *dispatch.Dispatcher
	scheduler  *schedule.Scheduler
	logger     *slog.Logger
}

func (o *poolOffload) Offload(ctx context.Context, conversationKey, system string, turns []model.Turn) (string, error) {
	res, err := o.pool.Submit(ctx, &worker.Task{
		ConversationKey: conversationKey,
		System:          system,
		Turns:           turns,
		Memories:        o.snapshotMemories(ctx, conversationKey),
	})
	if err != nil {
		return "", fmt.Errorf("worker task: %w", err)
	}
	if res.Error != "" {
		return "", fmt.Errorf("worker task: %s", res.Error)
	}

	for _, push := range res.PendingPushes {
		err := o.dispatcher.SendProactive(ctx, push.ConnectorID, push.ConversationKey, push.ParticipantID, push.Text)
		if err != nil {
			o.logger.Warn("worker push failed", "connector", push.ConnectorID, "error", err)
		}
	}

	for _, pj := range res.PendingJobs {
		job := &store.Job{
			Kind:            pj.Kind,
			ConversationKey: pj.ConversationKey,
			ConnectorID:     pj.ConnectorID,
			ParticipantID:   pj.ParticipantID,
			Payload:         pj.Payload,
			FireAt:          pj.FireAt,
			Every:           pj.Every,
		}
		if err := o.scheduler.Add(ctx, job); err != nil {
			o.logger.Warn("worker job rejected", "kind", pj.Kind, "error", err)
		}
	}

	for _, pm := range res.PendingMemories {
		if err := o.applyMemory(ctx, pm); err != nil {
			o.logger.Warn("worker memory op failed", "op", pm.Op, "error", err)
		}
	}

	return res.ReplyText, nil
}

// snapshotMemories loads the conversation's memories for worker-side recall.
// A failed load degrades to an empty snapshot rather than failing the task.
func (o *poolOffload) snapshotMemories(ctx context.Context, conversationKey string) []worker.MemorySnapshot {
	mems, err := o.store.ListMemories(ctx, conversationKey, offloadMemoryLimit)
	if err != nil {
		o.logger.Warn("memory snapshot failed", "conversation", conversationKey, "error", err)
		return nil
	}
	out := make([]worker.MemorySnapshot, 0, len(mems))
	for _, m := range mems {
		out = append(out, worker.MemorySnapshot{ID: m.ID, Content: m.Content})
	}
	return out
}

func (o *poolOffload) applyMemory(ctx context.Context, pm worker.PendingMemory) error {
	switch pm.Op {
	case "save":
		return o.store.SaveMemory(ctx, &store.Memory{
			ID:              uuid.NewString(),
			ConversationKey: pm.ConversationKey,
			Content:         pm.Content,
			CreatedAt:       time.Now().UTC(),
		})
	case "delete":
		return o.store.DeleteMemory(ctx, pm.ID)
	default:
		return fmt.Errorf("unknown memory op %q", pm.Op)
	}
}
