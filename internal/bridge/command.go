package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nerrad567/atagmqtt/internal/atag"
	"github.com/nerrad567/atagmqtt/internal/journal"
	"github.com/nerrad567/atagmqtt/internal/properties"
)

// HandleCommand starts a task that applies a property write and returns its
// id. key is "<node>/<property>" and raw the payload as received.
//
// The task validates raw against the appliance limits, publishes the new
// value, and sends it to the appliance within the command timeout. Its
// outcome is logged once and journaled. A rejected write (invalid value,
// read-only or unknown property) makes no appliance call and publishes
// nothing.
//
// HandleCommand never blocks on the appliance or the journal. It returns
// ErrStopped after Run has finished, and ErrRateLimited (with the id of the
// journaled rejection) above the configured command rate. Malformed writes
// are rejected before the rate limit is consulted.
func (b *Bridge) HandleCommand(key, raw string) (string, error) {
	id := uuid.NewString()

	b.taskMu.Lock()
	defer b.taskMu.Unlock()
	if b.stopped {
		return "", ErrStopped
	}

	if _, err := properties.Command(key, raw, b.Limits()); err != nil {
		b.startTask(func() { b.finishCommand(id, key, raw, err) })
		return id, nil
	}
	if b.limiter != nil && !b.limiter.Allow() {
		b.startTask(func() { b.finishCommand(id, key, raw, ErrRateLimited) })
		return id, ErrRateLimited
	}

	b.startTask(func() { b.runCommand(id, key, raw) })
	return id, nil
}

// startTask runs fn as a command task that shutdown waits for.
// Callers hold taskMu.
func (b *Bridge) startTask(fn func()) {
	b.tasks.Add(1)
	go func() {
		defer b.tasks.Done()
		fn()
	}()
}

// onSet adapts HandleCommand to the Registry callback.
func (b *Bridge) onSet(key, value string) {
	_, _ = b.HandleCommand(key, value) //nolint:errcheck // outcome is logged by the task
}

func (b *Bridge) runCommand(id, key, raw string) {
	ctx, cancel := context.WithTimeout(b.taskCtx, b.cfg.CommandTimeout)
	defer cancel()

	b.finishCommand(id, key, raw, b.applyCommand(ctx, key, raw))
}

// applyCommand validates, publishes optimistically and sends one write.
func (b *Bridge) applyCommand(ctx context.Context, key, raw string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, err := properties.Command(key, raw, b.limits)
	if err != nil {
		return err
	}
	if b.session == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if b.current[w.Key] != w.Value {
		b.current[w.Key] = w.Value
		if err := b.registry.Publish(w.Key, w.Value); err != nil {
			b.logWarn("failed to publish property", "property", w.Key, "error", err)
		} else {
			b.metrics.publish(1)
		}
		b.updateSnapshot(b.current, b.session.Host())
	}

	if err := b.session.SendCommand(ctx, w.Command); err != nil {
		return fmt.Errorf("sending %s: %w", w.Key, err)
	}
	return nil
}

// finishCommand logs, counts and journals a command outcome.
func (b *Bridge) finishCommand(id, key, raw string, err error) {
	outcome := commandOutcome(err)

	b.statusMu.Lock()
	b.status.Commands++
	if outcome != journal.OutcomeOK {
		b.status.CommandFailures++
	}
	b.statusMu.Unlock()

	b.metrics.command(outcome)

	args := []any{"task_id", id, "property", key, "value", raw, "outcome", outcome}
	switch outcome {
	case journal.OutcomeOK:
		b.logInfo("command applied", args...)
	case journal.OutcomeRejected, journal.OutcomeCancelled:
		b.logWarn("command not applied", append(args, "error", err)...)
	default:
		b.logError("command failed", append(args, "error", err)...)
	}

	if b.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	rec := journal.CommandRecord{
		TaskID:   id,
		Property: key,
		Value:    raw,
		Outcome:  outcome,
		Err:      err,
		At:       b.now(),
	}
	if jerr := b.journal.RecordCommand(ctx, rec); jerr != nil {
		b.logWarn("failed to journal command", "task_id", id, "error", jerr)
	}
}

func commandOutcome(err error) string {
	switch {
	case err == nil:
		return journal.OutcomeOK
	case errors.Is(err, atag.ErrInvalidValue),
		errors.Is(err, properties.ErrUnknownProperty),
		errors.Is(err, properties.ErrNotSettable),
		errors.Is(err, ErrRateLimited):
		return journal.OutcomeRejected
	case errors.Is(err, context.Canceled):
		return journal.OutcomeCancelled
	default:
		return journal.OutcomeFailed
	}
}
