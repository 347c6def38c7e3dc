package processor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/user/mqttrelay/internal/model"
	"github.com/user/mqttrelay/pkg/metrics"
)

// DefaultMaxAttempts bounds how many times a single destination is retried
// before its dispatch is given up as dead (spec §4.5 retry/lifecycle).
const DefaultMaxAttempts = 8

// sweepRetries re-dispatches every "retrying" row whose next_retry_at has
// elapsed, piggybacking the sweep on the batch pass per spec §4.5: "the
// implementer may piggyback this sweep on the main loop or a separate
// pass". A destination still failing past MaxAttempts transitions to the
// terminal "dead" state instead of scheduling another retry. Once every
// dispatch for an extraction reaches a terminal success, the originating
// message is marked processed.
func (p *Processor) sweepRetries(ctx context.Context, limit int) (RunResult, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	due, err := p.Store.DueForRetry(ctx, limit)
	if err != nil {
		return RunResult{}, err
	}

	var result RunResult
	for _, d := range due {
		ok, err := p.retryOne(ctx, d, maxAttempts)
		if err != nil {
			return result, err
		}
		if ok {
			result.Processed++
		} else {
			result.Failed++
		}
	}
	return result, nil
}

func (p *Processor) retryOne(ctx context.Context, d model.Dispatch, maxAttempts int) (bool, error) {
	dest, err := p.Store.DestinationByID(ctx, d.DestinationID)
	if err != nil {
		return false, err
	}
	if dest == nil || !dest.Active {
		return false, p.Store.UpdateDispatchStatus(ctx, d.ID, model.DispatchDead, nil, "destination no longer active", nil)
	}

	points, err := p.Store.ParsedPointsForExtraction(ctx, d.ExtractionID)
	if err != nil {
		return false, err
	}

	var password string
	if len(dest.PasswordEnc) > 0 && dest.EncryptionVersion != "" {
		plain, decErr := p.Crypto.Decrypt(ctx, string(dest.PasswordEnc), dest.EncryptionVersion)
		if decErr != nil {
			p.Log.Error("processor: retry credential decrypt failed", "destination_id", dest.ID, "error", decErr)
			return false, p.Store.UpdateDispatchStatus(ctx, d.ID, model.DispatchFailed, nil, "credential decrypt failed", nil)
		}
		password = string(plain)
	}

	dispatcher, err := p.NewDispatch(*dest, password)
	if err != nil {
		return false, p.Store.UpdateDispatchStatus(ctx, d.ID, model.DispatchFailed, nil, err.Error(), nil)
	}

	kind := string(dest.Type)
	dispatchStart := time.Now()
	result, dispErr := dispatcher.Dispatch(ctx, points)
	metrics.DispatchLatency.WithLabelValues(kind).Observe(time.Since(dispatchStart).Seconds())
	if dispErr != nil {
		if d.Attempts+1 >= maxAttempts {
			p.Log.Warn("processor: dispatch exhausted retries", "dispatch_id", d.ID, "destination_id", d.DestinationID, "attempts", d.Attempts+1)
			metrics.DispatchTotal.WithLabelValues(kind, string(model.DispatchDead)).Inc()
			return false, p.Store.UpdateDispatchStatus(ctx, d.ID, model.DispatchDead, result.HTTPStatus, dispErr.Error(), nil)
		}
		status := model.DispatchFailed
		var next *time.Time
		if result.Transient {
			status = model.DispatchRetrying
			t := time.Now().UTC().Add(backoff(d.Attempts + 1))
			next = &t
		}
		metrics.DispatchTotal.WithLabelValues(kind, string(status)).Inc()
		return false, p.Store.UpdateDispatchStatus(ctx, d.ID, status, result.HTTPStatus, dispErr.Error(), next)
	}

	metrics.DispatchTotal.WithLabelValues(kind, string(result.Status)).Inc()
	if err := p.Store.UpdateDispatchStatus(ctx, d.ID, result.Status, result.HTTPStatus, result.ResponseSnippet, nil); err != nil {
		return false, err
	}
	if result.Status != model.DispatchSent {
		return false, nil
	}

	return p.finalizeIfComplete(ctx, d.ExtractionID)
}

// finalizeIfComplete marks the extraction's originating message processed
// once every one of its dispatches has reached the terminal "sent" state.
func (p *Processor) finalizeIfComplete(ctx context.Context, extractionID uuid.UUID) (bool, error) {
	dispatches, err := p.Store.DispatchesForExtraction(ctx, extractionID)
	if err != nil {
		return false, err
	}
	for _, d := range dispatches {
		if d.Status != model.DispatchSent {
			return true, nil
		}
	}

	extraction, err := p.Store.ExtractionByID(ctx, extractionID)
	if err != nil {
		return false, err
	}
	if extraction == nil {
		return true, nil
	}
	if err := p.Store.MarkProcessed(ctx, extraction.MessageID); err != nil {
		return false, err
	}
	return true, nil
}
