// Package syncer replays queued POS actions against the ChefCloud
// server once connectivity allows, detecting conflicts with
// server-authoritative state before mutating existing resources.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/chefcloud/possync/internal/action"
	"github.com/chefcloud/possync/internal/queue"
	"github.com/chefcloud/possync/internal/synclog"
)

// IdempotencyHeader carries the action's idempotency key on every
// replay attempt so the server can deduplicate ambiguous retries.
const IdempotencyHeader = "Idempotency-Key"

// Engine walks the queue in FIFO order and resolves each action:
// confirmed actions are dequeued, conflicted and rejected actions are
// dropped, network failures stay queued for the next pass.
type Engine struct {
	queue   *queue.Store
	log     *synclog.Log
	rules   *action.RuleSet
	client  HTTPClient
	baseURL string
	syncing atomic.Bool
	logger  *slog.Logger
}

// New creates a sync engine. baseURL is the ChefCloud server root that
// server-relative action URLs are joined against.
func New(q *queue.Store, log *synclog.Log, rules *action.RuleSet, client HTTPClient, baseURL string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		queue:   q,
		log:     log,
		rules:   rules,
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger.With("component", "syncer"),
	}
}

// Syncing reports whether a sync pass is currently running.
func (e *Engine) Syncing() bool {
	return e.syncing.Load()
}

// SyncQueue attempts every action currently in the queue exactly once,
// strictly in FIFO order. A call that arrives while a pass is already
// running is dropped, not queued; the triggering layers (reconnect,
// wake-up message, cron) fire again soon enough. No error escapes to
// the caller; every outcome lands in the sync log.
func (e *Engine) SyncQueue(ctx context.Context) {
	if !e.syncing.CompareAndSwap(false, true) {
		e.logger.Debug("sync already in progress, dropping trigger")
		return
	}
	defer e.syncing.Store(false)

	items := e.queue.Items()
	if len(items) == 0 {
		return
	}
	e.logger.Info("sync pass started", "queued", len(items))

	for _, a := range items {
		select {
		case <-ctx.Done():
			e.logger.Warn("sync pass cancelled", "remaining", e.queue.Len())
			return
		default:
		}
		e.processAction(ctx, a)
	}

	e.logger.Info("sync pass finished", "remaining", e.queue.Len())
}

// processAction resolves a single queued action: advisory conflict
// check for risky actions, then idempotent replay.
func (e *Engine) processAction(ctx context.Context, a action.QueuedAction) {
	if rule, risky := e.rules.Classify(a); risky {
		if serverStatus, conflicted := e.checkConflict(ctx, a, rule); conflicted {
			e.queue.Remove(a.ID)
			e.log.RecordConflict(a.ID,
				fmt.Sprintf("server reports resource status %s", serverStatus),
				serverStatus)
			e.logger.Warn("conflict detected, action dropped",
				"id", a.ID, "url", a.URL, "server_status", serverStatus)
			return
		}
	}
	e.replay(ctx, a)
}

// checkConflict fetches the current state of the resource the action is
// about to mutate. The check is advisory: an unreachable server or an
// unreadable response cannot prove a conflict, so any failure falls
// through to replay.
func (e *Engine) checkConflict(ctx context.Context, a action.QueuedAction, rule action.Rule) (string, bool) {
	root := e.rules.ConflictRoot(a)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.resolve(root), nil)
	if err != nil {
		e.logger.Warn("conflict check skipped, bad resource url", "id", a.ID, "error", err)
		return "", false
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Debug("conflict check unreachable, proceeding to replay", "id", a.ID, "error", err)
		return "", false
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", false
	}

	var resource struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&resource); err != nil {
		e.logger.Debug("conflict check response unreadable, proceeding to replay", "id", a.ID, "error", err)
		return "", false
	}
	if rule.Incompatible(resource.Status) {
		return resource.Status, true
	}
	return "", false
}

// replay issues the exact request captured at enqueue time plus the
// idempotency key header.
func (e *Engine) replay(ctx context.Context, a action.QueuedAction) {
	var body io.Reader
	if len(a.Body) > 0 {
		body = bytes.NewReader(a.Body)
	}

	req, err := http.NewRequestWithContext(ctx, a.Method, e.resolve(a.URL), body)
	if err != nil {
		// A malformed URL can never replay. Dropping it keeps the queue
		// from wedging on a poison action.
		e.queue.Remove(a.ID)
		e.log.RecordRejected(a.ID, fmt.Sprintf("unreplayable request: %v", err))
		return
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}
	if len(a.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(IdempotencyHeader, a.IdempotencyKey)

	resp, err := e.client.Do(req)
	if err != nil {
		// Network-level failure: no response reached us, the server may
		// or may not have applied the action. The idempotency key makes
		// the retry on the next pass safe.
		e.log.RecordFailed(a.ID, err.Error())
		e.logger.Warn("replay failed, action kept queued", "id", a.ID, "error", err)
		return
	}
	defer drain(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		e.queue.Remove(a.ID)
		e.log.RecordSuccess(a.ID)
		e.logger.Info("action confirmed", "id", a.ID, "status", resp.StatusCode)

	case retryable(resp.StatusCode):
		e.log.RecordFailed(a.ID, fmt.Sprintf("server returned %s", resp.Status))
		e.logger.Warn("replay got transient server error, action kept queued",
			"id", a.ID, "status", resp.StatusCode)

	default:
		// Deterministic business rejection: the server answered and said
		// no. Retrying would say no again, so the action is dropped.
		e.queue.Remove(a.ID)
		e.log.RecordRejected(a.ID, fmt.Sprintf("server rejected replay: %s%s", resp.Status, bodySnippet(resp)))
		e.logger.Warn("replay rejected by server, action dropped",
			"id", a.ID, "status", resp.StatusCode)
	}
}

// retryable reports whether a structurally successful HTTP response
// still indicates a transient condition worth retrying.
func retryable(status int) bool {
	return status >= 500 ||
		status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests
}

// resolve joins server-relative action URLs with the configured base.
func (e *Engine) resolve(url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	if !strings.HasPrefix(url, "/") {
		url = "/" + url
	}
	return e.baseURL + url
}

// bodySnippet pulls a short error detail out of a rejection response.
func bodySnippet(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return ""
	}
	return ": " + string(bytes.TrimSpace(data))
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
