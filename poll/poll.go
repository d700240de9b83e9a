// Package poll watches the signed-in user's conversations and reports
// messages that arrived since the previous check.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"marketsync/pkg/market"
	"math"
	"strconv"
	"time"
)

const (
	maxMessagesPerNotice = 5 // only the most recent messages are reported at once

	minInterval = 15 * time.Second
	maxInterval = 10 * time.Minute
	// interval doubles for every halfLife of conversation inactivity
	halfLife = 30 * time.Minute
)

// Source provides fresh conversation state.
type Source interface {
	FetchConversations(ctx context.Context) error
	Conversations() []market.Conversation
	IsUnread(conv market.Conversation) bool
}

// Notifier is told about new incoming messages of a conversation.
type Notifier interface {
	NewMessages(ctx context.Context, conv market.Conversation, msgs []market.Message) error
}

// Monitor handles conversation polling.
type Monitor struct {
	source   Source
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	lastSeen     map[string]int // conversation key -> last seen message id
	lastActivity time.Time
	lastPolledAt time.Time
}

// New creates a new poll monitor.
func New(source Source, notifier Notifier, logger *slog.Logger) *Monitor {
	return &Monitor{
		source:   source,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		lastSeen: make(map[string]int),
	}
}

func key(c market.Conversation) string {
	return c.ID + ":" + strconv.Itoa(c.Counterpart.ID)
}

// CheckAll fetches conversations and notifies about messages from others
// that were not seen by a previous check. The first check only records
// what is there.
func (m *Monitor) CheckAll(ctx context.Context) error {
	if err := m.source.FetchConversations(ctx); err != nil {
		return fmt.Errorf("fetch conversations: %w", err)
	}
	now := m.now()
	convs := m.source.Conversations()
	m.logger.Info("Checking conversations", "count", len(convs), "timestamp", now.Format(time.RFC3339))

	var notified int
	for _, conv := range convs {
		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping poll check", "error", ctx.Err())
			return ctx.Err()
		default:
		}

		if conv.LastMessage.CreatedAt.After(m.lastActivity) {
			m.lastActivity = conv.LastMessage.CreatedAt
		}
		n, err := m.checkConversation(ctx, conv)
		if err != nil {
			m.logger.Warn("Conversation check failed", "conversation_id", conv.ID, "counterpart", conv.Counterpart.ID, "error", err)
			continue
		}
		notified += n
	}
	m.lastPolledAt = now

	m.logger.Info("Conversation check completed", "conversations", len(convs), "new_messages", notified)
	return nil
}

func (m *Monitor) checkConversation(ctx context.Context, conv market.Conversation) (int, error) {
	k := key(conv)
	latest := conv.LastMessage
	last, seen := m.lastSeen[k]

	if !seen && m.lastPolledAt.IsZero() {
		m.lastSeen[k] = latest.ID
		m.logger.Debug("Initial message id recorded", "conversation_id", conv.ID, "message_id", latest.ID)
		return 0, nil
	}
	if seen && last == latest.ID {
		return 0, nil
	}

	var fresh []market.Message
	foundLast := !seen
	for _, msg := range conv.Messages {
		if foundLast && msg.SenderID == conv.Counterpart.ID && !msg.Optimistic() {
			fresh = append(fresh, msg)
		}
		if msg.ID == last {
			foundLast = true
		}
	}
	if seen && !foundLast {
		m.logger.Warn("Last seen message not found, reporting the latest messages",
			"conversation_id", conv.ID,
			"last_seen_id", last,
			"messages", len(conv.Messages))
		for _, msg := range conv.Messages {
			if msg.SenderID == conv.Counterpart.ID && !msg.Optimistic() {
				fresh = append(fresh, msg)
			}
		}
	}
	m.lastSeen[k] = latest.ID

	if len(fresh) == 0 || !m.source.IsUnread(conv) {
		return 0, nil
	}
	if len(fresh) > maxMessagesPerNotice {
		m.logger.Warn("Too many new messages, limiting to most recent",
			"conversation_id", conv.ID,
			"total_new", len(fresh),
			"reporting", maxMessagesPerNotice)
		fresh = fresh[len(fresh)-maxMessagesPerNotice:]
	}

	m.logger.Info("New messages detected", "conversation_id", conv.ID, "counterpart", conv.Counterpart.ID, "count", len(fresh))
	if err := m.notifier.NewMessages(ctx, conv, fresh); err != nil {
		return 0, fmt.Errorf("notify: %w", err)
	}
	return len(fresh), nil
}

// Run checks until ctx is done, waiting CalculateInterval between checks.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		if err := m.CheckAll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("Poll check failed", "error", err)
		}

		interval, reason := CalculateInterval(m.lastActivity, m.lastPolledAt, m.now())
		m.logger.Debug("Next conversation check scheduled", "interval", interval.String(), "reason", reason)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// CalculateInterval determines how long to wait before the next check. It
// starts at minInterval right after activity and doubles for every halfLife
// of inactivity, capped at maxInterval.
func CalculateInterval(lastActivity, lastPolledAt, now time.Time) (time.Duration, string) {
	if lastPolledAt.IsZero() || lastActivity.IsZero() {
		return maxInterval, "no activity recorded"
	}

	idle := now.Sub(lastActivity)
	if idle < 0 {
		idle = 0
	}
	scaled := float64(minInterval) * math.Pow(2, float64(idle)/float64(halfLife))
	if scaled >= float64(maxInterval) {
		return maxInterval, fmt.Sprintf("idle for %s, capped", idle.Round(time.Minute))
	}
	return time.Duration(scaled), fmt.Sprintf("idle for %s", idle.Round(time.Second))
}
