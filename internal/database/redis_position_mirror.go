package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	positionKeyPrefix = "fleet:pos:"
	positionKeyTTL    = 24 * time.Hour
)

// PositionMirror keeps a live copy of every open position in Redis so
// external dashboards can read fleet state without touching Postgres. The
// database rows stay authoritative; a nil or unreachable Redis only costs
// the mirror, never the trade.
type PositionMirror struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewPositionMirror wraps a Redis client. A nil client disables the mirror.
func NewPositionMirror(client *redis.Client, logger zerolog.Logger) *PositionMirror {
	return &PositionMirror{
		client: client,
		logger: logger.With().Str("component", "position_mirror").Logger(),
	}
}

func (m *PositionMirror) enabled() bool {
	return m != nil && m.client != nil
}

func positionKey(botID, symbol string) string {
	return fmt.Sprintf("%s%s:%s", positionKeyPrefix, botID, symbol)
}

// Snapshot writes the open position to the mirror.
func (m *PositionMirror) Snapshot(ctx context.Context, p *BotPosition) {
	if !m.enabled() {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := m.client.Set(ctx, positionKey(p.BotID, p.Symbol), data, positionKeyTTL).Err(); err != nil {
		m.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("position mirror write failed")
	}
}

// Remove drops the mirror entry after a close.
func (m *PositionMirror) Remove(ctx context.Context, botID, symbol string) {
	if !m.enabled() {
		return
	}
	if err := m.client.Del(ctx, positionKey(botID, symbol)).Err(); err != nil {
		m.logger.Warn().Err(err).Str("symbol", symbol).Msg("position mirror delete failed")
	}
}

// BotSnapshots reads back every mirrored position for one bot.
func (m *PositionMirror) BotSnapshots(ctx context.Context, botID string) ([]BotPosition, error) {
	if !m.enabled() {
		return nil, nil
	}
	keys, err := m.client.Keys(ctx, positionKeyPrefix+botID+":*").Result()
	if err != nil {
		return nil, fmt.Errorf("error scanning position mirror: %w", err)
	}

	var positions []BotPosition
	for _, key := range keys {
		data, err := m.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var p BotPosition
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		positions = append(positions, p)
	}
	return positions, nil
}
