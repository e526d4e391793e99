// Package rcache keeps derived renderings of receipts in redis so repeat
// deliveries of the same receipt skip re-rendering. Entries are wiped by
// prefix when a receipt is hard-removed; everything carries a TTL so a missed
// invalidation ages out on its own.
package rcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/talkbase/receiptsync/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// serializerVersion suffixes every cache key. Bumping it orphans the previous
// generation of entries instead of serving stale shapes; prefix invalidation
// removes all generations at once.
const serializerVersion = 2

const DefaultTTL = 24 * time.Hour

// ReceiptKey is the cache key for the current rendering of a receipt.
func ReceiptKey(receiptID int64) string {
	return fmt.Sprintf("%ssv%d", ReceiptPrefix(receiptID), serializerVersion)
}

// ReceiptPrefix is shared by every cache entry derived from this receipt,
// whatever serializer version wrote it.
func ReceiptPrefix(receiptID int64) string {
	return fmt.Sprintf("receipt:%d:", receiptID)
}

// renderedReceipt is the client-facing shape of a receipt. Stored as CBOR,
// served as JSON.
type renderedReceipt struct {
	ReceiptID      int64  `json:"receipt_id" cbor:"1,keyasint"`
	MessageID      int64  `json:"message_id" cbor:"2,keyasint"`
	ConversationID int64  `json:"conversation_id" cbor:"3,keyasint"`
	MailboxType    string `json:"mailbox_type" cbor:"4,keyasint"`
	IsRead         bool   `json:"is_read" cbor:"5,keyasint"`
	SenderName     string `json:"sender_name" cbor:"6,keyasint"`
	Subject        string `json:"subject" cbor:"7,keyasint"`
	Body           string `json:"body" cbor:"8,keyasint"`
	SentAt         int64  `json:"sent_at" cbor:"9,keyasint"`
}

func buildRender(receipt *internal.Receipt, msg *internal.Message) renderedReceipt {
	return renderedReceipt{
		ReceiptID:      receipt.ID,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		MailboxType:    string(receipt.MailboxType),
		IsRead:         receipt.IsRead,
		SenderName:     msg.SenderName,
		Subject:        msg.Subject,
		Body:           msg.Body,
		SentAt:         msg.CreatedAt.Unix(),
	}
}

type RenderCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRenderCache(addr, password string, db int, ttl time.Duration) (*RenderCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRenderCacheWithClient(client, ttl), nil
}

func NewRenderCacheWithClient(client *redis.Client, ttl time.Duration) *RenderCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RenderCache{client: client, ttl: ttl}
}

// Render returns the client-facing JSON for a receipt, reusing the cached
// rendering when one exists. Cache failures degrade to rendering fresh; they
// never fail the caller.
func (c *RenderCache) Render(ctx context.Context, receipt *internal.Receipt, msg *internal.Message) (json.RawMessage, error) {
	key := ReceiptKey(receipt.ID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var cached renderedReceipt
		if err := cbor.Unmarshal(data, &cached); err == nil {
			return json.Marshal(cached)
		}
		logger.Warn().Str("key", key).Msg("undecodable cache entry, re-rendering")
	} else if err != redis.Nil {
		logger.Error().Err(err).Str("key", key).Msg("cache read failed, rendering fresh")
	}

	render := buildRender(receipt, msg)
	if encoded, err := cbor.Marshal(render); err == nil {
		if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			logger.Error().Err(err).Str("key", key).Msg("cache write failed")
		}
	}
	return json.Marshal(render)
}

// InvalidateReceipt drops every cache entry derived from the receipt,
// whatever suffix variation it was written under.
func (c *RenderCache) InvalidateReceipt(ctx context.Context, receiptID int64) error {
	return c.InvalidatePrefix(ctx, ReceiptPrefix(receiptID))
}

// InvalidatePrefix deletes all keys sharing the prefix, scanning in batches
// so large keyspaces never block redis with a KEYS call.
func (c *RenderCache) InvalidatePrefix(ctx context.Context, prefix string) error {
	iter := c.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("invalidate %s*: %w", prefix, err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("invalidate %s*: %w", prefix, err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("invalidate %s*: %w", prefix, err)
		}
	}
	return nil
}

func (c *RenderCache) Close() error {
	return c.client.Close()
}
