// README: Per-driver fallback mailbox backed by Redis lists.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ridedispatch/internal/config"
	"ridedispatch/internal/types"
)

const mailboxKeyPrefix = "driver_rides:%s"

// Mailbox keeps the most recent offers for drivers without a live session.
// The whole list expires together; Read drops entries past their own expiry.
type Mailbox struct {
	redis *redis.Client
	cfg   config.MailboxConfig
	log   zerolog.Logger
}

func NewMailbox(redis *redis.Client, cfg config.MailboxConfig, log zerolog.Logger) *Mailbox {
	return &Mailbox{redis: redis, cfg: cfg, log: log.With().Str("module", "mailbox").Logger()}
}

func (m *Mailbox) Push(ctx context.Context, driverID types.ID, o Offer) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return err
	}
	key := mailboxKey(driverID)
	pipe := m.redis.Pipeline()
	pipe.LPush(ctx, key, payload)
	pipe.Expire(ctx, key, m.cfg.TTL)
	if m.cfg.MaxLength > 0 {
		pipe.LTrim(ctx, key, 0, m.cfg.MaxLength-1)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Read returns the stored offers, newest first. Malformed entries are skipped.
func (m *Mailbox) Read(ctx context.Context, driverID types.ID) ([]Offer, error) {
	raw, err := m.redis.LRange(ctx, mailboxKey(driverID), 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Offer, 0, len(raw))
	for _, r := range raw {
		var o Offer
		if err := json.Unmarshal([]byte(r), &o); err != nil {
			m.log.Warn().Err(err).Str("driver_id", driverID.String()).Msg("skipping malformed mailbox entry")
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func mailboxKey(driverID types.ID) string {
	return fmt.Sprintf(mailboxKeyPrefix, string(driverID))
}
