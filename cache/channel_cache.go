package cache

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Mijyuoon/MijDiscord/models"
	"github.com/Mijyuoon/MijDiscord/rest"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// ChannelCache keeps the most recent messages of one channel. The
// underlying LRU is only read with Peek and existing keys are never
// re-added, so eviction follows insertion order.
type ChannelCache struct {
	bot     *BotCache
	channel models.ID

	mu       sync.Mutex
	messages *lru.Cache[models.ID, *models.Message]
}

func newChannelCache(bot *BotCache, channel models.ID, limit int) *ChannelCache {
	messages, err := lru.New[models.ID, *models.Message](limit)
	if err != nil {
		// only reachable with a non positive limit, which New already rules out
		panic(err)
	}

	return &ChannelCache{bot: bot, channel: channel, messages: messages}
}

func (c *ChannelCache) ChannelID() models.ID { return c.channel }

func (c *ChannelCache) Len() int { return c.messages.Len() }

func (c *ChannelCache) Message(ctx context.Context, id models.ID, local bool) (*models.Message, error) {
	if m, ok := c.messages.Peek(id); ok {
		return m, nil
	}
	if local {
		return nil, nil
	}

	key := "message:" + c.channel.String() + ":" + id.String()
	raw, err := c.bot.load(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		return c.bot.fetch.Message(ctx, c.channel, id)
	})
	if errors.Is(err, rest.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve message %d", id)
	}

	return c.PutMessage(raw, false)
}

// PutMessage stores a message, resolving its author and channel against the
// process tier. Inserting past capacity evicts the oldest message.
func (c *ChannelCache) PutMessage(raw json.RawMessage, update bool) (*models.Message, error) {
	id, err := models.PeekID(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid message payload")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.messages.Peek(id); ok {
		if update {
			if err := m.Update(raw); err != nil {
				return nil, err
			}
		}
		return m, nil
	}

	var author *models.User
	if authorRaw := gjson.GetBytes(raw, "author"); authorRaw.IsObject() {
		author, err = c.bot.PutUser(json.RawMessage(authorRaw.Raw), false)
		if err != nil {
			return nil, err
		}
	}

	channel, _ := c.bot.Channel(context.Background(), c.channel, true)

	m, err := models.NewMessage(raw, author, channel)
	if err != nil {
		return nil, err
	}

	c.messages.Add(id, m)
	if channel != nil {
		channel.SetLastMessage(id)
	}
	return m, nil
}

func (c *ChannelCache) RemoveMessage(id models.ID) *models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.messages.Peek(id)
	if !ok {
		return nil
	}
	c.messages.Remove(id)
	return m
}

// Messages lists the cached messages from oldest to newest.
func (c *ChannelCache) Messages() []*models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.messages.Keys()
	list := make([]*models.Message, 0, len(keys))
	for _, id := range keys {
		if m, ok := c.messages.Peek(id); ok {
			list = append(list, m)
		}
	}
	return list
}
