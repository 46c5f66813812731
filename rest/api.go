package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Mijyuoon/MijDiscord/models"

	"github.com/pkg/errors"
)

const (
	APIVersion = 6
	// BulkDeleteMaxAge is the oldest message age accepted by bulk delete.
	BulkDeleteMaxAge = 14 * 24 * time.Hour
	bulkDeleteLimit  = 100
)

// UserAgent builds the "DiscordBot (url, version) name" agent string.
func UserAgent(libURL, libVersion, botName string) string {
	agent := fmt.Sprintf("DiscordBot (%s, v%s)", libURL, libVersion)
	if botName != "" {
		agent += " " + botName
	}
	return agent
}

// API is the endpoint catalog; every call goes through the rate limited Executor.
type API struct {
	exec *Executor
	base string
	now  func() time.Time
}

func NewAPI(exec *Executor, baseURL string) *API {
	return &API{exec: exec, base: baseURL, now: time.Now}
}

func (a *API) Executor() *Executor { return a.exec }

func (a *API) call(ctx context.Context, route string, major models.ID, method, path string, body interface{}) (json.RawMessage, error) {
	req := Request{
		Route:  route,
		Major:  major,
		Method: method,
		URL:    a.base + path,
	}

	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode request body")
		}
		req.Body = raw
		req.ContentType = "application/json"
	}

	resp, err := a.exec.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Gateway returns the websocket address with encoding and version query applied.
func (a *API) Gateway(ctx context.Context) (string, error) {
	raw, err := a.call(ctx, "gateway", 0, http.MethodGet, "/gateway", nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to get gateway url")
	}

	var payload struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", errors.Wrap(err, "failed to decode gateway url")
	}

	return fmt.Sprintf("%s?encoding=json&v=%d", payload.URL, APIVersion), nil
}

func (a *API) Server(ctx context.Context, id models.ID) (json.RawMessage, error) {
	return a.call(ctx, "guilds_gid", id, http.MethodGet, "/guilds/"+id.String(), nil)
}

func (a *API) Channel(ctx context.Context, id models.ID) (json.RawMessage, error) {
	return a.call(ctx, "channels_cid", id, http.MethodGet, "/channels/"+id.String(), nil)
}

func (a *API) User(ctx context.Context, id models.ID) (json.RawMessage, error) {
	return a.call(ctx, "users_uid", 0, http.MethodGet, "/users/"+id.String(), nil)
}

func (a *API) Member(ctx context.Context, server, user models.ID) (json.RawMessage, error) {
	path := fmt.Sprintf("/guilds/%d/members/%d", server, user)
	return a.call(ctx, "guilds_gid_members_uid", server, http.MethodGet, path, nil)
}

func (a *API) Message(ctx context.Context, channel, message models.ID) (json.RawMessage, error) {
	path := fmt.Sprintf("/channels/%d/messages/%d", channel, message)
	return a.call(ctx, "channels_cid_messages_mid", channel, http.MethodGet, path, nil)
}

type HistoryQuery struct {
	Limit  int
	Before models.ID
	After  models.ID
	Around models.ID
}

func (a *API) Messages(ctx context.Context, channel models.ID, q HistoryQuery) (json.RawMessage, error) {
	query := url.Values{}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Before != 0 {
		query.Set("before", q.Before.String())
	}
	if q.After != 0 {
		query.Set("after", q.After.String())
	}
	if q.Around != 0 {
		query.Set("around", q.Around.String())
	}

	path := fmt.Sprintf("/channels/%d/messages", channel)
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return a.call(ctx, "channels_cid_messages", channel, http.MethodGet, path, nil)
}

// CreateDM opens (or returns the existing) direct message channel with user.
func (a *API) CreateDM(ctx context.Context, user models.ID) (json.RawMessage, error) {
	body := map[string]models.ID{"recipient_id": user}
	return a.call(ctx, "users_me_channels", 0, http.MethodPost, "/users/@me/channels", body)
}

type MessageSend struct {
	Content string          `json:"content"`
	TTS     bool            `json:"tts,omitempty"`
	Embed   json.RawMessage `json:"embed,omitempty"`
	Nonce   string          `json:"nonce,omitempty"`
}

func (a *API) SendMessage(ctx context.Context, channel models.ID, msg MessageSend) (json.RawMessage, error) {
	if len([]rune(msg.Content)) > models.CharacterLimit {
		return nil, errors.Wrapf(ErrMessageTooLong, "content has %d characters", len([]rune(msg.Content)))
	}

	path := fmt.Sprintf("/channels/%d/messages", channel)
	return a.call(ctx, "channels_cid_messages", channel, http.MethodPost, path, msg)
}

func (a *API) EditMessage(ctx context.Context, channel, message models.ID, msg MessageSend) (json.RawMessage, error) {
	if len([]rune(msg.Content)) > models.CharacterLimit {
		return nil, errors.Wrapf(ErrMessageTooLong, "content has %d characters", len([]rune(msg.Content)))
	}

	path := fmt.Sprintf("/channels/%d/messages/%d", channel, message)
	return a.call(ctx, "channels_cid_messages_mid", channel, http.MethodPatch, path, msg)
}

func (a *API) DeleteMessage(ctx context.Context, channel, message models.ID) error {
	path := fmt.Sprintf("/channels/%d/messages/%d", channel, message)
	_, err := a.call(ctx, "delete_channels_cid_messages_mid", channel, http.MethodDelete, path, nil)
	return err
}

// BulkDeleteMessages deletes ids in batches of 100. Messages older than
// BulkDeleteMaxAge are rejected by the API as a whole batch, so they are
// dropped before sending. It returns the ids of every batch the API accepted,
// also when a later batch fails.
func (a *API) BulkDeleteMessages(ctx context.Context, channel models.ID, ids []models.ID) ([]models.ID, error) {
	cutoff := models.SynthesizeID(a.now().Add(-BulkDeleteMaxAge))

	fresh := make([]models.ID, 0, len(ids))
	for _, id := range ids {
		if id >= cutoff {
			fresh = append(fresh, id)
		}
	}

	if dropped := len(ids) - len(fresh); dropped > 0 {
		a.exec.logger.Debug().
			Stringer("channel", channel).
			Int("dropped", dropped).
			Msg("skipping messages too old for bulk delete")
	}

	path := fmt.Sprintf("/channels/%d/messages/bulk-delete", channel)
	var deleted []models.ID
	for len(fresh) > 0 {
		n := min(len(fresh), bulkDeleteLimit)
		batch := fresh[:n]
		fresh = fresh[n:]

		var err error
		if n == 1 {
			err = a.DeleteMessage(ctx, channel, batch[0])
		} else {
			body := map[string][]models.ID{"messages": batch}
			_, err = a.call(ctx, "channels_cid_messages_bulk_delete", channel, http.MethodPost, path, body)
		}
		if err != nil {
			return deleted, err
		}
		deleted = append(deleted, batch...)
	}

	return deleted, nil
}

func (a *API) CreateReaction(ctx context.Context, channel, message models.ID, emoji string) error {
	path := fmt.Sprintf("/channels/%d/messages/%d/reactions/%s/@me", channel, message, url.PathEscape(emoji))
	_, err := a.call(ctx, "channels_cid_messages_mid_reactions", channel, http.MethodPut, path, nil)
	return err
}

func (a *API) DeleteRole(ctx context.Context, server, role models.ID) error {
	path := fmt.Sprintf("/guilds/%d/roles/%d", server, role)
	_, err := a.call(ctx, "guilds_gid_roles_rid", server, http.MethodDelete, path, nil)
	return err
}

func (a *API) StartTyping(ctx context.Context, channel models.ID) error {
	path := fmt.Sprintf("/channels/%d/typing", channel)
	_, err := a.call(ctx, "channels_cid_typing", channel, http.MethodPost, path, nil)
	return err
}
