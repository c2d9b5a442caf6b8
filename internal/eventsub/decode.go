package eventsub

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pscheid92/twitchsub/internal/domain"
)

type decoder func(raw json.RawMessage) (domain.Event, error)

var decoders = map[domain.Topic]decoder{
	domain.TopicChatMessage:      decodeInto(chatMessageEvent.toDomain),
	domain.TopicFollow:           decodeInto(followEvent.toDomain),
	domain.TopicSubscribe:        decodeInto(subscribeEvent.toDomain),
	domain.TopicCheer:            decodeInto(cheerEvent.toDomain),
	domain.TopicRaid:             decodeInto(raidEvent.toDomain),
	domain.TopicRewardRedemption: decodeInto(redemptionEvent.toDomain),
	domain.TopicAdBreakBegin:     decodeInto(adBreakEvent.toDomain),
	domain.TopicStreamOnline:     decodeInto(streamOnlineEvent.toDomain),
	domain.TopicStreamOffline:    decodeInto(streamOfflineEvent.toDomain),
}

func decodeInto[W any, E domain.Event](convert func(W) E) decoder {
	return func(raw json.RawMessage) (domain.Event, error) {
		var w W
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return convert(w), nil
	}
}

// decodeNotification turns a notification frame into an EventResponse, or an
// UnknownResponse for topics without a decoder or payloads that do not parse.
func decodeNotification(f frame) (domain.Response, error) {
	var p notificationPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: notification payload: %w", domain.ErrMalformedFrame, err)
	}

	meta := metadataOf(f)
	meta.SubscriptionID = p.Subscription.ID
	if meta.SubscriptionType == "" {
		meta.SubscriptionType = p.Subscription.Type
	}

	unknown := domain.UnknownResponse{
		MessageType:      f.Metadata.MessageType,
		SubscriptionType: meta.SubscriptionType,
		Payload:          []byte(p.Event),
	}

	decode, ok := decoders[domain.Topic(meta.SubscriptionType)]
	if !ok {
		return unknown, nil
	}
	event, err := decode(p.Event)
	if err != nil {
		return unknown, fmt.Errorf("failed to decode %s event: %w", meta.SubscriptionType, err)
	}
	return domain.EventResponse{Metadata: meta, Event: event}, nil
}

// flexInt accepts numbers encoded as JSON numbers or strings.
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 1 && b[0] == '"' {
		unquoted, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		b = []byte(unquoted)
	}
	v, err := strconv.Atoi(string(b))
	if err != nil {
		return err
	}
	*n = flexInt(v)
	return nil
}

type broadcasterFields struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	BroadcasterUserName  string `json:"broadcaster_user_name"`
}

func (b broadcasterFields) broadcaster() domain.User {
	return domain.User{ID: b.BroadcasterUserID, Login: b.BroadcasterUserLogin, Name: b.BroadcasterUserName}
}

type userFields struct {
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`
}

func (u userFields) user() domain.User {
	return domain.User{ID: u.UserID, Login: u.UserLogin, Name: u.UserName}
}

type chatMessageEvent struct {
	broadcasterFields
	ChatterUserID    string `json:"chatter_user_id"`
	ChatterUserLogin string `json:"chatter_user_login"`
	ChatterUserName  string `json:"chatter_user_name"`
	MessageID        string `json:"message_id"`
	Message          struct {
		Text      string `json:"text"`
		Fragments []struct {
			Type      string `json:"type"`
			Text      string `json:"text"`
			Cheermote *struct {
				Prefix string `json:"prefix"`
				Bits   int    `json:"bits"`
			} `json:"cheermote"`
			Emote *struct {
				ID string `json:"id"`
			} `json:"emote"`
			Mention *struct {
				UserID string `json:"user_id"`
			} `json:"mention"`
		} `json:"fragments"`
	} `json:"message"`
	MessageType string `json:"message_type"`
	Color       string `json:"color"`
	Badges      []struct {
		SetID string `json:"set_id"`
		ID    string `json:"id"`
		Info  string `json:"info"`
	} `json:"badges"`
	Cheer *struct {
		Bits int `json:"bits"`
	} `json:"cheer"`
	Reply *struct {
		ParentMessageID   string `json:"parent_message_id"`
		ParentMessageBody string `json:"parent_message_body"`
		ParentUserID      string `json:"parent_user_id"`
		ParentUserName    string `json:"parent_user_name"`
		ParentUserLogin   string `json:"parent_user_login"`
		ThreadMessageID   string `json:"thread_message_id"`
		ThreadUserID      string `json:"thread_user_id"`
		ThreadUserName    string `json:"thread_user_name"`
		ThreadUserLogin   string `json:"thread_user_login"`
	} `json:"reply"`
	ChannelPointsCustomRewardID string `json:"channel_points_custom_reward_id"`
}

func (e chatMessageEvent) toDomain() domain.ChatMessage {
	msg := domain.ChatMessage{
		MessageID:   e.MessageID,
		Broadcaster: e.broadcaster(),
		Chatter:     domain.User{ID: e.ChatterUserID, Login: e.ChatterUserLogin, Name: e.ChatterUserName},
		Message:     domain.Message{Text: e.Message.Text},
		MessageType: e.MessageType,
		Color:       e.Color,
		RewardID:    e.ChannelPointsCustomRewardID,
	}

	for _, f := range e.Message.Fragments {
		frag := domain.Fragment{Type: f.Type, Text: f.Text}
		if f.Cheermote != nil {
			frag.CheerPrefix = f.Cheermote.Prefix
			frag.CheerBits = f.Cheermote.Bits
		}
		if f.Emote != nil {
			frag.EmoteID = f.Emote.ID
		}
		if f.Mention != nil {
			frag.MentionUserID = f.Mention.UserID
		}
		msg.Message.Fragments = append(msg.Message.Fragments, frag)
	}

	for _, b := range e.Badges {
		msg.Badges = append(msg.Badges, domain.Badge{SetID: b.SetID, ID: b.ID, Info: b.Info})
	}
	if e.Cheer != nil {
		msg.Bits = e.Cheer.Bits
	}
	if r := e.Reply; r != nil {
		msg.Reply = &domain.Reply{
			ParentMessageID:   r.ParentMessageID,
			ParentMessageBody: r.ParentMessageBody,
			ParentUser:        domain.User{ID: r.ParentUserID, Login: r.ParentUserLogin, Name: r.ParentUserName},
			ThreadMessageID:   r.ThreadMessageID,
			ThreadUser:        domain.User{ID: r.ThreadUserID, Login: r.ThreadUserLogin, Name: r.ThreadUserName},
		}
	}
	return msg
}

type followEvent struct {
	broadcasterFields
	userFields
	FollowedAt time.Time `json:"followed_at"`
}

func (e followEvent) toDomain() domain.Follow {
	return domain.Follow{Broadcaster: e.broadcaster(), User: e.user(), FollowedAt: e.FollowedAt}
}

type subscribeEvent struct {
	broadcasterFields
	userFields
	Tier   string `json:"tier"`
	IsGift bool   `json:"is_gift"`
}

func (e subscribeEvent) toDomain() domain.Subscribe {
	return domain.Subscribe{Broadcaster: e.broadcaster(), User: e.user(), Tier: e.Tier, IsGift: e.IsGift}
}

type cheerEvent struct {
	broadcasterFields
	userFields
	IsAnonymous bool   `json:"is_anonymous"`
	Message     string `json:"message"`
	Bits        int    `json:"bits"`
}

func (e cheerEvent) toDomain() domain.Cheer {
	return domain.Cheer{
		Broadcaster: e.broadcaster(),
		User:        e.user(),
		IsAnonymous: e.IsAnonymous,
		Message:     e.Message,
		Bits:        e.Bits,
	}
}

type raidEvent struct {
	FromBroadcasterUserID    string `json:"from_broadcaster_user_id"`
	FromBroadcasterUserLogin string `json:"from_broadcaster_user_login"`
	FromBroadcasterUserName  string `json:"from_broadcaster_user_name"`
	ToBroadcasterUserID      string `json:"to_broadcaster_user_id"`
	ToBroadcasterUserLogin   string `json:"to_broadcaster_user_login"`
	ToBroadcasterUserName    string `json:"to_broadcaster_user_name"`
	Viewers                  int    `json:"viewers"`
}

func (e raidEvent) toDomain() domain.Raid {
	return domain.Raid{
		From:    domain.User{ID: e.FromBroadcasterUserID, Login: e.FromBroadcasterUserLogin, Name: e.FromBroadcasterUserName},
		To:      domain.User{ID: e.ToBroadcasterUserID, Login: e.ToBroadcasterUserLogin, Name: e.ToBroadcasterUserName},
		Viewers: e.Viewers,
	}
}

type redemptionEvent struct {
	broadcasterFields
	userFields
	ID        string `json:"id"`
	UserInput string `json:"user_input"`
	Status    string `json:"status"`
	Reward    struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Cost   int    `json:"cost"`
		Prompt string `json:"prompt"`
	} `json:"reward"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

func (e redemptionEvent) toDomain() domain.RewardRedemption {
	return domain.RewardRedemption{
		ID:          e.ID,
		Broadcaster: e.broadcaster(),
		User:        e.user(),
		UserInput:   e.UserInput,
		Status:      e.Status,
		Reward:      domain.Reward{ID: e.Reward.ID, Title: e.Reward.Title, Cost: e.Reward.Cost, Prompt: e.Reward.Prompt},
		RedeemedAt:  e.RedeemedAt,
	}
}

type adBreakEvent struct {
	broadcasterFields
	RequesterUserID    string    `json:"requester_user_id"`
	RequesterUserLogin string    `json:"requester_user_login"`
	RequesterUserName  string    `json:"requester_user_name"`
	DurationSeconds    flexInt   `json:"duration_seconds"`
	StartedAt          time.Time `json:"started_at"`
	IsAutomatic        bool      `json:"is_automatic"`
}

func (e adBreakEvent) toDomain() domain.AdBreakBegin {
	return domain.AdBreakBegin{
		Broadcaster: e.broadcaster(),
		Requester:   domain.User{ID: e.RequesterUserID, Login: e.RequesterUserLogin, Name: e.RequesterUserName},
		Duration:    time.Duration(e.DurationSeconds) * time.Second,
		StartedAt:   e.StartedAt,
		IsAutomatic: e.IsAutomatic,
	}
}

type streamOnlineEvent struct {
	broadcasterFields
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	StartedAt time.Time `json:"started_at"`
}

func (e streamOnlineEvent) toDomain() domain.StreamOnline {
	return domain.StreamOnline{ID: e.ID, Broadcaster: e.broadcaster(), Type: e.Type, StartedAt: e.StartedAt}
}

type streamOfflineEvent struct {
	broadcasterFields
}

func (e streamOfflineEvent) toDomain() domain.StreamOffline {
	return domain.StreamOffline{Broadcaster: e.broadcaster()}
}
