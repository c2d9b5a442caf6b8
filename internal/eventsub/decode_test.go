package eventsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/twitchsub/internal/domain"
)

func notification(t *testing.T, subType, event string) frame {
	t.Helper()
	raw := `{
		"metadata": {
			"message_id": "befa7b53-d79d-478f-86b9-120f112b044e",
			"message_type": "notification",
			"message_timestamp": "2023-11-16T10:11:12.464757833Z",
			"subscription_type": "` + subType + `",
			"subscription_version": "1"
		},
		"payload": {
			"subscription": {"id": "f1c2a387-161a-49f9-a165-0f21d7a4e1c4", "status": "enabled", "type": "` + subType + `", "version": "1", "cost": 0},
			"event": ` + event + `
		}
	}`
	f, err := parseFrame([]byte(raw))
	require.NoError(t, err)
	return f
}

func TestDecodeNotification_ChatMessage(t *testing.T) {
	f := notification(t, "channel.chat.message", `{
		"broadcaster_user_id": "1971641", "broadcaster_user_login": "streamer", "broadcaster_user_name": "streamer",
		"chatter_user_id": "4145994", "chatter_user_login": "viewer32", "chatter_user_name": "viewer32",
		"message_id": "cc106a89-1814-919d-454c-f4f2f970aae7",
		"message": {
			"text": "Hi chat Kappa cheer100 @streamer",
			"fragments": [
				{"type": "text", "text": "Hi chat "},
				{"type": "emote", "text": "Kappa", "emote": {"id": "25"}},
				{"type": "cheermote", "text": "cheer100", "cheermote": {"prefix": "cheer", "bits": 100, "tier": 100}},
				{"type": "mention", "text": "@streamer", "mention": {"user_id": "1971641", "user_login": "streamer"}}
			]
		},
		"color": "#00FF7F",
		"badges": [{"set_id": "moderator", "id": "1", "info": ""}, {"set_id": "subscriber", "id": "12", "info": "16"}],
		"message_type": "text",
		"cheer": {"bits": 100},
		"reply": {
			"parent_message_id": "c3b2a1", "parent_message_body": "first!",
			"parent_user_id": "1", "parent_user_name": "Alpha", "parent_user_login": "alpha",
			"thread_message_id": "c3b2a1", "thread_user_id": "1", "thread_user_name": "Alpha", "thread_user_login": "alpha"
		},
		"channel_points_custom_reward_id": null
	}`)

	resp, err := decodeNotification(f)
	require.NoError(t, err)

	ev, ok := resp.(domain.EventResponse)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, "befa7b53-d79d-478f-86b9-120f112b044e", ev.Metadata.MessageID)
	assert.Equal(t, "f1c2a387-161a-49f9-a165-0f21d7a4e1c4", ev.Metadata.SubscriptionID)
	assert.Equal(t, "channel.chat.message", ev.Metadata.SubscriptionType)
	assert.Equal(t, time.Date(2023, 11, 16, 10, 11, 12, 464757833, time.UTC), ev.Metadata.Timestamp)

	msg, ok := ev.Event.(domain.ChatMessage)
	require.True(t, ok, "got %T", ev.Event)
	assert.Equal(t, domain.User{ID: "1971641", Login: "streamer", Name: "streamer"}, msg.Broadcaster)
	assert.Equal(t, domain.User{ID: "4145994", Login: "viewer32", Name: "viewer32"}, msg.Chatter)
	assert.Equal(t, "Hi chat Kappa cheer100 @streamer", msg.Message.Text)
	assert.Equal(t, []domain.Fragment{
		{Type: "text", Text: "Hi chat "},
		{Type: "emote", Text: "Kappa", EmoteID: "25"},
		{Type: "cheermote", Text: "cheer100", CheerPrefix: "cheer", CheerBits: 100},
		{Type: "mention", Text: "@streamer", MentionUserID: "1971641"},
	}, msg.Message.Fragments)
	assert.Equal(t, []domain.Badge{{SetID: "moderator", ID: "1"}, {SetID: "subscriber", ID: "12", Info: "16"}}, msg.Badges)
	assert.Equal(t, 100, msg.Bits)
	assert.Equal(t, "#00FF7F", msg.Color)
	assert.Empty(t, msg.RewardID)
	require.NotNil(t, msg.Reply)
	assert.Equal(t, "first!", msg.Reply.ParentMessageBody)
	assert.Equal(t, domain.User{ID: "1", Login: "alpha", Name: "Alpha"}, msg.Reply.ParentUser)
}

func TestDecodeNotification_AdBreakDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration string
	}{
		{name: "string", duration: `"60"`},
		{name: "number", duration: `60`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := notification(t, "channel.ad_break.begin", `{
				"broadcaster_user_id": "1971641", "broadcaster_user_login": "streamer", "broadcaster_user_name": "streamer",
				"requester_user_id": "1971641", "requester_user_login": "streamer", "requester_user_name": "streamer",
				"duration_seconds": `+tt.duration+`,
				"started_at": "2019-11-16T10:11:12.634234626Z",
				"is_automatic": false
			}`)

			resp, err := decodeNotification(f)
			require.NoError(t, err)
			ad := resp.(domain.EventResponse).Event.(domain.AdBreakBegin)
			assert.Equal(t, time.Minute, ad.Duration)
			assert.False(t, ad.IsAutomatic)
		})
	}
}

func TestDecodeNotification_Topics(t *testing.T) {
	tests := []struct {
		subType string
		event   string
		want    domain.Event
	}{
		{
			subType: "channel.follow",
			event:   `{"user_id": "1234", "user_login": "cool_user", "user_name": "Cool_User", "broadcaster_user_id": "1337", "broadcaster_user_login": "cooler_user", "broadcaster_user_name": "Cooler_User", "followed_at": "2020-07-15T18:16:11.17106713Z"}`,
			want: domain.Follow{
				Broadcaster: domain.User{ID: "1337", Login: "cooler_user", Name: "Cooler_User"},
				User:        domain.User{ID: "1234", Login: "cool_user", Name: "Cool_User"},
				FollowedAt:  time.Date(2020, 7, 15, 18, 16, 11, 171067130, time.UTC),
			},
		},
		{
			subType: "channel.raid",
			event:   `{"from_broadcaster_user_id": "1234", "from_broadcaster_user_login": "cool_user", "from_broadcaster_user_name": "Cool_User", "to_broadcaster_user_id": "1337", "to_broadcaster_user_login": "cooler_user", "to_broadcaster_user_name": "Cooler_User", "viewers": 9001}`,
			want: domain.Raid{
				From:    domain.User{ID: "1234", Login: "cool_user", Name: "Cool_User"},
				To:      domain.User{ID: "1337", Login: "cooler_user", Name: "Cooler_User"},
				Viewers: 9001,
			},
		},
		{
			subType: "channel.cheer",
			event:   `{"is_anonymous": true, "user_id": null, "user_login": null, "user_name": null, "broadcaster_user_id": "1337", "broadcaster_user_login": "cooler_user", "broadcaster_user_name": "Cooler_User", "message": "pogchamp", "bits": 1000}`,
			want: domain.Cheer{
				Broadcaster: domain.User{ID: "1337", Login: "cooler_user", Name: "Cooler_User"},
				IsAnonymous: true,
				Message:     "pogchamp",
				Bits:        1000,
			},
		},
		{
			subType: "stream.offline",
			event:   `{"broadcaster_user_id": "1337", "broadcaster_user_login": "cool_user", "broadcaster_user_name": "Cool_User"}`,
			want:    domain.StreamOffline{Broadcaster: domain.User{ID: "1337", Login: "cool_user", Name: "Cool_User"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.subType, func(t *testing.T) {
			resp, err := decodeNotification(notification(t, tt.subType, tt.event))
			require.NoError(t, err)
			ev, ok := resp.(domain.EventResponse)
			require.True(t, ok, "got %T", resp)
			assert.Equal(t, tt.want, ev.Event)
			assert.Equal(t, domain.Topic(tt.subType), ev.Event.Topic())
		})
	}
}

func TestDecodeNotification_UnknownTopic(t *testing.T) {
	resp, err := decodeNotification(notification(t, "channel.hype_train.begin", `{"level": 2}`))
	require.NoError(t, err)

	unknown, ok := resp.(domain.UnknownResponse)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, "notification", unknown.MessageType)
	assert.Equal(t, "channel.hype_train.begin", unknown.SubscriptionType)
	assert.JSONEq(t, `{"level": 2}`, string(unknown.Payload))
}

func TestDecodeNotification_UndecodableEvent(t *testing.T) {
	resp, err := decodeNotification(notification(t, "channel.raid", `{"viewers": "lots"}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrMalformedFrame)

	unknown, ok := resp.(domain.UnknownResponse)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, "channel.raid", unknown.SubscriptionType)
}

func TestDecodeNotification_MalformedEnvelope(t *testing.T) {
	f, err := parseFrame([]byte(`{"metadata": {"message_type": "notification"}, "payload": "not an object"}`))
	require.NoError(t, err)

	resp, err := decodeNotification(f)
	assert.ErrorIs(t, err, domain.ErrMalformedFrame)
	assert.Nil(t, resp)
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `hello`},
		{name: "missing type", raw: `{"metadata": {"message_id": "1"}, "payload": {}}`},
		{name: "bad timestamp", raw: `{"metadata": {"message_type": "session_keepalive", "message_timestamp": "yesterday"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFrame([]byte(tt.raw))
			assert.ErrorIs(t, err, domain.ErrMalformedFrame)
		})
	}
}

func TestParseSession(t *testing.T) {
	f, err := parseFrame([]byte(`{
		"metadata": {"message_type": "session_welcome"},
		"payload": {"session": {"id": "AQoQexAWVYKSTIu4ec_2VAxyuhAB", "status": "connected", "keepalive_timeout_seconds": 10, "reconnect_url": null}}
	}`))
	require.NoError(t, err)

	s, err := parseSession(f)
	require.NoError(t, err)
	assert.Equal(t, "AQoQexAWVYKSTIu4ec_2VAxyuhAB", s.ID)
	assert.Equal(t, 10, s.KeepaliveTimeoutSeconds)

	f.Payload = []byte(`{"session": {"status": "connected"}}`)
	_, err = parseSession(f)
	assert.ErrorIs(t, err, domain.ErrMalformedFrame)
}

func TestCloseReason(t *testing.T) {
	assert.Equal(t, "connection unused", closeReason(4003, ""))
	assert.Equal(t, "going away", closeReason(1001, "going away"))
	assert.Equal(t, "close code 1006", closeReason(1006, ""))
}

func TestFlexInt(t *testing.T) {
	var n flexInt
	require.NoError(t, n.UnmarshalJSON([]byte(`"30"`)))
	assert.Equal(t, flexInt(30), n)
	require.NoError(t, n.UnmarshalJSON([]byte(`90`)))
	assert.Equal(t, flexInt(90), n)
	assert.Error(t, n.UnmarshalJSON([]byte(`"thirty"`)))
}
