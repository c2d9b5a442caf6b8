package domain

import "time"

// Event is a decoded EventSub notification payload.
type Event interface {
	Topic() Topic
	isEvent()
}

// User identifies a Twitch account.
type User struct {
	ID    string
	Login string
	Name  string
}

// Fragment is one piece of a chat message: text, emote, cheermote or mention.
type Fragment struct {
	Type          string
	Text          string
	EmoteID       string
	MentionUserID string
	CheerPrefix   string
	CheerBits     int
}

// Badge is a chat badge shown next to a chatter.
type Badge struct {
	SetID string
	ID    string
	Info  string
}

// Reply links a chat message to the message it answers.
type Reply struct {
	ParentMessageID   string
	ParentMessageBody string
	ParentUser        User
	ThreadMessageID   string
	ThreadUser        User
}

// Message is the body of a chat message.
type Message struct {
	Text      string
	Fragments []Fragment
}

type ChatMessage struct {
	MessageID   string
	Broadcaster User
	Chatter     User
	Message     Message
	MessageType string
	Color       string
	Badges      []Badge
	Bits        int
	Reply       *Reply
	RewardID    string
}

type Follow struct {
	Broadcaster User
	User        User
	FollowedAt  time.Time
}

type Subscribe struct {
	Broadcaster User
	User        User
	Tier        string
	IsGift      bool
}

type Cheer struct {
	Broadcaster User
	User        User
	IsAnonymous bool
	Message     string
	Bits        int
}

type Raid struct {
	From    User
	To      User
	Viewers int
}

// Reward is the channel points reward that was redeemed.
type Reward struct {
	ID     string
	Title  string
	Cost   int
	Prompt string
}

type RewardRedemption struct {
	ID          string
	Broadcaster User
	User        User
	UserInput   string
	Status      string
	Reward      Reward
	RedeemedAt  time.Time
}

type AdBreakBegin struct {
	Broadcaster User
	Requester   User
	Duration    time.Duration
	StartedAt   time.Time
	IsAutomatic bool
}

type StreamOnline struct {
	ID          string
	Broadcaster User
	Type        string
	StartedAt   time.Time
}

type StreamOffline struct {
	Broadcaster User
}

func (ChatMessage) Topic() Topic      { return TopicChatMessage }
func (Follow) Topic() Topic           { return TopicFollow }
func (Subscribe) Topic() Topic        { return TopicSubscribe }
func (Cheer) Topic() Topic            { return TopicCheer }
func (Raid) Topic() Topic             { return TopicRaid }
func (RewardRedemption) Topic() Topic { return TopicRewardRedemption }
func (AdBreakBegin) Topic() Topic     { return TopicAdBreakBegin }
func (StreamOnline) Topic() Topic     { return TopicStreamOnline }
func (StreamOffline) Topic() Topic    { return TopicStreamOffline }

func (ChatMessage) isEvent()      {}
func (Follow) isEvent()           {}
func (Subscribe) isEvent()        {}
func (Cheer) isEvent()            {}
func (Raid) isEvent()             {}
func (RewardRedemption) isEvent() {}
func (AdBreakBegin) isEvent()     {}
func (StreamOnline) isEvent()     {}
func (StreamOffline) isEvent()    {}
