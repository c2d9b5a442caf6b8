package domain

// Topic is an EventSub subscription type, e.g. "channel.chat.message".
type Topic string

const (
	TopicChatMessage      Topic = "channel.chat.message"
	TopicFollow           Topic = "channel.follow"
	TopicSubscribe        Topic = "channel.subscribe"
	TopicCheer            Topic = "channel.cheer"
	TopicRaid             Topic = "channel.raid"
	TopicRewardRedemption Topic = "channel.channel_points_custom_reward_redemption.add"
	TopicAdBreakBegin     Topic = "channel.ad_break.begin"
	TopicStreamOnline     Topic = "stream.online"
	TopicStreamOffline    Topic = "stream.offline"
)

// ConditionIDs are the user ids a topic condition can refer to.
type ConditionIDs struct {
	BroadcasterUserID string
	UserID            string
	ModeratorUserID   string
}

// TopicDescriptor describes how to subscribe to a topic.
type TopicDescriptor struct {
	Version   string
	Scopes    []Scope
	Condition func(ids ConditionIDs) map[string]string
}

func broadcasterOnly(ids ConditionIDs) map[string]string {
	return map[string]string{"broadcaster_user_id": ids.BroadcasterUserID}
}

var topicDescriptors = map[Topic]TopicDescriptor{
	TopicChatMessage: {
		Version: "1",
		Scopes:  []Scope{ScopeUserReadChat},
		Condition: func(ids ConditionIDs) map[string]string {
			return map[string]string{"broadcaster_user_id": ids.BroadcasterUserID, "user_id": ids.UserID}
		},
	},
	TopicFollow: {
		Version: "2",
		Scopes:  []Scope{ScopeModeratorReadFollower},
		Condition: func(ids ConditionIDs) map[string]string {
			moderator := ids.ModeratorUserID
			if moderator == "" {
				moderator = ids.UserID
			}
			return map[string]string{"broadcaster_user_id": ids.BroadcasterUserID, "moderator_user_id": moderator}
		},
	},
	TopicSubscribe:        {Version: "1", Scopes: []Scope{ScopeChannelReadSubs}, Condition: broadcasterOnly},
	TopicCheer:            {Version: "1", Scopes: []Scope{ScopeBitsRead}, Condition: broadcasterOnly},
	TopicRewardRedemption: {Version: "1", Scopes: []Scope{ScopeChannelReadRedemption}, Condition: broadcasterOnly},
	TopicAdBreakBegin:     {Version: "1", Scopes: []Scope{ScopeChannelReadAds}, Condition: broadcasterOnly},
	TopicStreamOnline:     {Version: "1", Condition: broadcasterOnly},
	TopicStreamOffline:    {Version: "1", Condition: broadcasterOnly},
	TopicRaid: {
		Version: "1",
		Condition: func(ids ConditionIDs) map[string]string {
			return map[string]string{"to_broadcaster_user_id": ids.BroadcasterUserID}
		},
	},
}

// Descriptor returns the subscription descriptor for t.
func (t Topic) Descriptor() (TopicDescriptor, bool) {
	d, ok := topicDescriptors[t]
	return d, ok
}

// Known reports whether t is a supported topic.
func (t Topic) Known() bool {
	_, ok := topicDescriptors[t]
	return ok
}

// ScopesFor returns the union of scopes needed to subscribe to topics.
func ScopesFor(topics []Topic) []Scope {
	lists := make([][]Scope, 0, len(topics))
	for _, t := range topics {
		lists = append(lists, topicDescriptors[t].Scopes)
	}
	return MergeScopes(lists...)
}
