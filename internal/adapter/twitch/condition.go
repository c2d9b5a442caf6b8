package twitch

import (
	"time"

	"github.com/nicklaw5/helix/v2"
)

func conditionFromMap(m map[string]string) helix.EventSubCondition {
	return helix.EventSubCondition{
		BroadcasterUserID:     m["broadcaster_user_id"],
		FromBroadcasterUserID: m["from_broadcaster_user_id"],
		ToBroadcasterUserID:   m["to_broadcaster_user_id"],
		ModeratorUserID:       m["moderator_user_id"],
		UserID:                m["user_id"],
		RewardID:              m["reward_id"],
	}
}

func conditionToMap(c helix.EventSubCondition) map[string]string {
	m := make(map[string]string)
	set := func(key, value string) {
		if value != "" {
			m[key] = value
		}
	}
	set("broadcaster_user_id", c.BroadcasterUserID)
	set("from_broadcaster_user_id", c.FromBroadcasterUserID)
	set("to_broadcaster_user_id", c.ToBroadcasterUserID)
	set("moderator_user_id", c.ModeratorUserID)
	set("user_id", c.UserID)
	set("reward_id", c.RewardID)
	return m
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
