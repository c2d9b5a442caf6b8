package domain

// Action is an outbound command sent through an authenticated session.
type Action interface{ isAction() }

// SendChatMessage posts Text to the session's broadcaster channel,
// optionally as a reply to ReplyParentMessageID.
type SendChatMessage struct {
	Text                 string
	ReplyParentMessageID string
}

func (SendChatMessage) isAction() {}
