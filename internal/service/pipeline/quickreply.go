package pipeline

import "context"

// QuickReply 是预设的一键回复。
type QuickReply struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

var quickReplies = []QuickReply{
	{ID: "feeling-low", Text: "I'm feeling low today."},
	{ID: "need-to-talk", Text: "I just need someone to talk to."},
	{ID: "anxious", Text: "I'm feeling anxious and can't settle."},
	{ID: "good-day", Text: "Today was actually a good day."},
	{ID: "breathing", Text: "Can you walk me through a breathing exercise?"},
}

// QuickReplies returns the predefined replies.
func QuickReplies() []QuickReply {
	return append([]QuickReply(nil), quickReplies...)
}

func findQuickReply(id string) (QuickReply, bool) {
	for _, q := range quickReplies {
		if q.ID == id {
			return q, true
		}
	}
	return QuickReply{}, false
}

// SendQuickReply 等同于发送预设文本。
func (p *Pipeline) SendQuickReply(ctx context.Context, sessionID, replyID string) (Result, error) {
	q, ok := findQuickReply(replyID)
	if !ok {
		return Result{}, ErrUnknownReply
	}
	return p.Send(ctx, sessionID, Input{Text: q.Text})
}
