// Package chatfilter decides whether a conversation is eligible for
// auto-replies. Only one-to-one chats qualify.
package chatfilter

import "strings"

// Server suffixes used by the messaging network for non-personal chats.
const (
	GroupServer      = "g.us"
	NewsletterServer = "newsletter"
	BroadcastServer  = "broadcast"
	CommunityServer  = "community"
)

// Chat is the subset of chat metadata the filter looks at. A nil flag means
// the engine did not report it; the ID suffix is consulted instead.
type Chat struct {
	ID           string
	IsGroup      *bool
	IsNewsletter *bool
	IsCommunity  *bool
}

func flag(b *bool) bool { return b != nil && *b }

func onServer(id, server string) bool {
	return strings.HasSuffix(id, "@"+server)
}

// IsGroupChat reports whether the chat is a group conversation.
func (c Chat) IsGroupChat() bool {
	return flag(c.IsGroup) || onServer(c.ID, GroupServer)
}

// IsBroadcast reports whether the chat is a newsletter/channel or a status
// broadcast list.
func (c Chat) IsBroadcast() bool {
	return flag(c.IsNewsletter) || onServer(c.ID, NewsletterServer) || onServer(c.ID, BroadcastServer)
}

// IsCommunityChat reports whether the chat is a community.
func (c Chat) IsCommunityChat() bool {
	return flag(c.IsCommunity) || onServer(c.ID, CommunityServer)
}

// IsPersonal reports whether c is a one-to-one conversation.
func IsPersonal(c Chat) bool {
	return !c.IsGroupChat() && !c.IsBroadcast() && !c.IsCommunityChat()
}
