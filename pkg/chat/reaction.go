package chat

import (
	"slices"

	"github.com/HMasataka/chathub/pkg/domain"
)

// ReactionAggregator tracks the reactions on one message. A user holds at
// most one emoji per message; reacting with another emoji replaces it.
type ReactionAggregator struct {
	order  []string            // emojis in first-seen order
	users  map[string][]string // emoji -> users in reaction order
	byUser map[string]string   // user -> emoji
}

// NewReactionAggregator rebuilds an aggregator from stored reactions,
// applied in order.
func NewReactionAggregator(reactions []domain.Reaction) *ReactionAggregator {
	a := &ReactionAggregator{
		users:  make(map[string][]string),
		byUser: make(map[string]string),
	}
	for _, r := range reactions {
		a.Add(r.UserID, r.Emoji)
	}
	return a
}

// Has reports whether userID currently reacts with emoji.
func (a *ReactionAggregator) Has(userID, emoji string) bool {
	current, ok := a.byUser[userID]
	return ok && current == emoji
}

// EmojiOf returns the emoji userID reacts with, if any.
func (a *ReactionAggregator) EmojiOf(userID string) (string, bool) {
	emoji, ok := a.byUser[userID]
	return emoji, ok
}

// Add records emoji for userID, dropping the user's previous emoji.
func (a *ReactionAggregator) Add(userID, emoji string) []domain.ReactionSummary {
	if a.Has(userID, emoji) {
		return a.Snapshot()
	}

	if prev, ok := a.byUser[userID]; ok {
		a.remove(userID, prev)
	}

	if _, seen := a.users[emoji]; !seen {
		a.order = append(a.order, emoji)
	}
	a.users[emoji] = append(a.users[emoji], userID)
	a.byUser[userID] = emoji

	return a.Snapshot()
}

// Remove drops userID's emoji reaction. Removing a reaction the user does
// not hold changes nothing.
func (a *ReactionAggregator) Remove(userID, emoji string) []domain.ReactionSummary {
	if a.Has(userID, emoji) {
		a.remove(userID, emoji)
	}
	return a.Snapshot()
}

func (a *ReactionAggregator) remove(userID, emoji string) {
	delete(a.byUser, userID)

	users := slices.DeleteFunc(a.users[emoji], func(u string) bool { return u == userID })
	if len(users) > 0 {
		a.users[emoji] = users
		return
	}

	delete(a.users, emoji)
	a.order = slices.DeleteFunc(a.order, func(e string) bool { return e == emoji })
}

// Snapshot returns the full reaction state. Count always equals
// len(Users).
func (a *ReactionAggregator) Snapshot() []domain.ReactionSummary {
	out := make([]domain.ReactionSummary, 0, len(a.order))
	for _, emoji := range a.order {
		users := slices.Clone(a.users[emoji])
		out = append(out, domain.ReactionSummary{
			Emoji: emoji,
			Count: len(users),
			Users: users,
		})
	}
	return out
}
