package chat

import (
	"slices"
	"sync"
)

// MembershipView is the per-connection record of joined rooms and the
// rooms its user belongs to.
type MembershipView struct {
	mu         sync.RWMutex
	subscribed map[string]struct{}
	memberOf   map[string]struct{}
}

// NewMembershipView seeds a view with the rooms the user belongs to.
func NewMembershipView(memberOf []string) *MembershipView {
	v := &MembershipView{
		subscribed: make(map[string]struct{}),
		memberOf:   make(map[string]struct{}, len(memberOf)),
	}
	for _, id := range memberOf {
		v.memberOf[id] = struct{}{}
	}
	return v
}

func (v *MembershipView) Subscribe(roomID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.subscribed[roomID] = struct{}{}
}

// Unsubscribe reports whether roomID was subscribed.
func (v *MembershipView) Unsubscribe(roomID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.subscribed[roomID]
	delete(v.subscribed, roomID)
	return ok
}

func (v *MembershipView) IsSubscribed(roomID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.subscribed[roomID]
	return ok
}

// Subscribed returns the joined rooms in sorted order.
func (v *MembershipView) Subscribed() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return sortedKeys(v.subscribed)
}

func (v *MembershipView) SetMember(roomID string, member bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if member {
		v.memberOf[roomID] = struct{}{}
	} else {
		delete(v.memberOf, roomID)
	}
}

func (v *MembershipView) IsMember(roomID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.memberOf[roomID]
	return ok
}

// MemberOf returns the rooms the user belongs to in sorted order.
func (v *MembershipView) MemberOf() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return sortedKeys(v.memberOf)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
