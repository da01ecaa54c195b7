// Package rooms tracks who is present in each list room. State is in-memory
// only and is rebuilt from live connections after a restart.
package rooms

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/clock"
)

const DefaultTypingTimeout = 3 * time.Second

var ErrNotMember = errors.New("user is not a member of the room")

var DefaultPalette = []string{
	"#EF4444",
	"#F59E0B",
	"#10B981",
	"#3B82F6",
	"#8B5CF6",
	"#EC4899",
	"#14B8A6",
	"#F97316",
}

type Presence struct {
	UserID         string    `json:"userId"`
	DisplayName    string    `json:"displayName"`
	Color          string    `json:"color"`
	IsTyping       bool      `json:"isTyping"`
	SelectedItemID *string   `json:"selectedItemId"`
	JoinedAt       time.Time `json:"joinedAt"`
}

type Options struct {
	Palette       []string
	TypingTimeout time.Duration
	Clock         clock.Clock
	// OnTypingExpired runs after the registry force-clears a stale typing
	// flag. It is called without the registry lock held.
	OnTypingExpired func(listID, userID string)
}

type Registry struct {
	mu              sync.Mutex
	rooms           map[string]*room
	palette         []string
	typingTimeout   time.Duration
	clock           clock.Clock
	onTypingExpired func(listID, userID string)
}

type room struct {
	members map[string]*member
	joins   int
}

type member struct {
	presence    Presence
	conns       int
	typingTimer clock.Timer
	typingGen   uint64
}

func NewRegistry(opts Options) *Registry {
	palette := opts.Palette
	if len(palette) == 0 {
		palette = DefaultPalette
	}
	timeout := opts.TypingTimeout
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		rooms:           map[string]*room{},
		palette:         append([]string(nil), palette...),
		typingTimeout:   timeout,
		clock:           clk,
		onTypingExpired: opts.OnTypingExpired,
	}
}

// SetTypingTimeout changes the auto-clear delay for typing flags armed from
// now on.
func (r *Registry) SetTypingTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typingTimeout = d
}

func (r *Registry) TypingTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typingTimeout
}

// Join adds userID to the room, creating the room on first use. A user that
// is already present keeps its color and join time; each Join must be paired
// with a Leave. first reports whether this created the presence entry.
func (r *Registry) Join(listID, userID, displayName string) (p Presence, first bool) {
	listID = strings.TrimSpace(listID)
	userID = strings.TrimSpace(userID)
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = userID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[listID]
	if !ok {
		rm = &room{members: map[string]*member{}}
		r.rooms[listID] = rm
	}
	if m, ok := rm.members[userID]; ok {
		m.conns++
		m.presence.DisplayName = displayName
		return clonePresence(m.presence), false
	}
	color := r.pickColorLocked(rm)
	rm.joins++
	m := &member{
		presence: Presence{
			UserID:      userID,
			DisplayName: displayName,
			Color:       color,
			JoinedAt:    r.clock.Now(),
		},
		conns: 1,
	}
	rm.members[userID] = m
	return clonePresence(m.presence), true
}

// Leave releases one connection of userID. The presence entry goes away with
// the last connection, and the room goes away with its last member.
func (r *Registry) Leave(listID, userID string) (removed bool, remaining int) {
	listID = strings.TrimSpace(listID)
	userID = strings.TrimSpace(userID)

	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[listID]
	if !ok {
		return false, 0
	}
	m, ok := rm.members[userID]
	if !ok {
		return false, len(rm.members)
	}
	m.conns--
	if m.conns > 0 {
		return false, len(rm.members)
	}
	stopTyping(m)
	delete(rm.members, userID)
	if len(rm.members) == 0 {
		delete(r.rooms, listID)
	}
	return true, len(rm.members)
}

// SetTyping records the typing flag. A true flag expires on its own after the
// typing timeout unless refreshed by another true.
func (r *Registry) SetTyping(listID, userID string, isTyping bool) (Presence, error) {
	listID = strings.TrimSpace(listID)
	userID = strings.TrimSpace(userID)

	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.memberLocked(listID, userID)
	if err != nil {
		return Presence{}, err
	}
	stopTyping(m)
	m.typingGen++
	m.presence.IsTyping = isTyping
	if isTyping {
		gen := m.typingGen
		m.typingTimer = r.clock.AfterFunc(r.typingTimeout, func() {
			r.expireTyping(listID, userID, gen)
		})
	}
	return clonePresence(m.presence), nil
}

func (r *Registry) SetSelecting(listID, userID string, itemID *string) (Presence, error) {
	listID = strings.TrimSpace(listID)
	userID = strings.TrimSpace(userID)

	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.memberLocked(listID, userID)
	if err != nil {
		return Presence{}, err
	}
	if itemID != nil && strings.TrimSpace(*itemID) == "" {
		itemID = nil
	}
	m.presence.SelectedItemID = clonePtr(itemID)
	return clonePresence(m.presence), nil
}

// Snapshot lists the room's members ordered by join time.
func (r *Registry) Snapshot(listID string) []Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[strings.TrimSpace(listID)]
	if !ok {
		return []Presence{}
	}
	out := make([]Presence, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, clonePresence(m.presence))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (r *Registry) Count(listID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[strings.TrimSpace(listID)]
	if !ok {
		return 0
	}
	return len(rm.members)
}

func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) expireTyping(listID, userID string, gen uint64) {
	r.mu.Lock()
	rm, ok := r.rooms[listID]
	if !ok {
		r.mu.Unlock()
		return
	}
	m, ok := rm.members[userID]
	if !ok || m.typingGen != gen || !m.presence.IsTyping {
		r.mu.Unlock()
		return
	}
	m.presence.IsTyping = false
	m.typingTimer = nil
	callback := r.onTypingExpired
	r.mu.Unlock()
	if callback != nil {
		callback(listID, userID)
	}
}

func (r *Registry) memberLocked(listID, userID string) (*member, error) {
	rm, ok := r.rooms[listID]
	if !ok {
		return nil, ErrNotMember
	}
	m, ok := rm.members[userID]
	if !ok {
		return nil, ErrNotMember
	}
	return m, nil
}

// pickColorLocked returns the first palette color no current member holds,
// or palette[joinIndex mod K] once every color is taken.
func (r *Registry) pickColorLocked(rm *room) string {
	used := make(map[string]bool, len(rm.members))
	for _, m := range rm.members {
		used[m.presence.Color] = true
	}
	for _, color := range r.palette {
		if !used[color] {
			return color
		}
	}
	return r.palette[rm.joins%len(r.palette)]
}

func stopTyping(m *member) {
	if m.typingTimer != nil {
		m.typingTimer.Stop()
		m.typingTimer = nil
	}
}

func clonePresence(p Presence) Presence {
	p.SelectedItemID = clonePtr(p.SelectedItemID)
	return p
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
