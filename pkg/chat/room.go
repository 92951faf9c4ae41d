package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/HMasataka/chathub/internal/eventbus"
	"github.com/HMasataka/chathub/internal/logging"
	"github.com/HMasataka/chathub/internal/metrics"
	"github.com/HMasataka/chathub/pkg/domain"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
	"github.com/HMasataka/chathub/pkg/transport/protocol"
)

// errRoomRetired is returned by operations on a room the registry has
// unloaded. Callers load the room again.
var errRoomRetired = apperrors.New(apperrors.ErrorTypeInternal, "ROOM_RETIRED", "room retired")

const opQueueSize = 256

type historyEntry struct {
	msg       domain.Message
	reactions *ReactionAggregator
}

// Room is a hydrated chat room. Every operation runs on the room's own
// goroutine, one at a time, so the fields below the channel block need no
// locking.
type Room struct {
	id         string
	roomType   domain.RoomType
	name       string
	membership domain.MembershipStore
	messages   domain.MessageStore
	bus        eventbus.Publisher
	logger     *logging.Logger
	opts       Options
	onDetach   func(client domain.Client, roomID string)

	ops     chan func()
	quit    chan struct{}
	done    chan struct{}
	retired atomic.Bool

	members    []string
	seq        int64
	history    []*historyEntry
	byID       map[string]*historyEntry
	watermarks map[string]int64
	conns      map[string]domain.Client
	idleSince  time.Time
}

func newRoom(info *domain.RoomInfo, recent []domain.Message, deps roomDeps) *Room {
	r := &Room{
		id:         info.ID,
		roomType:   info.Type,
		name:       info.Name,
		membership: deps.membership,
		messages:   deps.messages,
		bus:        deps.bus,
		logger:     deps.logger.WithField("room_id", info.ID),
		opts:       deps.opts,
		onDetach:   deps.onDetach,
		ops:        make(chan func(), opQueueSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		members:    slices.Clone(info.Members),
		byID:       make(map[string]*historyEntry),
		watermarks: make(map[string]int64),
		conns:      make(map[string]domain.Client),
		idleSince:  time.Now(),
	}

	for _, m := range recent {
		r.remember(m, NewReactionAggregator(m.Reactions))
		r.seq = max(r.seq, m.Sequence)
	}

	go r.run()
	return r
}

type roomDeps struct {
	membership domain.MembershipStore
	messages   domain.MessageStore
	bus        eventbus.Publisher
	logger     *logging.Logger
	opts       Options
	onDetach   func(client domain.Client, roomID string)
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) Type() domain.RoomType {
	return r.roomType
}

func (r *Room) run() {
	defer close(r.done)
	for {
		select {
		case op := <-r.ops:
			op()
		case <-r.quit:
			return
		}
	}
}

// stop ends the run loop. Queued operations that have not started fail
// with errRoomRetired.
func (r *Room) stop() {
	r.retired.Store(true)
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
	<-r.done
}

// do runs fn on the room goroutine and waits for its result. Once queued,
// fn runs to completion even if ctx is cancelled.
func (r *Room) do(ctx context.Context, fn func() error) error {
	if r.retired.Load() {
		return errRoomRetired
	}

	errc := make(chan error, 1)
	op := func() {
		if r.retired.Load() {
			errc <- errRoomRetired
			return
		}
		errc <- fn()
	}

	select {
	case r.ops <- op:
	case <-r.done:
		return errRoomRetired
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-r.done:
		select {
		case err := <-errc:
			return err
		default:
			return errRoomRetired
		}
	}
}

// post queues fn on the room goroutine and returns without waiting. When
// the queue is full the hand-off moves to its own goroutine, so the caller
// never blocks and ordering is only kept while the queue has room.
func (r *Room) post(fn func()) {
	if r.retired.Load() {
		return
	}

	op := func() {
		if !r.retired.Load() {
			fn()
		}
	}

	select {
	case r.ops <- op:
	case <-r.done:
	default:
		go func() {
			select {
			case r.ops <- op:
			case <-r.done:
			}
		}()
	}
}

func (r *Room) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opts.StoreTimeout)
}

func (r *Room) isMember(userID string) bool {
	return slices.Contains(r.members, userID)
}

// Join attaches client to the room and sends it the joined reply followed
// by the room history.
func (r *Room) Join(ctx context.Context, client domain.Client, replyTo string) error {
	return r.do(ctx, func() error {
		if !r.isMember(client.UserID()) {
			return apperrors.ErrNotAMember.WithDetails(r.id)
		}

		r.conns[client.ID()] = client

		joined, err := protocol.Encode(protocol.TypeJoined, r.id, replyTo, protocol.JoinedData{RoomID: r.id, Sequence: r.seq})
		if err != nil {
			return err
		}
		history, err := protocol.Encode(protocol.TypeHistory, r.id, replyTo, r.historyData())
		if err != nil {
			return err
		}

		r.sendTo(client, joined)
		r.sendTo(client, history)

		r.logger.Debug("client joined", "client_id", client.ID(), "user_id", client.UserID(), "connections", len(r.conns))
		return nil
	})
}

// Leave detaches client. Leaving a room the client never joined is not an
// error.
func (r *Room) Leave(ctx context.Context, client domain.Client) error {
	err := r.do(ctx, func() error {
		r.detach(client.ID())
		return nil
	})
	if errors.Is(err, errRoomRetired) {
		return nil
	}
	return err
}

func (r *Room) detach(connID string) {
	if _, ok := r.conns[connID]; !ok {
		return
	}
	delete(r.conns, connID)
	if len(r.conns) == 0 {
		r.idleSince = time.Now()
	}
}

// PostMessage persists content as the next message of the room and
// broadcasts it to every joined connection, the sender's included. Nothing
// is broadcast and no sequence number is used when the store write fails.
func (r *Room) PostMessage(ctx context.Context, client domain.Client, content, replyTo string) (*domain.Message, error) {
	var posted *domain.Message

	err := r.do(ctx, func() error {
		sender := client.UserID()
		if !r.isMember(sender) {
			return apperrors.ErrNotAMember.WithDetails(r.id)
		}

		if strings.TrimSpace(content) == "" {
			return apperrors.ErrValidation.WithDetails("message content is empty")
		}
		if utf8.RuneCountInString(content) > r.opts.MaxContentLength {
			return apperrors.ErrValidation.WithDetails("message content is too long")
		}

		storeCtx, cancel := r.storeContext()
		defer cancel()

		msg, err := r.messages.Append(storeCtx, domain.NewMessage{
			RoomID:   r.id,
			SenderID: sender,
			Content:  content,
			Sequence: r.seq + 1,
		})
		if err != nil {
			r.logger.Error("failed to append message", "error", err, "sequence", r.seq+1)
			return apperrors.ErrPersistenceFailure.WithDetails("message not saved").WithCause(err)
		}

		r.seq = msg.Sequence
		r.remember(*msg, NewReactionAggregator(nil))

		frame, err := protocol.Encode(protocol.TypeMessage, r.id, replyTo, protocol.NewMessageData(*msg, nil))
		if err != nil {
			return err
		}
		r.broadcast(protocol.TypeMessage, frame, nil)

		metrics.MessagesPosted.WithLabelValues(string(r.roomType)).Inc()
		if r.bus != nil {
			r.bus.PublishAsync(eventbus.NewEvent(eventbus.EventMessagePosted, "room", eventbus.MessageData{
				RoomID:    r.id,
				MessageID: msg.ID,
				SenderID:  sender,
				Sequence:  msg.Sequence,
			}))
		}

		posted = msg
		return nil
	})

	return posted, err
}

// React adds or removes the client user's emoji on a message in the
// history window and broadcasts the full reaction snapshot. A request that
// would not change anything skips the store and answers the caller only.
func (r *Room) React(ctx context.Context, client domain.Client, messageID, emoji string, adding bool, replyTo string) error {
	return r.do(ctx, func() error {
		userID := client.UserID()
		if !r.isMember(userID) {
			return apperrors.ErrNotAMember.WithDetails(r.id)
		}
		if strings.TrimSpace(emoji) == "" {
			return apperrors.ErrValidation.WithDetails("emoji is required")
		}

		entry, ok := r.byID[messageID]
		if !ok {
			return apperrors.ErrMessageNotFound.WithDetails(messageID)
		}

		action := protocol.ActionAdd
		if !adding {
			action = protocol.ActionRemove
		}

		noop := entry.reactions.Has(userID, emoji) == adding
		if noop {
			frame, err := r.reactionFrame(entry, userID, emoji, action, replyTo)
			if err != nil {
				return err
			}
			r.sendTo(client, frame)
			return nil
		}

		storeCtx, cancel := r.storeContext()
		defer cancel()

		var err error
		if adding {
			err = r.messages.React(storeCtx, messageID, userID, emoji)
		} else {
			err = r.messages.Unreact(storeCtx, messageID, userID, emoji)
		}
		if err != nil {
			r.logger.Error("failed to store reaction", "error", err, "message_id", messageID)
			return apperrors.ErrPersistenceFailure.WithDetails("reaction not saved").WithCause(err)
		}

		if adding {
			entry.reactions.Add(userID, emoji)
		} else {
			entry.reactions.Remove(userID, emoji)
		}

		frame, err := r.reactionFrame(entry, userID, emoji, action, replyTo)
		if err != nil {
			return err
		}
		r.broadcast(protocol.TypeReactionUpdate, frame, nil)
		return nil
	})
}

func (r *Room) reactionFrame(entry *historyEntry, userID, emoji, action, replyTo string) ([]byte, error) {
	return protocol.Encode(protocol.TypeReactionUpdate, r.id, replyTo, protocol.ReactionUpdateData{
		MessageID: entry.msg.ID,
		UserID:    userID,
		Emoji:     emoji,
		Action:    action,
		Reactions: entry.reactions.Snapshot(),
	})
}

// MarkRead advances the client user's read watermark. Values at or below
// the current watermark are ignored; values past the latest sequence are
// clamped to it. Other users' connections are told about the change.
func (r *Room) MarkRead(ctx context.Context, client domain.Client, upto int64) error {
	return r.do(ctx, func() error {
		userID := client.UserID()
		if !r.isMember(userID) {
			return apperrors.ErrNotAMember.WithDetails(r.id)
		}

		upto = min(upto, r.seq)
		if upto <= r.watermarks[userID] {
			return nil
		}
		r.watermarks[userID] = upto

		frame, err := protocol.Encode(protocol.TypeMessagesRead, r.id, "", protocol.ReadData{UserID: userID, UptoSequence: upto})
		if err != nil {
			return err
		}
		r.broadcast(protocol.TypeMessagesRead, frame, func(c domain.Client) bool {
			return c.UserID() == userID
		})
		return nil
	})
}

// Typing tells every other joined connection that the client user is
// typing. Nothing is stored.
func (r *Room) Typing(ctx context.Context, client domain.Client) error {
	return r.do(ctx, func() error {
		userID := client.UserID()
		if !r.isMember(userID) {
			return apperrors.ErrNotAMember.WithDetails(r.id)
		}

		frame, err := protocol.Encode(protocol.TypeTyping, r.id, "", protocol.TypingData{UserID: userID})
		if err != nil {
			return err
		}
		r.broadcast(protocol.TypeTyping, frame, func(c domain.Client) bool {
			return c.ID() == client.ID()
		})
		return nil
	})
}

// Presence forwards a presence change of userID to the other joined
// connections.
func (r *Room) Presence(userID string, online bool) {
	r.post(func() {
		if !r.isMember(userID) {
			return
		}

		frame, err := protocol.Encode(protocol.TypePresence, r.id, "", protocol.PresenceData{UserID: userID, Online: online})
		if err != nil {
			r.logger.Error("failed to encode presence", "error", err)
			return
		}
		r.broadcast(protocol.TypePresence, frame, func(c domain.Client) bool {
			return c.UserID() == userID
		})
	})
}

// AddMember adds userID to a group room.
func (r *Room) AddMember(ctx context.Context, userID string) error {
	return r.do(ctx, func() error {
		if r.roomType != domain.RoomTypeGroup {
			return apperrors.ErrValidation.WithDetails("members of a direct room cannot change")
		}
		if r.isMember(userID) {
			return nil
		}

		storeCtx, cancel := r.storeContext()
		defer cancel()

		if err := r.membership.AddMember(storeCtx, r.id, userID); err != nil {
			return apperrors.ErrPersistenceFailure.WithDetails("member not added").WithCause(err)
		}
		r.members = append(r.members, userID)

		r.logger.Info("member added", "user_id", userID)
		return nil
	})
}

// RemoveMember removes userID from a group room. Every joined connection
// is told, then the removed user's connections are detached. The last
// member cannot be removed.
func (r *Room) RemoveMember(ctx context.Context, userID string) error {
	return r.do(ctx, func() error {
		if r.roomType != domain.RoomTypeGroup {
			return apperrors.ErrValidation.WithDetails("members of a direct room cannot change")
		}
		if !r.isMember(userID) {
			return nil
		}
		if len(r.members) == 1 {
			return apperrors.ErrValidation.WithDetails("a group needs at least one member")
		}

		storeCtx, cancel := r.storeContext()
		defer cancel()

		if err := r.membership.RemoveMember(storeCtx, r.id, userID); err != nil {
			return apperrors.ErrPersistenceFailure.WithDetails("member not removed").WithCause(err)
		}
		r.members = slices.DeleteFunc(r.members, func(m string) bool { return m == userID })
		delete(r.watermarks, userID)

		frame, err := protocol.Encode(protocol.TypeMemberRemoved, r.id, "", protocol.MemberRemovedData{RoomID: r.id, UserID: userID})
		if err != nil {
			return err
		}
		r.broadcast(protocol.TypeMemberRemoved, frame, nil)

		for id, c := range r.conns {
			if c.UserID() != userID {
				continue
			}
			r.detach(id)
			if r.onDetach != nil {
				r.onDetach(c, r.id)
			}
		}

		r.logger.Info("member removed", "user_id", userID)
		return nil
	})
}

// Snapshot describes a hydrated room.
type Snapshot struct {
	ID          string          `json:"id"`
	Type        domain.RoomType `json:"type"`
	Name        string          `json:"name,omitempty"`
	Members     []string        `json:"members"`
	Sequence    int64           `json:"sequence"`
	Connections int             `json:"connections"`
}

func (r *Room) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := r.do(ctx, func() error {
		snap = Snapshot{
			ID:          r.id,
			Type:        r.roomType,
			Name:        r.name,
			Members:     slices.Clone(r.members),
			Sequence:    r.seq,
			Connections: len(r.conns),
		}
		return nil
	})
	return snap, err
}

// Members returns the member list in join order.
func (r *Room) Members(ctx context.Context) ([]string, error) {
	var members []string
	err := r.do(ctx, func() error {
		members = slices.Clone(r.members)
		return nil
	})
	return members, err
}

// Sequence returns the sequence number of the latest message.
func (r *Room) Sequence(ctx context.Context) (int64, error) {
	var seq int64
	err := r.do(ctx, func() error {
		seq = r.seq
		return nil
	})
	return seq, err
}

// retireIfIdle marks the room retired when no connection has been joined
// for longer than threshold.
func (r *Room) retireIfIdle(ctx context.Context, threshold time.Duration, now time.Time) bool {
	var retire bool
	err := r.do(ctx, func() error {
		if len(r.conns) == 0 && now.Sub(r.idleSince) > threshold {
			r.retired.Store(true)
			retire = true
		}
		return nil
	})
	return err == nil && retire
}

func (r *Room) remember(m domain.Message, reactions *ReactionAggregator) {
	entry := &historyEntry{msg: m, reactions: reactions}
	r.history = append(r.history, entry)
	r.byID[m.ID] = entry

	if over := len(r.history) - r.opts.HistoryLimit; over > 0 {
		for _, old := range r.history[:over] {
			delete(r.byID, old.msg.ID)
		}
		r.history = slices.Clone(r.history[over:])
	}
}

func (r *Room) historyData() protocol.HistoryData {
	messages := make([]protocol.MessageData, 0, len(r.history))
	for _, e := range r.history {
		messages = append(messages, protocol.NewMessageData(e.msg, e.reactions.Snapshot()))
	}

	watermarks := make(map[string]int64, len(r.watermarks))
	for u, seq := range r.watermarks {
		watermarks[u] = seq
	}

	return protocol.HistoryData{
		RoomID:     r.id,
		Name:       r.name,
		RoomType:   r.roomType,
		Sequence:   r.seq,
		Messages:   messages,
		Watermarks: watermarks,
	}
}

// broadcast enqueues frame on every joined connection not skipped.
// Connections that turn out to be closed are detached.
func (r *Room) broadcast(frameType protocol.Type, frame []byte, skip func(domain.Client) bool) {
	metrics.Broadcasts.WithLabelValues(string(frameType)).Inc()

	for _, c := range r.conns {
		if skip != nil && skip(c) {
			continue
		}
		r.sendTo(c, frame)
	}
}

func (r *Room) sendTo(c domain.Client, frame []byte) {
	if err := c.Send(context.Background(), frame); err != nil {
		if errors.Is(err, apperrors.ErrConnectionClosed) {
			r.logger.Debug("dropping closed connection", "client_id", c.ID())
			r.detach(c.ID())
			return
		}
		r.logger.Warn("failed to send frame", "client_id", c.ID(), "error", err)
		return
	}
	metrics.FramesSent.Inc()
}
