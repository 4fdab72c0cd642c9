package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"gridroyale/realtime/internal/journal"
	"gridroyale/realtime/internal/logging"
	"gridroyale/realtime/internal/protocol"
	"gridroyale/realtime/internal/store"
)

// ErrNotMember indicates the sender is not part of the target room.
var ErrNotMember = errors.New("sender is not a room member")

// Broadcaster is the room fan-out surface the relay depends on.
type Broadcaster interface {
	Broadcast(code string, env *protocol.Envelope, excludeConnID string) int
	Members(code string) []string
}

// ResultStore persists final match results.
type ResultStore interface {
	SaveMatchResult(ctx context.Context, roomCode, reportedBy string, result json.RawMessage) (*store.MatchResult, error)
}

// JournalFactory opens a journal writer for a room's match recording.
type JournalFactory func(roomCode string) (*journal.Writer, error)

// Sender identifies the originating connection of a relayed frame.
type Sender struct {
	ConnID   string
	Identity string
}

// Relay fans game frames out to room members and records them. Persistence
// and journaling failures degrade the relay to live-only; the broadcast
// itself always proceeds.
type Relay struct {
	rooms      Broadcaster
	results    ResultStore
	newJournal JournalFactory
	logger     *logging.Logger

	mu       sync.Mutex
	journals map[string]*journal.Writer

	relayed atomic.Int64
}

// NewRelay wires the relay to its room hub. Both the result store and the
// journal factory are optional.
func NewRelay(rooms Broadcaster, results ResultStore, newJournal JournalFactory, logger *logging.Logger) *Relay {
	return &Relay{
		rooms:      rooms,
		results:    results,
		newJournal: newJournal,
		logger:     logger,
		journals:   make(map[string]*journal.Writer),
	}
}

// Relayed reports the number of frames fanned out since start.
func (r *Relay) Relayed() int64 {
	if r == nil {
		return 0
	}
	return r.relayed.Load()
}

// State relays a full game state frame to every other member of the room.
func (r *Relay) State(ctx context.Context, sender Sender, p protocol.GameEventPayload) error {
	if err := r.requireMember(p.RoomCode, sender.Identity); err != nil {
		return err
	}
	r.journalEvent(p.RoomCode, "state", sender.Identity, p.Payload)
	r.journalState(p.RoomCode, p.Payload)
	return r.broadcast(p.RoomCode, protocol.EventGameState, protocol.RelayedEvent{
		Identity: sender.Identity,
		State:    p.Payload,
	}, sender.ConnID)
}

// Progress relays an incremental progress frame to every other member.
func (r *Relay) Progress(ctx context.Context, sender Sender, p protocol.GameEventPayload) error {
	if err := r.requireMember(p.RoomCode, sender.Identity); err != nil {
		return err
	}
	r.journalEvent(p.RoomCode, "progress", sender.Identity, p.Payload)
	return r.broadcast(p.RoomCode, protocol.EventGameProgress, protocol.RelayedEvent{
		Identity: sender.Identity,
		State:    p.Payload,
	}, sender.ConnID)
}

// Chat relays an in-game chat line to every other member.
func (r *Relay) Chat(ctx context.Context, sender Sender, p protocol.GameChatPayload) error {
	if err := r.requireMember(p.RoomCode, sender.Identity); err != nil {
		return err
	}
	raw, _ := json.Marshal(p)
	r.journalEvent(p.RoomCode, "chat", sender.Identity, raw)
	return r.broadcast(p.RoomCode, protocol.EventGameChat, protocol.RelayedEvent{
		Identity: sender.Identity,
		Message:  p.Message,
	}, sender.ConnID)
}

// End records the match result and announces the end to every member,
// including the reporter. The announcement is not conditional on the result
// write: spectators must learn the match ended even when storage is down.
func (r *Relay) End(ctx context.Context, sender Sender, p protocol.GameEndPayload) error {
	if err := r.requireMember(p.RoomCode, sender.Identity); err != nil {
		return err
	}
	if r.results != nil {
		if _, err := r.results.SaveMatchResult(ctx, p.RoomCode, sender.Identity, p.Result); err != nil && r.logger != nil {
			r.logger.Error("match result write failed",
				logging.String("room", p.RoomCode),
				logging.String("identity", sender.Identity),
				logging.Error(err))
		}
	}
	r.journalEvent(p.RoomCode, "end", sender.Identity, p.Result)
	r.CloseJournal(p.RoomCode)
	return r.broadcast(p.RoomCode, protocol.EventGameEnd, protocol.RelayedEvent{
		Identity: sender.Identity,
		Result:   p.Result,
	}, "")
}

// CloseJournal finalizes the room's match recording if one is open. Called on
// match end and when the room itself is torn down.
func (r *Relay) CloseJournal(roomCode string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	writer, ok := r.journals[roomCode]
	if ok {
		delete(r.journals, roomCode)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := writer.Close(); err != nil && r.logger != nil {
		r.logger.Warn("journal close failed",
			logging.String("room", roomCode),
			logging.Error(err))
	}
}

func (r *Relay) requireMember(roomCode, identity string) error {
	if r == nil || r.rooms == nil {
		return errors.New("relay not configured")
	}
	for _, member := range r.rooms.Members(roomCode) {
		if member == identity {
			return nil
		}
	}
	return ErrNotMember
}

func (r *Relay) broadcast(roomCode, event string, payload protocol.RelayedEvent, excludeConnID string) error {
	env, err := protocol.NewServerEvent(protocol.ChannelGame, event, payload)
	if err != nil {
		return err
	}
	r.rooms.Broadcast(roomCode, env, excludeConnID)
	r.relayed.Add(1)
	return nil
}

func (r *Relay) journalEvent(roomCode, eventType, sender string, payload []byte) {
	writer := r.journalFor(roomCode)
	if writer == nil {
		return
	}
	if err := writer.AppendEvent(eventType, sender, payload); err != nil && r.logger != nil {
		r.logger.Warn("journal event append failed",
			logging.String("room", roomCode),
			logging.Error(err))
	}
}

func (r *Relay) journalState(roomCode string, payload []byte) {
	writer := r.journalFor(roomCode)
	if writer == nil {
		return
	}
	if err := writer.AppendState(payload); err != nil && r.logger != nil {
		r.logger.Warn("journal state append failed",
			logging.String("room", roomCode),
			logging.Error(err))
	}
}

func (r *Relay) journalFor(roomCode string) *journal.Writer {
	if r.newJournal == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if writer, ok := r.journals[roomCode]; ok {
		return writer
	}
	writer, err := r.newJournal(roomCode)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("journal open failed",
				logging.String("room", roomCode),
				logging.Error(err))
		}
		return nil
	}
	r.journals[roomCode] = writer
	return writer
}
