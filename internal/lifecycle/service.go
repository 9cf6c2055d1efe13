// Package lifecycle owns the room state machine: pending rooms go live,
// live rooms end, and rooms that never produce media are deleted. Every
// transition is a conditional store write, so the owner, the media server
// callbacks, the signaling hub, grace timers and the liveness sweep can race
// on one room and only the first observer of the old state emits events.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"liveroom/internal/clock"
	"liveroom/internal/models"
	"liveroom/internal/notify"
	"liveroom/internal/observability/logging"
	"liveroom/internal/observability/metrics"
	"liveroom/internal/storage"

	"golang.org/x/text/unicode/norm"
)

const (
	DefaultGraceWindow      = 2 * time.Minute
	DefaultOperationTimeout = 5 * time.Second
	DefaultMaxTitleLength   = 100

	graceRetryCap = 15 * time.Second
)

// Reasons attached to terminal notifications.
const (
	ReasonOwnerEnded     = "ended by owner"
	ReasonMediaStopped   = "media stopped"
	ReasonStreamInactive = "stream inactive"
	ReasonAbandoned      = "all participants left"
	ReasonNoMedia        = "no media within grace window"
	ReasonNeverStarted   = "never went live"
)

// ServiceConfig wires the collaborators of a Service.
type ServiceConfig struct {
	Store            storage.RoomStore
	Bus              notify.Bus
	Clock            clock.Clock
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
	GraceWindow      time.Duration
	OperationTimeout time.Duration
	PromoteOnOffer   bool
	MaxTitleLength   int
}

// Service implements the room lifecycle.
type Service struct {
	store          storage.RoomStore
	bus            notify.Bus
	clock          clock.Clock
	logger         *slog.Logger
	metrics        *metrics.Recorder
	grace          time.Duration
	opTimeout      time.Duration
	promoteOnOffer bool
	maxTitle       int

	timers *TimerRegistry
	ctx    context.Context
	cancel context.CancelFunc
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("room store is required")
	}
	bus := cfg.Bus
	if bus == nil {
		bus = notify.Discard
	}
	c := cfg.Clock
	if c == nil {
		c = clock.System()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.GraceWindow
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	maxTitle := cfg.MaxTitleLength
	if maxTitle <= 0 {
		maxTitle = DefaultMaxTitleLength
	}
	ctx, cancel := context.WithCancel(context.Background())
	recorder := cfg.Metrics
	return &Service{
		store:          cfg.Store,
		bus:            bus,
		clock:          c,
		logger:         logger,
		metrics:        recorder,
		grace:          grace,
		opTimeout:      timeout,
		promoteOnOffer: cfg.PromoteOnOffer,
		maxTitle:       maxTitle,
		timers:         NewTimerRegistry(c, recorder.SetArmedTimers),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// GraceWindow returns the configured grace window.
func (s *Service) GraceWindow() time.Duration {
	return s.grace
}

// Timers exposes the grace timer registry.
func (s *Service) Timers() *TimerRegistry {
	return s.timers
}

// Close cancels every armed grace timer. Rooms left live are picked up by
// RestoreTimers or the liveness sweep on the next start.
func (s *Service) Close() {
	s.cancel()
	s.timers.Stop()
}

// Create opens a pending room for ownerID.
func (s *Service) Create(ctx context.Context, title, ownerID string) (models.Room, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return models.Room{}, newError(KindValidation, "owner_required", "owner is required")
	}
	title = normalizeTitle(title)
	if title == "" {
		return models.Room{}, newError(KindValidation, "title_required", "title is required")
	}
	if utf8.RuneCountInString(title) > s.maxTitle {
		return models.Room{}, newError(KindValidation, "title_too_long", fmt.Sprintf("title exceeds %d characters", s.maxTitle))
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	room, err := s.store.InsertRoom(opCtx, storage.RoomDraft{OwnerID: ownerID, Title: title})
	if err != nil {
		return models.Room{}, storeError(err)
	}
	s.metrics.RoomTransition("created")
	s.log(ctx, room.ID).Info("room created", "owner_id", ownerID)
	return room, nil
}

// StartLive moves a pending room owned by requesterID to live and arms its
// grace timer.
func (s *Service) StartLive(ctx context.Context, roomID, requesterID string) (models.Room, error) {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return models.Room{}, err
	}
	if room.OwnerID != requesterID {
		return models.Room{}, newError(KindAuthorization, "not_room_owner", "only the room owner can start the broadcast")
	}
	if room.Status != models.RoomPending {
		return models.Room{}, invalidTransition(room.Status, models.RoomLive)
	}
	live, err := s.goLive(ctx, roomID)
	if errors.Is(err, storage.ErrConditionFailed) {
		return models.Room{}, newError(KindConflict, "invalid_transition", "room is no longer pending")
	}
	if err != nil {
		return models.Room{}, err
	}
	return live, nil
}

// PromoteToLiveOnOffer starts a pending room because a signaling offer
// arrived for it. It reports whether the room was promoted. Live and ended
// rooms are left alone, and nothing happens when promotion is disabled.
func (s *Service) PromoteToLiveOnOffer(ctx context.Context, roomID string) (bool, error) {
	if !s.promoteOnOffer {
		return false, nil
	}
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return false, err
	}
	if room.Status != models.RoomPending {
		return false, nil
	}
	if _, err := s.goLive(ctx, roomID); err != nil {
		if errors.Is(err, storage.ErrConditionFailed) {
			return false, nil
		}
		return false, err
	}
	s.log(ctx, roomID).Info("room promoted to live by signaling offer")
	return true, nil
}

// goLive returns storage.ErrConditionFailed unwrapped when the room left
// pending concurrently.
func (s *Service) goLive(ctx context.Context, roomID string) (models.Room, error) {
	now := s.clock.Now()
	status := models.RoomLive
	inactive := false
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	room, err := s.store.UpdateRoomIf(opCtx, roomID, storage.Condition{Status: models.RoomPending}, storage.RoomPatch{
		Status:           &status,
		StartTime:        &now,
		ClearEndTime:     true,
		HasActiveMedia:   &inactive,
		ClearLastMediaAt: true,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConditionFailed) {
			return models.Room{}, err
		}
		return models.Room{}, storeError(err)
	}
	s.armGrace(roomID, s.grace)
	s.metrics.RoomTransition("live")
	s.emit(notify.EventRoomLive, roomID, "")
	s.log(ctx, roomID).Info("room live", "grace_window", s.grace.String())
	return room, nil
}

// ConfirmMediaStart records an actual media push for the room owning
// streamKey. Only live rooms accept media; anything else is rejected so a
// stale encoder cannot resurrect an ended room.
func (s *Service) ConfirmMediaStart(ctx context.Context, streamKey string) (models.Room, error) {
	room, err := s.GetByStreamKey(ctx, streamKey)
	if err != nil {
		return models.Room{}, err
	}
	if room.Status != models.RoomLive {
		return models.Room{}, notBroadcasting()
	}
	now := s.clock.Now()
	active := true
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	updated, err := s.store.UpdateRoomIf(opCtx, room.ID, storage.Condition{Status: models.RoomLive}, storage.RoomPatch{
		HasActiveMedia: &active,
		LastMediaAt:    &now,
	})
	if errors.Is(err, storage.ErrConditionFailed) {
		return models.Room{}, notBroadcasting()
	}
	if err != nil {
		return models.Room{}, storeError(err)
	}
	if s.timers.Disarm(room.ID) {
		s.log(ctx, room.ID).Debug("grace timer disarmed by media confirmation")
	}
	if !room.HasActiveMedia {
		s.metrics.RoomTransition("media_started")
		s.log(ctx, room.ID).Info("media confirmed")
	}
	return updated, nil
}

// ConfirmMediaStop ends the room owning streamKey when it is live. Calls on
// rooms that are not live succeed without effect.
func (s *Service) ConfirmMediaStop(ctx context.Context, streamKey string) (models.Room, error) {
	room, err := s.GetByStreamKey(ctx, streamKey)
	if err != nil {
		return models.Room{}, err
	}
	if room.Status != models.RoomLive {
		return room, nil
	}
	ended, _, err := s.endIf(ctx, room.ID, storage.Condition{Status: models.RoomLive}, ReasonMediaStopped)
	if err != nil {
		return models.Room{}, err
	}
	return ended, nil
}

// EndLive ends a live room. Ending an ended room is a no-op; ending a
// pending room is a conflict.
func (s *Service) EndLive(ctx context.Context, roomID, reason string) (models.Room, error) {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return models.Room{}, err
	}
	switch room.Status {
	case models.RoomEnded:
		return room, nil
	case models.RoomPending:
		return models.Room{}, invalidTransition(room.Status, models.RoomEnded)
	}
	ended, _, err := s.endIf(ctx, roomID, storage.Condition{Status: models.RoomLive}, reason)
	return ended, err
}

// EndLiveAs ends the room on behalf of requesterID, who must own it.
func (s *Service) EndLiveAs(ctx context.Context, roomID, requesterID string) (models.Room, error) {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return models.Room{}, err
	}
	if room.OwnerID != requesterID {
		return models.Room{}, newError(KindAuthorization, "not_room_owner", "only the room owner can end the broadcast")
	}
	return s.EndLive(ctx, roomID, ReasonOwnerEnded)
}

// EndIfSilent ends a live room whose media has gone quiet. It reports
// whether this call ended the room; a room that recovered or was finalised
// elsewhere is left alone.
func (s *Service) EndIfSilent(ctx context.Context, roomID string, silence storage.Silence) (bool, error) {
	cond := storage.Condition{Status: models.RoomLive, MediaInactive: true, Silent: &silence}
	_, ended, err := s.endIf(ctx, roomID, cond, ReasonStreamInactive)
	if err != nil && IsKind(err, KindConflict) {
		return false, nil
	}
	return ended, err
}

// endIf ends the room when cond holds. A lost race against another path
// that already ended the room is reported as success with ended false.
func (s *Service) endIf(ctx context.Context, roomID string, cond storage.Condition, reason string) (models.Room, bool, error) {
	now := s.clock.Now()
	status := models.RoomEnded
	inactive := false
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	room, err := s.store.UpdateRoomIf(opCtx, roomID, cond, storage.RoomPatch{
		Status:         &status,
		EndTime:        &now,
		HasActiveMedia: &inactive,
	})
	if errors.Is(err, storage.ErrConditionFailed) {
		current, getErr := s.Get(ctx, roomID)
		if getErr != nil {
			if IsKind(getErr, KindNotFound) {
				return models.Room{}, false, nil
			}
			return models.Room{}, false, getErr
		}
		if current.Status == models.RoomEnded {
			return current, false, nil
		}
		return current, false, newError(KindConflict, "invalid_transition", "room no longer matches the expected state")
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Room{}, false, nil
		}
		return models.Room{}, false, storeError(err)
	}
	s.timers.Disarm(roomID)
	s.metrics.RoomTransition("ended")
	s.emit(notify.EventRoomEnded, roomID, reason)
	s.log(ctx, roomID).Info("room ended", "reason", reason)
	return room, true, nil
}

// ExpirePending deletes a room that stayed pending since before cutoff. It
// reports whether this call removed it.
func (s *Service) ExpirePending(ctx context.Context, roomID string, cutoff time.Time) (bool, error) {
	return s.deleteIf(ctx, roomID, storage.Condition{Status: models.RoomPending, CreatedBefore: cutoff}, ReasonNeverStarted)
}

func (s *Service) deleteIf(ctx context.Context, roomID string, cond storage.Condition, reason string) (bool, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	if _, err := s.store.DeleteRoomIf(opCtx, roomID, cond); err != nil {
		if errors.Is(err, storage.ErrConditionFailed) || errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, storeError(err)
	}
	s.timers.Disarm(roomID)
	s.metrics.RoomTransition("deleted")
	s.emit(notify.EventRoomDeleted, roomID, reason)
	s.log(ctx, roomID).Info("room deleted", "reason", reason)
	return true, nil
}

// RecordViewerJoin increments the viewer count of the room owning streamKey.
func (s *Service) RecordViewerJoin(ctx context.Context, streamKey string) (models.Room, error) {
	return s.adjustViewers(ctx, streamKey, 1)
}

// RecordViewerLeave decrements the viewer count, never below zero.
func (s *Service) RecordViewerLeave(ctx context.Context, streamKey string) (models.Room, error) {
	return s.adjustViewers(ctx, streamKey, -1)
}

func (s *Service) adjustViewers(ctx context.Context, streamKey string, delta int) (models.Room, error) {
	if strings.TrimSpace(streamKey) == "" {
		return models.Room{}, newError(KindValidation, "stream_required", "stream key is required")
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	room, err := s.store.AdjustViewerCount(opCtx, streamKey, delta)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Room{}, streamNotFound(err)
	}
	if err != nil {
		return models.Room{}, storeError(err)
	}
	return room, nil
}

func (s *Service) Get(ctx context.Context, roomID string) (models.Room, error) {
	if strings.TrimSpace(roomID) == "" {
		return models.Room{}, newError(KindValidation, "room_required", "room id is required")
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	room, err := s.store.GetRoom(opCtx, roomID)
	if err != nil {
		return models.Room{}, storeError(err)
	}
	return room, nil
}

func (s *Service) GetByStreamKey(ctx context.Context, streamKey string) (models.Room, error) {
	if strings.TrimSpace(streamKey) == "" {
		return models.Room{}, newError(KindValidation, "stream_required", "stream key is required")
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	room, err := s.store.GetRoomByStreamKey(opCtx, streamKey)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Room{}, streamNotFound(err)
	}
	if err != nil {
		return models.Room{}, storeError(err)
	}
	return room, nil
}

func (s *Service) List(ctx context.Context, filter storage.RoomFilter) ([]models.Room, error) {
	for _, status := range filter.Statuses {
		if !status.Valid() {
			return nil, newError(KindValidation, "invalid_status", fmt.Sprintf("unknown room status %q", status))
		}
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	rooms, err := s.store.ListRooms(opCtx, filter)
	if err != nil {
		return nil, storeError(err)
	}
	return rooms, nil
}

// RestoreTimers re-arms grace timers for live rooms that never confirmed
// media, typically after a restart. Rooms whose window already elapsed are
// handled immediately. It returns the number of timers armed.
func (s *Service) RestoreTimers(ctx context.Context) (int, error) {
	rooms, err := s.List(ctx, storage.RoomFilter{
		Statuses: []models.RoomStatus{models.RoomLive},
		Where:    storage.Condition{NeverConfirmed: true, MediaInactive: true},
	})
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	for _, room := range rooms {
		remaining := time.Duration(0)
		if room.StartTime != nil {
			remaining = room.StartTime.Add(s.grace).Sub(now)
		}
		if remaining < 0 {
			remaining = 0
		}
		s.armGrace(room.ID, remaining)
	}
	if len(rooms) > 0 {
		s.logger.Info("grace timers restored", "count", len(rooms))
	}
	return len(rooms), nil
}

func (s *Service) armGrace(roomID string, d time.Duration) {
	s.timers.Arm(roomID, d, func() { s.onGraceExpired(roomID) })
}

// onGraceExpired deletes a room that went live but never produced media.
// Transient failures re-arm a shorter retry; the sweep remains the backstop.
func (s *Service) onGraceExpired(roomID string) {
	if s.ctx.Err() != nil {
		return
	}
	ctx := logging.ContextWithRoomID(s.ctx, roomID)
	cond := storage.Condition{Status: models.RoomLive, NeverConfirmed: true, MediaInactive: true}
	deleted, err := s.deleteIf(ctx, roomID, cond, ReasonNoMedia)
	if err != nil {
		retry := s.grace
		if retry > graceRetryCap {
			retry = graceRetryCap
		}
		s.log(ctx, roomID).Warn("grace expiry failed, retrying", "retry_in", retry.String(), "error", err)
		s.armGrace(roomID, retry)
		return
	}
	if !deleted {
		s.log(ctx, roomID).Debug("grace timer fired after room moved on")
	}
}

func (s *Service) emit(eventType notify.EventType, roomID, reason string) {
	s.bus.Broadcast(notify.Event{
		Type: eventType,
		Data: notify.EventData{RoomID: roomID, Reason: reason, OccurredAt: s.clock.Now()},
	})
}

func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Service) log(ctx context.Context, roomID string) *slog.Logger {
	logger := logging.WithContext(ctx, s.logger)
	if _, ok := logging.RoomIDFromContext(ctx); !ok && roomID != "" {
		logger = logger.With("room_id", roomID)
	}
	return logger
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(norm.NFC.String(title)), " ")
}

func invalidTransition(from, to models.RoomStatus) error {
	return newError(KindConflict, "invalid_transition", fmt.Sprintf("cannot move room from %s to %s", from, to))
}

func notBroadcasting() error {
	return newError(KindConflict, "room_not_broadcasting", "room is not broadcasting")
}

func streamNotFound(err error) error {
	return &Error{Kind: KindNotFound, Code: "stream_not_found", Message: "stream not found", Err: err}
}
