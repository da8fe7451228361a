package calling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"telecare-signaling/internal/domain"
	"telecare-signaling/internal/transport"
	apperrors "telecare-signaling/pkg/errors"
	"telecare-signaling/pkg/logger"
	"telecare-signaling/pkg/sanitize"
)

// Identity is the local user the service acts for
type Identity struct {
	UserID string
	Name   string
	Role   string
}

// Config holds call timing
type Config struct {
	// RingTimeout ends an unanswered call
	RingTimeout time.Duration
	// DismissDelay is how long a finished call stays visible
	DismissDelay time.Duration
	// EmitTimeout bounds emits started by timers and state changes
	EmitTimeout time.Duration
	Clock       clock.Clock
}

// InitiateCallInput contains the data needed to ring a peer
type InitiateCallInput struct {
	CalleeID      string
	CalleeName    string
	AppointmentID string
	ChannelName   string
	CallType      string
}

// CallResponse is delivered to OnCallResponse listeners
type CallResponse struct {
	Call     domain.ActiveCall
	Accepted bool
}

type callEntry struct {
	call    domain.ActiveCall
	ring    *clock.Timer
	dismiss *clock.Timer
}

func (e *callEntry) stopTimers() {
	if e.ring != nil {
		e.ring.Stop()
		e.ring = nil
	}
	if e.dismiss != nil {
		e.dismiss.Stop()
		e.dismiss = nil
	}
}

// Service drives the ring/accept/reject/end state machine for one user
// and reports transitions through callbacks.
type Service struct {
	self      Identity
	transport transport.Transport
	cfg       Config
	clock     clock.Clock
	log       *zap.Logger

	mu     sync.Mutex
	calls  map[string]*callEntry
	closed bool

	incoming  *listeners[domain.ActiveCall]
	responses *listeners[CallResponse]
	ended     *listeners[domain.ActiveCall]
	dismissed *listeners[domain.ActiveCall]

	unsubscribe []func()
}

// NewService creates a calling service and subscribes it to tr
func NewService(self Identity, tr transport.Transport, cfg Config) *Service {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	if cfg.DismissDelay <= 0 {
		cfg.DismissDelay = 3 * time.Second
	}
	if cfg.EmitTimeout <= 0 {
		cfg.EmitTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	s := &Service{
		self:      self,
		transport: tr,
		cfg:       cfg,
		clock:     cfg.Clock,
		log:       logger.Named("calling").With(zap.String("user_id", self.UserID)),
		calls:     make(map[string]*callEntry),
		incoming:  newListeners[domain.ActiveCall](),
		responses: newListeners[CallResponse](),
		ended:     newListeners[domain.ActiveCall](),
		dismissed: newListeners[domain.ActiveCall](),
	}

	s.unsubscribe = append(s.unsubscribe, tr.Subscribe(s.handleEvent))
	if notifier, ok := tr.(transport.StateNotifier); ok {
		s.unsubscribe = append(s.unsubscribe, notifier.OnStateChange(s.handleState))
	}
	return s
}

// OnIncomingCall sets the incoming-call callback, replacing the previous one
func (s *Service) OnIncomingCall(fn func(domain.ActiveCall)) { s.incoming.set(fn) }

// OnCallResponse sets the call-response callback, replacing the previous one
func (s *Service) OnCallResponse(fn func(CallResponse)) { s.responses.set(fn) }

// OnCallEnded sets the call-ended callback, replacing the previous one
func (s *Service) OnCallEnded(fn func(domain.ActiveCall)) { s.ended.set(fn) }

// OnCallDismissed sets the dismissal callback, replacing the previous one
func (s *Service) OnCallDismissed(fn func(domain.ActiveCall)) { s.dismissed.set(fn) }

// SubscribeIncomingCall adds a listener and returns its remover
func (s *Service) SubscribeIncomingCall(fn func(domain.ActiveCall)) func() {
	return s.incoming.add(fn)
}

// SubscribeCallResponse adds a listener and returns its remover
func (s *Service) SubscribeCallResponse(fn func(CallResponse)) func() {
	return s.responses.add(fn)
}

// SubscribeCallEnded adds a listener and returns its remover
func (s *Service) SubscribeCallEnded(fn func(domain.ActiveCall)) func() {
	return s.ended.add(fn)
}

// SubscribeCallDismissed adds a listener and returns its remover
func (s *Service) SubscribeCallDismissed(fn func(domain.ActiveCall)) func() {
	return s.dismissed.add(fn)
}

// InitiateCall rings calleeID. The call stays ringing until answered,
// ended or the ring timeout fires. An unreachable server is treated like an
// unreachable callee: the timeout resolves it.
func (s *Service) InitiateCall(ctx context.Context, input InitiateCallInput) (*domain.ActiveCall, error) {
	if input.CalleeID == "" {
		return nil, apperrors.MissingFieldError("calleeId")
	}
	if input.CalleeID == s.self.UserID {
		return nil, apperrors.ValidationError("Cannot call yourself")
	}
	if input.ChannelName == "" {
		input.ChannelName = input.AppointmentID
	}
	if input.ChannelName == "" {
		return nil, apperrors.MissingFieldError("channelName")
	}

	now := s.clock.Now()
	call := domain.ActiveCall{
		CallID:        domain.NewCallID(now, s.self.UserID, input.CalleeID),
		CallerID:      s.self.UserID,
		CallerName:    sanitize.DisplayName(s.self.Name),
		CalleeID:      input.CalleeID,
		CalleeName:    sanitize.DisplayName(input.CalleeName),
		AppointmentID: input.AppointmentID,
		ChannelName:   input.ChannelName,
		CallType:      input.CallType,
		Direction:     domain.CallDirectionOutgoing,
		Status:        domain.CallStatusRinging,
		StartedAt:     now,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperrors.ServiceUnavailableError("Calling service closed")
	}
	if _, exists := s.calls[call.CallID]; exists {
		s.mu.Unlock()
		return nil, apperrors.ConflictError("Call already in progress")
	}
	entry := &callEntry{call: call}
	callID := call.CallID
	entry.ring = s.clock.AfterFunc(s.cfg.RingTimeout, func() { s.ringTimeout(callID) })
	s.calls[callID] = entry
	s.mu.Unlock()

	_, err := s.transport.Emit(ctx, domain.EventInitiateCall, call.IncomingCallData())
	if err != nil {
		if !transport.IsTransient(err) {
			s.forget(callID)
			return nil, err
		}
		s.log.Warn("Failed to deliver call invitation, waiting for ring timeout",
			zap.String("call_id", callID),
			zap.Error(err))
	}

	s.log.Info("Call initiated",
		zap.String("call_id", callID),
		zap.String("callee_id", input.CalleeID),
		zap.String("appointment_id", input.AppointmentID))
	return &call, nil
}

// AcceptCall answers a ringing incoming call
func (s *Service) AcceptCall(ctx context.Context, callID string) error {
	call, err := s.ringingIncoming(callID)
	if err != nil {
		return err
	}

	if _, err := s.transport.Emit(ctx, domain.EventCallResponse, responseData(call, true)); err != nil {
		return fmt.Errorf("failed to accept call: %w", err)
	}

	s.mu.Lock()
	entry, ok := s.calls[callID]
	if !ok || entry.call.Status != domain.CallStatusRinging {
		s.mu.Unlock()
		return apperrors.ConflictError("Call is no longer ringing")
	}
	now := s.clock.Now()
	entry.call.Status = domain.CallStatusConnected
	entry.call.AnsweredAt = &now
	if entry.ring != nil {
		entry.ring.Stop()
		entry.ring = nil
	}
	snapshot := entry.call
	s.mu.Unlock()

	s.log.Info("Call accepted", zap.String("call_id", callID))
	s.responses.emit(CallResponse{Call: snapshot, Accepted: true})
	return nil
}

// RejectCall declines a ringing incoming call
func (s *Service) RejectCall(ctx context.Context, callID string) error {
	call, err := s.ringingIncoming(callID)
	if err != nil {
		return err
	}

	snapshot, ok := s.finish(callID, domain.CallStatusRejected, domain.EndReasonRejected, s.self.UserID)
	if !ok {
		return apperrors.ConflictError("Call is no longer ringing")
	}

	s.log.Info("Call rejected", zap.String("call_id", callID))
	s.responses.emit(CallResponse{Call: snapshot, Accepted: false})

	return s.emitBestEffort(ctx, domain.EventCallResponse, responseData(call, false))
}

// EndCall hangs up a ringing or connected call
func (s *Service) EndCall(ctx context.Context, callID string) error {
	snapshot, ok := s.finish(callID, domain.CallStatusEnded, domain.EndReasonHangup, s.self.UserID)
	if !ok {
		s.mu.Lock()
		_, exists := s.calls[callID]
		s.mu.Unlock()
		if !exists {
			return apperrors.CallNotFoundError()
		}
		return apperrors.ConflictError("Call already ended")
	}

	s.log.Info("Call ended", zap.String("call_id", callID))
	s.ended.emit(snapshot)

	return s.emitBestEffort(ctx, domain.EventCallEnded, endedData(snapshot))
}

// Call returns a snapshot of callID
func (s *Service) Call(callID string) (domain.ActiveCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.calls[callID]
	if !ok {
		return domain.ActiveCall{}, false
	}
	return entry.call, true
}

// ActiveCalls returns snapshots of every tracked call, oldest first
func (s *Service) ActiveCalls() []domain.ActiveCall {
	s.mu.Lock()
	calls := make([]domain.ActiveCall, 0, len(s.calls))
	for _, entry := range s.calls {
		calls = append(calls, entry.call)
	}
	s.mu.Unlock()

	sort.Slice(calls, func(i, j int) bool { return calls[i].StartedAt.Before(calls[j].StartedAt) })
	return calls
}

// Close stops timers and detaches from the transport
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, entry := range s.calls {
		entry.stopTimers()
		delete(s.calls, id)
	}
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
}

func (s *Service) handleEvent(ev domain.SignalingEvent) {
	payload, err := ev.Decode()
	if err != nil {
		s.log.Debug("Dropping undecodable event",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)),
			zap.Error(err))
		return
	}
	if _, raw := payload.(domain.RawData); !raw && domain.CallIDOf(payload) == "" {
		s.log.Debug("Dropping call event without callId",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)))
		return
	}

	switch p := payload.(type) {
	case domain.IncomingCallData:
		if ev.Type == domain.EventIncomingCall {
			s.receiveIncomingCall(p)
		}
	case domain.CallResponseData:
		s.receiveCallResponse(p)
	case domain.CallEndedData:
		s.receiveCallEnded(p)
	case domain.RawData:
	}
}

func (s *Service) receiveIncomingCall(p domain.IncomingCallData) {
	if p.CallerID == s.self.UserID {
		return
	}
	if p.CalleeID != "" && p.CalleeID != s.self.UserID {
		return
	}

	now := s.clock.Now()
	call := domain.ActiveCall{
		CallID:        p.CallID,
		CallerID:      p.CallerID,
		CallerName:    sanitize.DisplayName(p.CallerName),
		CalleeID:      s.self.UserID,
		CalleeName:    sanitize.DisplayName(p.CalleeName),
		AppointmentID: p.AppointmentID,
		ChannelName:   p.ChannelName,
		CallType:      p.CallType,
		Direction:     domain.CallDirectionIncoming,
		Status:        domain.CallStatusRinging,
		StartedAt:     now,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, exists := s.calls[p.CallID]; exists {
		s.mu.Unlock()
		return
	}
	entry := &callEntry{call: call}
	callID := p.CallID
	// the caller owns the timeout; this only clears a ring whose caller vanished
	entry.ring = s.clock.AfterFunc(s.cfg.RingTimeout, func() { s.ringExpired(callID) })
	s.calls[callID] = entry
	s.mu.Unlock()

	s.log.Info("Incoming call",
		zap.String("call_id", callID),
		zap.String("caller_id", p.CallerID))
	s.incoming.emit(call)
}

func (s *Service) receiveCallResponse(p domain.CallResponseData) {
	s.mu.Lock()
	entry, ok := s.calls[p.CallID]
	if !ok || !matches(entry.call, p.AppointmentID, p.CallerID, p.CalleeID) {
		s.mu.Unlock()
		s.log.Debug("Dropping stale call-response", zap.String("call_id", p.CallID))
		return
	}
	// responses to incoming calls are echoes of our own answer
	if entry.call.Direction != domain.CallDirectionOutgoing || entry.call.Status != domain.CallStatusRinging {
		s.mu.Unlock()
		return
	}

	now := s.clock.Now()
	if entry.ring != nil {
		entry.ring.Stop()
		entry.ring = nil
	}
	if p.Accepted {
		entry.call.Status = domain.CallStatusConnected
		entry.call.AnsweredAt = &now
	} else {
		entry.call.Status = domain.CallStatusRejected
		entry.call.EndReason = domain.EndReasonRejected
		entry.call.EndedAt = &now
		s.scheduleDismiss(entry)
	}
	snapshot := entry.call
	s.mu.Unlock()

	s.log.Info("Call answered",
		zap.String("call_id", p.CallID),
		zap.Bool("accepted", p.Accepted))
	s.responses.emit(CallResponse{Call: snapshot, Accepted: p.Accepted})
}

func (s *Service) receiveCallEnded(p domain.CallEndedData) {
	s.mu.Lock()
	entry, ok := s.calls[p.CallID]
	matched := ok && matches(entry.call, p.AppointmentID, p.CallerID, p.CalleeID)
	s.mu.Unlock()
	if !matched {
		s.log.Debug("Dropping stale call-ended", zap.String("call_id", p.CallID))
		return
	}

	reason := p.Reason
	if reason == "" {
		reason = domain.EndReasonHangup
	}
	snapshot, ok := s.finish(p.CallID, domain.CallStatusEnded, reason, p.EndedBy)
	if !ok {
		return
	}

	s.log.Info("Call ended by peer",
		zap.String("call_id", p.CallID),
		zap.String("reason", reason))
	s.ended.emit(snapshot)
}

func (s *Service) handleState(state transport.State) {
	if state != transport.StateUnavailable {
		return
	}

	s.mu.Lock()
	var live []string
	for id, entry := range s.calls {
		if !entry.call.Status.Terminal() {
			live = append(live, id)
		}
	}
	s.mu.Unlock()

	for _, id := range live {
		snapshot, ok := s.finish(id, domain.CallStatusEnded, domain.EndReasonUnavailable, s.self.UserID)
		if !ok {
			continue
		}
		s.log.Warn("Call ended: signaling unavailable", zap.String("call_id", id))
		s.ended.emit(snapshot)

		// runs on the transport's goroutine; do not hold up its recovery
		go s.emitDetached(id, domain.EventCallEnded, endedData(snapshot))
	}
}

// ringTimeout ends an unanswered outgoing call
func (s *Service) ringTimeout(callID string) {
	snapshot, ok := s.finishIf(callID, domain.CallStatusRinging, domain.CallStatusEnded, domain.EndReasonTimeout, s.self.UserID)
	if !ok {
		return
	}

	s.log.Info("Call timed out", zap.String("call_id", callID))
	s.ended.emit(snapshot)

	s.emitDetached(callID, domain.EventCallEnded, endedData(snapshot))
}

// ringExpired clears an incoming call the caller never resolved
func (s *Service) ringExpired(callID string) {
	snapshot, ok := s.finishIf(callID, domain.CallStatusRinging, domain.CallStatusEnded, domain.EndReasonTimeout, "")
	if !ok {
		return
	}
	s.log.Info("Incoming call expired", zap.String("call_id", callID))
	s.ended.emit(snapshot)
}

// finish moves a live call to a terminal status and schedules its dismissal.
// It reports false if the call is unknown or already terminal.
func (s *Service) finish(callID string, status domain.CallStatus, reason, endedBy string) (domain.ActiveCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.calls[callID]
	if !ok || entry.call.Status.Terminal() {
		return domain.ActiveCall{}, false
	}
	return s.terminate(entry, status, reason, endedBy), true
}

// finishIf is finish restricted to calls currently in from
func (s *Service) finishIf(callID string, from, status domain.CallStatus, reason, endedBy string) (domain.ActiveCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.calls[callID]
	if !ok || entry.call.Status != from {
		return domain.ActiveCall{}, false
	}
	return s.terminate(entry, status, reason, endedBy), true
}

// terminate must be called with s.mu held
func (s *Service) terminate(entry *callEntry, status domain.CallStatus, reason, endedBy string) domain.ActiveCall {
	now := s.clock.Now()
	if entry.ring != nil {
		entry.ring.Stop()
		entry.ring = nil
	}
	entry.call.Status = status
	entry.call.EndReason = reason
	entry.call.EndedAt = &now
	entry.call.EndedBy = endedBy
	s.scheduleDismiss(entry)
	return entry.call
}

// scheduleDismiss must be called with s.mu held
func (s *Service) scheduleDismiss(entry *callEntry) {
	if entry.dismiss != nil {
		return
	}
	callID := entry.call.CallID
	entry.dismiss = s.clock.AfterFunc(s.cfg.DismissDelay, func() { s.dismiss(callID) })
}

func (s *Service) dismiss(callID string) {
	s.mu.Lock()
	entry, ok := s.calls[callID]
	if !ok || !entry.call.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	delete(s.calls, callID)
	snapshot := entry.call
	s.mu.Unlock()

	s.log.Debug("Call dismissed", zap.String("call_id", callID))
	s.dismissed.emit(snapshot)
}

func (s *Service) forget(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.calls[callID]; ok {
		entry.stopTimers()
		delete(s.calls, callID)
	}
}

func (s *Service) ringingIncoming(callID string) (domain.ActiveCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.calls[callID]
	if !ok {
		return domain.ActiveCall{}, apperrors.CallNotFoundError()
	}
	if entry.call.Direction != domain.CallDirectionIncoming {
		return domain.ActiveCall{}, apperrors.ValidationError("Only the callee can answer a call")
	}
	if entry.call.Status != domain.CallStatusRinging {
		return domain.ActiveCall{}, apperrors.ConflictError("Call is no longer ringing")
	}
	return entry.call, nil
}

// emitBestEffort sends an event whose local effect has already happened.
// Transient failures are logged; client errors are returned.
func (s *Service) emitBestEffort(ctx context.Context, eventType domain.EventType, data any) error {
	_, err := s.transport.Emit(ctx, eventType, data)
	if err == nil {
		return nil
	}
	if transport.IsTransient(err) {
		s.log.Warn("Failed to emit signaling event",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
		return nil
	}
	return err
}

// emitDetached sends an event no caller is waiting on
func (s *Service) emitDetached(callID string, eventType domain.EventType, data any) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EmitTimeout)
	defer cancel()
	if err := s.emitBestEffort(ctx, eventType, data); err != nil {
		s.log.Warn("Signaling event rejected",
			zap.String("call_id", callID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

// matches reports whether identifiers carried by an event agree with call
func matches(call domain.ActiveCall, appointmentID, callerID, calleeID string) bool {
	if appointmentID != "" && call.AppointmentID != "" && appointmentID != call.AppointmentID {
		return false
	}
	if callerID != "" && callerID != call.CallerID {
		return false
	}
	if calleeID != "" && calleeID != call.CalleeID {
		return false
	}
	return true
}

func responseData(call domain.ActiveCall, accepted bool) domain.CallResponseData {
	return domain.CallResponseData{
		CallID:        call.CallID,
		CallerID:      call.CallerID,
		CalleeID:      call.CalleeID,
		AppointmentID: call.AppointmentID,
		ChannelName:   call.ChannelName,
		Accepted:      accepted,
	}
}

func endedData(call domain.ActiveCall) domain.CallEndedData {
	return domain.CallEndedData{
		CallID:        call.CallID,
		CallerID:      call.CallerID,
		CalleeID:      call.CalleeID,
		AppointmentID: call.AppointmentID,
		EndedBy:       call.EndedBy,
		Reason:        call.EndReason,
	}
}
