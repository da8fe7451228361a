// Command signaling-client is a diagnostic softphone. It connects to the
// signaling service as one user and can place a call, auto-answer, or reject.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"telecare-signaling/internal/config"
	"telecare-signaling/internal/domain"
	"telecare-signaling/internal/service/calling"
	"telecare-signaling/internal/transport"
	"telecare-signaling/internal/transport/polling"
	"telecare-signaling/internal/transport/push"
	"telecare-signaling/pkg/jwt"
	"telecare-signaling/pkg/logger"
)

// connector is the part of a transport the softphone drives directly
type connector interface {
	transport.Transport
	transport.StateNotifier
	Connect(ctx context.Context, token, userID string) error
	Disconnect()
}

type options struct {
	callee      string
	calleeName  string
	appointment string
	channel     string
	callType    string
	autoAnswer  bool
	reject      bool
	hangupAfter time.Duration
	answerDelay time.Duration
}

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var opts options
	flag.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "signaling service base URL")
	flag.StringVar(&cfg.UserID, "user", cfg.UserID, "user id to connect as")
	flag.StringVar(&cfg.Name, "name", cfg.Name, "display name sent with outgoing calls")
	flag.StringVar(&cfg.Role, "role", cfg.Role, "patient or doctor")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "bearer token; minted from JWT_SECRET when empty")
	flag.StringVar(&cfg.Transport, "transport", cfg.Transport, "poll or push")
	flag.StringVar(&opts.callee, "call", "", "callee user id; places a call when set")
	flag.StringVar(&opts.calleeName, "callee-name", "", "callee display name")
	flag.StringVar(&opts.appointment, "appointment", "", "appointment id for the call")
	flag.StringVar(&opts.channel, "channel", "", "media channel; defaults to the appointment id")
	flag.StringVar(&opts.callType, "type", "video", "audio or video")
	flag.BoolVar(&opts.autoAnswer, "auto-answer", false, "accept incoming calls")
	flag.BoolVar(&opts.reject, "reject", false, "reject incoming calls")
	flag.DurationVar(&opts.answerDelay, "answer-delay", time.Second, "wait before answering or rejecting")
	flag.DurationVar(&opts.hangupAfter, "hangup-after", 0, "end a connected call after this long; 0 keeps it open")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	if opts.autoAnswer && opts.reject {
		fmt.Fprintln(os.Stderr, "-auto-answer and -reject are mutually exclusive")
		os.Exit(2)
	}

	if err := logger.Init(&cfg.Log); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts); err != nil {
		logger.Error("Softphone stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig, opts options) error {
	token := cfg.Token
	if token == "" {
		minted, err := jwt.NewJWTManager(cfg.JWTSecret, 12*time.Hour).GenerateAccessToken(cfg.UserID, cfg.Name, cfg.Role)
		if err != nil {
			return err
		}
		token = minted
	}

	var tr connector
	switch cfg.Transport {
	case config.TransportPush:
		tr = push.New(push.Config{
			BaseURL:     cfg.ServerURL,
			MaxAttempts: uint(cfg.PushAttempts),
		})
	default:
		tr = polling.New(polling.Config{
			BaseURL:     cfg.ServerURL,
			Interval:    cfg.PollInterval,
			MaxFailures: uint32(cfg.MaxPollFailures),
			Cooldown:    cfg.PollCooldown,
		})
	}

	svc := calling.NewService(calling.Identity{UserID: cfg.UserID, Name: cfg.Name, Role: cfg.Role}, tr, calling.Config{
		RingTimeout:  cfg.RingTimeout,
		DismissDelay: cfg.DismissDelay,
	})
	defer svc.Close()

	// closed once the placed call is dismissed
	finished := make(chan struct{})
	var placed atomic.Value
	var finishOnce sync.Once

	tr.OnStateChange(func(s transport.State) {
		logger.Info("Transport state changed", zap.String("state", string(s)))
	})

	svc.OnIncomingCall(func(call domain.ActiveCall) {
		logger.Info("Incoming call",
			zap.String("call_id", call.CallID),
			zap.String("from", call.CallerID),
			zap.String("caller_name", call.CallerName),
			zap.String("appointment_id", call.AppointmentID))

		if !opts.autoAnswer && !opts.reject {
			return
		}
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(opts.answerDelay):
			}
			if opts.reject {
				if err := svc.RejectCall(ctx, call.CallID); err != nil {
					logger.Warn("Reject failed", zap.String("call_id", call.CallID), zap.Error(err))
				}
				return
			}
			if err := svc.AcceptCall(ctx, call.CallID); err != nil {
				logger.Warn("Accept failed", zap.String("call_id", call.CallID), zap.Error(err))
				return
			}
			logger.Info("Call accepted", zap.String("call_id", call.CallID), zap.String("channel", call.ChannelName))
			hangUpLater(ctx, svc, call.CallID, opts.hangupAfter)
		}()
	})

	svc.OnCallResponse(func(resp calling.CallResponse) {
		logger.Info("Call answered",
			zap.String("call_id", resp.Call.CallID),
			zap.Bool("accepted", resp.Accepted))
		if resp.Accepted && resp.Call.Direction == domain.CallDirectionOutgoing {
			go hangUpLater(ctx, svc, resp.Call.CallID, opts.hangupAfter)
		}
	})

	svc.OnCallEnded(func(call domain.ActiveCall) {
		logger.Info("Call ended",
			zap.String("call_id", call.CallID),
			zap.String("reason", call.EndReason),
			zap.String("ended_by", call.EndedBy))
	})

	svc.OnCallDismissed(func(call domain.ActiveCall) {
		if id, _ := placed.Load().(string); id == call.CallID {
			finishOnce.Do(func() { close(finished) })
		}
	})

	if err := tr.Connect(ctx, token, cfg.UserID); err != nil {
		return err
	}
	defer tr.Disconnect()

	logger.Info("Softphone connected",
		zap.String("user_id", cfg.UserID),
		zap.String("transport", cfg.Transport),
		zap.String("server", cfg.ServerURL))

	if opts.callee != "" {
		call, err := svc.InitiateCall(ctx, calling.InitiateCallInput{
			CalleeID:      opts.callee,
			CalleeName:    opts.calleeName,
			AppointmentID: opts.appointment,
			ChannelName:   opts.channel,
			CallType:      opts.callType,
		})
		if err != nil {
			return err
		}
		placed.Store(call.CallID)
		logger.Info("Ringing", zap.String("call_id", call.CallID), zap.String("callee", call.CalleeID))
	}

	select {
	case <-ctx.Done():
	case <-finished:
	}

	hangUpAll(svc)
	return nil
}

// hangUpAll rejects ringing incoming calls and ends everything else still live
func hangUpAll(svc *calling.Service) {
	for _, call := range svc.ActiveCalls() {
		if call.Status.Terminal() {
			continue
		}
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		if call.Direction == domain.CallDirectionIncoming && call.Status == domain.CallStatusRinging {
			err = svc.RejectCall(endCtx, call.CallID)
		} else {
			err = svc.EndCall(endCtx, call.CallID)
		}
		cancel()
		if err != nil {
			logger.Warn("Hang up on exit failed", zap.String("call_id", call.CallID), zap.Error(err))
		}
	}
}

func hangUpLater(ctx context.Context, svc *calling.Service, callID string, after time.Duration) {
	if after <= 0 {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(after):
	}
	if err := svc.EndCall(ctx, callID); err != nil {
		logger.Warn("Hang up failed", zap.String("call_id", callID), zap.Error(err))
	}
}
