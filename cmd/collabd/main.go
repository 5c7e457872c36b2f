// Command collabd runs one participant of a collaboration session: it
// hosts or joins a session over gRPC peer streams and serves the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"collabengine/internal/analytics"
	"collabengine/internal/auth"
	"collabengine/internal/config"
	"collabengine/internal/events"
	"collabengine/internal/httpapi"
	"collabengine/internal/logger"
	"collabengine/internal/participant"
	"collabengine/internal/presence"
	"collabengine/internal/session"
	"collabengine/internal/tracer"
	"collabengine/internal/transport/grpcpeer"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "collabd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(logger.Options{File: cfg.Log.File, Production: cfg.Log.Production}).
		With(zap.String("participant", cfg.Participant.ID))
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracer.Init(ctx, tracer.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: "collabd",
	}, log)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	self := participant.Participant{
		ID:          cfg.Participant.ID,
		DisplayName: cfg.Participant.Name,
		Token:       cfg.Participant.Token,
		Permissions: participant.Permissions{Actions: []string{"*"}},
	}
	var verifier *auth.Provider
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewProvider(cfg.Auth.JWTSecret)
		grant, err := verifier.Verify(cfg.Participant.Token)
		if err != nil {
			return fmt.Errorf("participant token: %w", err)
		}
		if grant.ParticipantID != self.ID {
			return fmt.Errorf("participant token is for %q, not %q", grant.ParticipantID, self.ID)
		}
	}

	sinks, err := analyticsSinks(cfg, log)
	if err != nil {
		return err
	}
	recorder := analytics.NewRecorder(log, sinks...)
	defer func() { _ = recorder.Close() }()

	var mirror presence.Mirror
	if cfg.Presence.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Presence.RedisAddr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("Redis unreachable, presence mirror disabled", zap.String("addr", cfg.Presence.RedisAddr), zap.Error(err))
		} else {
			mirror = presence.NewRedisMirror(rdb, cfg.Presence.TTL)
		}
	}

	bus := events.NewBus(log)
	defer func() { _ = bus.Close() }()

	peerCfg := grpcpeer.Config{
		LocalID:    cfg.Participant.ID,
		ListenAddr: cfg.Listen,
		Peers:      cfg.PeerAddrs(),
		Token:      cfg.Participant.Token,
		Logger:     log,
	}
	if verifier != nil {
		peerCfg.Authenticate = func(peerID, token string) error {
			grant, err := verifier.Verify(token)
			if err != nil {
				return err
			}
			if grant.ParticipantID != peerID {
				return fmt.Errorf("token is for %q", grant.ParticipantID)
			}
			return nil
		}
	}
	tr := grpcpeer.New(peerCfg)
	if err := tr.Start(); err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()
	log.Info("Peer transport listening", zap.String("addr", tr.Addr()))

	opts := session.Options{
		Self:      self,
		Transport: tr,
		Backoff:   cfg.BackoffPolicy(),
		Heartbeat: session.HeartbeatConfig{
			Interval:     cfg.Heartbeat.Interval,
			AwayAfter:    cfg.Heartbeat.AwayAfter,
			OfflineAfter: cfg.Heartbeat.OfflineAfter,
		},
		Events:       bus,
		Analytics:    recorder,
		Presence:     mirror,
		RecentWindow: cfg.Session.RecentWindow,
		Retention:    cfg.Session.Retention,
		Logger:       log,
	}
	if verifier != nil {
		opts.Verifier = verifier
	}
	coord := session.New(opts)

	var info session.Info
	if cfg.Session.Join != "" {
		jctx, cancel := context.WithTimeout(ctx, time.Minute)
		info, err = coord.JoinSession(jctx, cfg.Session.ID, cfg.Session.Join)
		cancel()
	} else {
		info, err = coord.CreateSession(ctx, cfg.Session.ID, cfg.Session.Document, session.Settings{
			MaxParticipants: cfg.Session.MaxParticipants,
			ConflictMode:    cfg.ConflictMode(),
			Features:        cfg.Session.Features,
			RecentWindow:    cfg.Session.RecentWindow,
			Retention:       cfg.Session.Retention,
		})
	}
	if err != nil {
		_ = coord.Close()
		return err
	}

	dir := session.NewDirectory(log)
	defer dir.Close()
	dir.Register(coord)

	g, gctx := errgroup.WithContext(ctx)

	feed, err := bus.Subscribe(gctx, info.ID)
	if err != nil {
		return err
	}
	g.Go(func() error {
		eventLog(log).Run(feed)
		return nil
	})

	if cfg.HTTP.Addr != "" {
		apiOpts := httpapi.Options{Sessions: dir, Events: bus, Logger: log}
		if verifier != nil {
			apiOpts.Verifier = verifier
		}
		srv := httpapi.New(apiOpts)
		g.Go(func() error { return srv.Run(gctx, cfg.HTTP.Addr) })
	}

	g.Go(func() error {
		<-gctx.Done()
		lctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := coord.LeaveSession(lctx); err != nil && !errors.Is(err, session.ErrInvalidState) {
			log.Warn("Leave failed", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info("Shutting down", zap.Any("counters", recorder.Counters().Snapshot()))
	return err
}

func analyticsSinks(cfg *config.Config, log *zap.Logger) ([]analytics.Sink, error) {
	var sinks []analytics.Sink
	if cfg.Analytics.NATSURL != "" {
		s, err := analytics.NewNATSSink(cfg.Analytics.NATSURL, log)
		if err != nil {
			return nil, fmt.Errorf("nats sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	if len(cfg.Analytics.KafkaBrokers) > 0 {
		producer, err := analytics.NewKafkaProducer(cfg.Analytics.KafkaBrokers)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, analytics.NewKafkaSink(producer, cfg.Analytics.KafkaTopic, analytics.DefaultKafkaOptions(), log))
	}
	return sinks, nil
}

// eventLog logs session events as they are published.
func eventLog(log *zap.Logger) *events.Router {
	log = log.Named("events")
	return events.NewRouter().
		On(events.ConflictDetected, func(e events.Event) {
			log.Info("Conflict", zap.String("session", e.SessionID), zap.String("participant", e.ParticipantID))
		}).
		On(events.UserDisconnected, func(e events.Event) {
			log.Info("Participant disconnected", zap.String("participant", e.ParticipantID), zap.String("reason", e.Reason))
		}).
		Otherwise(func(e events.Event) {
			log.Debug("Event", zap.String("kind", string(e.Kind)), zap.String("participant", e.ParticipantID))
		})
}
