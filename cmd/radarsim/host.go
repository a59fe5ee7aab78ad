package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/spatial/r2"

	"driftpursuit/radarcore/internal/auth"
	"driftpursuit/radarcore/internal/config"
	"driftpursuit/radarcore/internal/feed"
	"driftpursuit/radarcore/internal/logging"
	"driftpursuit/radarcore/internal/radar"
	"driftpursuit/radarcore/internal/replay"
	"driftpursuit/radarcore/internal/simulation"
	"driftpursuit/radarcore/internal/spatial"
	"driftpursuit/radarcore/internal/state"
)

const (
	// kindShip marks scenario objects that always carry a sensor, falling back to the configured range.
	kindShip = "ship"

	feedTokenLeeway = 2 * time.Second
)

// host owns the object store and every engine built on top of it.
type host struct {
	cfg      *config.Config
	logger   *logging.Logger
	started  time.Time
	store    *state.ObjectStore
	registry *spatial.Registry
	index    *spatial.Index
	filter   *radar.Filter
	hub      *feed.Hub
	monitor  *simulation.TickMonitor
	loop     *simulation.Loop
	writer   *replay.Writer
	recorder *replay.Recorder
	cleaner  *replay.Cleaner
	tick     atomic.Uint64
	failures atomic.Uint64
}

func newHost(cfg *config.Config, scenario *config.Scenario, logger *logging.Logger) (*host, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	h := &host{
		cfg:      cfg,
		logger:   logger.Named("radarsim"),
		started:  time.Now(),
		store:    state.NewObjectStore(),
		registry: spatial.NewRegistry(spatial.Options{CellSize: cfg.CellSize, Logger: logger}),
		monitor:  simulation.NewTickMonitor(),
	}
	//1.- The index must exist before the first object so every body is tracked from creation.
	index, err := h.registry.GetOrCreate(h.store)
	if err != nil {
		return nil, err
	}
	h.index = index

	filter, err := radar.New(h.store, h.index, radar.Options{
		ShouldTrack: func(object *state.SpaceObject) bool {
			return !object.Destroyed && (object.SensorRange > 0 || object.Kind == kindShip)
		},
		DefaultRange: cfg.SensorRange,
		RefreshEvery: uint64(cfg.RefreshPasses),
		Logger:       logger,
	})
	if err != nil {
		h.registry.Release(h.store)
		return nil, err
	}
	h.filter = filter
	feedOpts := feed.Options{
		Buffer:         cfg.FeedBuffer,
		PingInterval:   cfg.PingInterval,
		AllowedOrigins: cfg.AllowedOrigins,
		BytesPerSecond: cfg.FeedBytesPerSec,
		Logger:         logger,
	}
	if cfg.FeedSecret != "" {
		verifier, err := auth.NewVerifier(cfg.FeedSecret, auth.FeedAudience, feedTokenLeeway)
		if err != nil {
			_ = filter.Close()
			h.registry.Release(h.store)
			return nil, err
		}
		feedOpts.Authenticator = verifier
	}
	h.hub = feed.NewHub(feedOpts)

	//2.- Attach the recorder before seeding so the lifecycle log starts with the scenario population.
	if cfg.ReplayDir != "" {
		if err := h.startReplay(scenarioName(scenario)); err != nil {
			_ = h.Close()
			return nil, err
		}
	}
	if err := h.seed(scenario); err != nil {
		_ = h.Close()
		return nil, err
	}

	h.monitor.SetBudget(time.Duration(float64(time.Second) / cfg.TickHz))
	h.loop = simulation.NewLoop(cfg.TickHz, h.step, h.monitor)
	return h, nil
}

func scenarioName(scenario *config.Scenario) string {
	if scenario == nil || scenario.Name == "" {
		return "radarsim"
	}
	return scenario.Name
}

func (h *host) startReplay(label string) error {
	writer, manifest, err := replay.NewWriter(h.cfg.ReplayDir, label, nil)
	if err != nil {
		return fmt.Errorf("open replay session: %w", err)
	}
	writer.SetHeader(label, replay.Parameters{
		"tick_hz":      h.cfg.TickHz,
		"sensor_range": h.cfg.SensorRange,
		"cell_size":    h.cfg.CellSize,
	})
	recorder, err := replay.NewRecorder(h.store, writer, h.tick.Load, h.logger)
	if err != nil {
		_ = writer.Close()
		return err
	}
	h.writer = writer
	h.recorder = recorder
	h.cleaner = replay.NewCleaner(h.cfg.ReplayDir, replay.RetentionPolicy{
		MaxSessions: h.cfg.ReplayMaxSessions,
		MaxAge:      h.cfg.ReplayMaxAge,
	}, h.logger)
	h.cleaner.Protect(writer.Directory())
	h.logger.Info("replay session opened", logging.String("session_id", manifest.SessionID), logging.String("directory", writer.Directory()))
	return nil
}

func (h *host) seed(scenario *config.Scenario) error {
	if scenario == nil {
		return nil
	}
	for _, body := range scenario.Objects {
		object, err := h.store.Add(state.SpaceObject{
			ID:          body.ID,
			Kind:        body.Kind,
			Faction:     body.Faction,
			Position:    r2.Vec{X: body.Position[0], Y: body.Position[1]},
			Velocity:    r2.Vec{X: body.Velocity[0], Y: body.Velocity[1]},
			Radius:      body.Radius,
			SensorRange: body.SensorRange,
		})
		if err != nil {
			return fmt.Errorf("seed %s: %w", body.ID, err)
		}
		h.logger.Debug("object seeded", logging.String("id", object.ID), logging.String("kind", object.Kind), logging.Vec("position", object.Position))
	}
	h.logger.Info("scenario seeded", logging.String("scenario", scenario.Name), logging.Int("objects", h.store.Len()))
	return nil
}

// step drifts the population and runs one visibility pass.
func (h *host) step(tick uint64, step time.Duration) {
	h.tick.Store(tick)
	h.store.Advance(step.Seconds())
	if err := h.filter.Update(); err != nil {
		h.failures.Add(1)
		h.logger.Error("visibility pass failed", logging.Uint64("tick", tick), logging.Error(err))
		return
	}
	frame := h.filter.Frame()
	frame.Tick = tick
	if err := h.hub.Publish(frame); err != nil && !errors.Is(err, feed.ErrHubClosed) {
		h.logger.Warn("feed publish failed", logging.Uint64("tick", tick), logging.Error(err))
	}
	if h.recorder != nil {
		if err := h.recorder.RecordFrame(tick, frame); err != nil {
			h.logger.Warn("replay frame write failed", logging.Uint64("tick", tick), logging.Error(err))
		}
	}
}

// Ready implements httpapi.ReadinessProvider.
func (h *host) Ready() error {
	if !h.loop.Running() {
		return errors.New("tick loop is not running")
	}
	if h.filter.Stats().Pass == 0 {
		return errors.New("no visibility pass completed yet")
	}
	return nil
}

// Uptime implements httpapi.ReadinessProvider.
func (h *host) Uptime() time.Duration {
	return time.Since(h.started)
}

// FlushReplay implements httpapi.ReplayFlusher.
func (h *host) FlushReplay(context.Context) (string, error) {
	if h.recorder == nil {
		return "", errors.New("replay recording is disabled")
	}
	if err := h.recorder.Flush(); err != nil {
		return "", err
	}
	return h.writer.Directory(), nil
}

func (h *host) replayStats() replay.Stats {
	return h.recorder.Snapshot()
}

func (h *host) replayStorage() replay.StorageStats {
	return h.cleaner.Stats()
}

// Close stops the loop and releases every engine in reverse construction order.
func (h *host) Close() error {
	if h.loop != nil {
		h.loop.Stop()
	}
	h.hub.Close()
	var errs error
	if err := h.filter.Close(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("close radar filter: %w", err))
	}
	if h.recorder != nil {
		if err := h.recorder.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("close replay: %w", err))
		}
	}
	h.registry.Release(h.store)
	return errs
}
