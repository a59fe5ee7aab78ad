package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"driftpursuit/radarcore/internal/config"
	"driftpursuit/radarcore/internal/logging"
	"driftpursuit/radarcore/internal/replay"
)

func testConfig() *config.Config {
	return &config.Config{
		TickHz:       20,
		SensorRange:  500,
		CellSize:     100,
		FeedBuffer:   4,
		PingInterval: time.Second,
	}
}

func testScenario() *config.Scenario {
	return &config.Scenario{
		Name: "picket",
		Objects: []config.ScenarioBody{
			{ID: "scout", Kind: "ship", Faction: "blue", Radius: 5, SensorRange: 1000},
			{ID: "rock", Kind: "asteroid", Position: [2]float64{100, 0}, Radius: 10},
			{ID: "buoy", Kind: "beacon", Position: [2]float64{5000, 0}, Radius: 5},
			{ID: "drone", Kind: "ship", Position: [2]float64{0, 4000}, Velocity: [2]float64{0, -20}, Radius: 2},
		},
	}
}

func TestHostSeedsScenarioAndRunsPass(t *testing.T) {
	h, err := newHost(testConfig(), testScenario(), logging.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	require.Equal(t, 4, h.store.Len())
	require.Equal(t, 4, h.index.Len())

	h.loop.RunOnce()

	frame := h.filter.Frame()
	require.Equal(t, uint64(1), frame.Pass)
	require.Len(t, frame.Owners, 2)

	scout, ok := frame.Owner("scout")
	require.True(t, ok)
	require.Equal(t, 1000.0, scout.Range)

	drone, ok := frame.Owner("drone")
	require.True(t, ok)
	require.Equal(t, 500.0, drone.Range, "ships without their own sensor fall back to the configured range")

	require.True(t, h.filter.IsInRangeID("rock"))
	require.False(t, h.filter.IsInRangeID("buoy"))
}

func TestHostStepAdvancesPopulation(t *testing.T) {
	h, err := newHost(testConfig(), testScenario(), logging.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	h.loop.RunOnce()
	h.loop.RunOnce()

	drone := h.store.Get("drone")
	require.NotNil(t, drone)
	require.InDelta(t, 4000-2*20*h.loop.StepDuration().Seconds(), drone.Position.Y, 1e-9)
	require.Equal(t, uint64(2), h.tick.Load())
	require.Equal(t, 2, h.monitor.Snapshot().Samples)
	require.Zero(t, h.failures.Load())
}

func TestHostReadiness(t *testing.T) {
	h, err := newHost(testConfig(), testScenario(), logging.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	require.Error(t, h.Ready(), "loop not started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.loop.RunOnce()
	h.loop.Start(ctx)
	require.NoError(t, h.Ready())

	h.loop.Stop()
	require.Error(t, h.Ready())
	require.Positive(t, h.Uptime())
}

func TestHostFlushReplayDisabled(t *testing.T) {
	h, err := newHost(testConfig(), nil, logging.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	_, err = h.FlushReplay(context.Background())
	require.Error(t, err)
}

func TestHostRecordsReplaySession(t *testing.T) {
	cfg := testConfig()
	cfg.ReplayDir = t.TempDir()
	cfg.ReplayMaxSessions = 5
	h, err := newHost(cfg, testScenario(), logging.NewTestLogger())
	require.NoError(t, err)

	for range 3 {
		h.loop.RunOnce()
	}
	dir, err := h.FlushReplay(context.Background())
	require.NoError(t, err)
	require.DirExists(t, dir)

	require.True(t, h.store.Remove("rock"))
	require.NoError(t, h.Close())

	events, err := replay.ReadEvents(dir)
	require.NoError(t, err)
	require.Len(t, events, 5)
	require.Equal(t, replay.EventObjectAdded, events[0].Type)
	require.Equal(t, replay.EventObjectRemoved, events[4].Type)

	frames, err := replay.ReadFrames(dir)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	for i, record := range frames {
		require.Equal(t, uint64(i+1), record.Tick)
		require.Equal(t, record.Tick, record.Frame.Tick)
	}

	header, err := replay.ReadHeader(filepath.Join(dir, "header.json"))
	require.NoError(t, err)
	require.Equal(t, "picket", header.Scenario)
	require.Equal(t, 500.0, header.Parameters["sensor_range"])
}

func TestNewHostRejectsDuplicateSeeds(t *testing.T) {
	scenario := testScenario()
	scenario.Objects = append(scenario.Objects, scenario.Objects[0])
	_, err := newHost(testConfig(), scenario, logging.NewTestLogger())
	require.ErrorContains(t, err, "seed scout")
}

func TestHostRunsBundledScenario(t *testing.T) {
	scenario, err := config.LoadScenario(filepath.Join("testdata", "asteroid_picket.yaml"))
	require.NoError(t, err)

	h, err := newHost(testConfig(), scenario, logging.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	h.loop.RunOnce()
	frame := h.filter.Frame()
	require.Len(t, frame.Owners, 3)

	//1.- rock-a sits between picket-1 and the raider, so the raider is hidden behind it.
	picket, ok := frame.Owner("picket-1")
	require.True(t, ok)
	for _, arc := range picket.Arcs {
		require.NotEqual(t, "raider", arc.ObjectID)
	}
	require.Contains(t, frame.Visible, "rock-a")
	require.Contains(t, frame.Visible, "debris")
}
