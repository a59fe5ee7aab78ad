package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"driftpursuit/radarcore/tools/replay_player"
)

func main() {
	path := flag.String("path", "", "Path to a replay directory or manifest.json")
	full := flag.Bool("frames", false, "include every decoded frame in the output")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "path flag is required")
		os.Exit(1)
	}

	bundle, err := replayplayer.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	sightings, err := bundle.Sightings()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	payload := struct {
		Manifest  any                     `json:"manifest"`
		Events    int                     `json:"events"`
		Frames    int                     `json:"frames"`
		Sightings []replayplayer.Sighting `json:"sightings"`
		Timeline  any                     `json:"timeline,omitempty"`
	}{
		Manifest:  bundle.Manifest,
		Events:    len(bundle.Events),
		Frames:    len(bundle.Frames),
		Sightings: sightings,
	}
	if *full {
		payload.Timeline = bundle.Frames
	}

	//1.- Render the summary as JSON so callers can pipe the output elsewhere.
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
}
