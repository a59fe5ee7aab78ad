package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"driftpursuit/radarcore/tools/replay_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing replay sessions")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := replaycatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := replaycatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		scenario := entry.Header.Scenario
		if scenario == "" {
			scenario = "(unnamed)"
		}
		fmt.Printf("%s %s (schema %d)\n", scenario, entry.Header.SessionID, entry.Header.SchemaVersion)
		fmt.Printf("  created: %s\n", entry.Manifest.CreatedAt)
		if len(entry.Header.Parameters) > 0 {
			keys := make([]string, 0, len(entry.Header.Parameters))
			for key := range entry.Header.Parameters {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			fmt.Printf("  parameters:\n")
			for _, key := range keys {
				fmt.Printf("    %s: %.3f\n", key, entry.Header.Parameters[key])
			}
		}
		fmt.Printf("  dir: %s\n", entry.SessionDir)
	}
}
