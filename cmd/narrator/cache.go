package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/MrWong99/narrator/internal/audiocache"
	"github.com/MrWong99/narrator/internal/config"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the persisted audio cache",
}

func init() {
	cacheCmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show the size of the audio cache snapshot",
			Args:  cobra.NoArgs,
			RunE:  runCacheStats,
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete the audio cache snapshot",
			Args:  cobra.NoArgs,
			RunE:  runCacheClear,
		},
	)
}

func snapshotPath() (string, error) {
	p := cfg.Cache.SnapshotPath
	if p == "" || p == "-" {
		return "", errors.New("audio cache snapshots are disabled")
	}
	return p, nil
}

func runCacheStats(cmd *cobra.Command, _ []string) error {
	path, err := snapshotPath()
	if err != nil {
		return err
	}
	settings, err := config.OpenSettings(cfg.Server.SettingsFile)
	if err != nil {
		return err
	}
	// No budget: report the whole file.
	c := audiocache.New(1 << 62)
	n, err := c.LoadFile(path)
	if err != nil {
		return err
	}
	st := c.Stats()
	limit := settings.AudioCacheMaxBytes()
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "snapshot: %s\n", path)
	fmt.Fprintf(w, "entries:  %d\n", n)
	fmt.Fprintf(w, "size:     %s of %s (%.1f%%)\n", humanize.Bytes(uint64(st.Bytes)), humanize.Bytes(uint64(limit)), 100*float64(st.Bytes)/float64(limit))
	return nil
}

func runCacheClear(cmd *cobra.Command, _ []string) error {
	path, err := snapshotPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", path)
	return nil
}
