package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"rovercam/internal/config"
	"rovercam/pkg/models"
)

var camerasCmd = &cobra.Command{
	Use:   "cameras",
	Short: "List the cameras the rover reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return fmt.Errorf("config load failed: %w", err)
		}

		signaler, err := newSignaler(cfg, cfg.LoggerFactory())
		if err != nil {
			return fmt.Errorf("signaling client init failed: %w", err)
		}
		defer signaler.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.SignalingTimeout)
		defer cancel()

		cameras, err := signaler.ListCameras(ctx)
		if err != nil {
			return fmt.Errorf("fetching cameras: %w", err)
		}
		return printCameras(os.Stdout, cameras, jsonOutput)
	},
}

func printCameras(out io.Writer, cameras []models.CameraSource, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(models.CameraListResponse{Cameras: cameras})
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SLOT\tID\tLABEL\tIN USE")
	fmt.Fprintln(w, "----\t--\t-----\t------")
	for i, cam := range cameras {
		inUse := "no"
		if cam.RemoteConnected {
			inUse = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i, cam.ID, cam.DisplayName(), inUse)
	}
	return w.Flush()
}
