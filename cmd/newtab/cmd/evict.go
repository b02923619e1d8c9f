package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var evictPreview bool

var evictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Run or preview an eviction pass on a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEvict()
	},
}

func init() {
	evictCmd.Flags().BoolVar(&evictPreview, "preview", false, "show candidates without removing them")
	rootCmd.AddCommand(evictCmd)
}

func runEvict() error {
	client := &http.Client{Timeout: 30 * time.Second}

	if evictPreview {
		resp, err := client.Get(serverAddr + "/api/eviction/preview")
		if err != nil {
			return fmt.Errorf("is the server running? %w", err)
		}
		defer resp.Body.Close()

		var body struct {
			Candidates []struct {
				ID       int64   `json:"id"`
				URL      string  `json:"url"`
				ARCScore float64 `json:"arc_score"`
			} `json:"candidates"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return err
		}
		if len(body.Candidates) == 0 {
			fmt.Println("no eviction candidates")
			return nil
		}
		for _, c := range body.Candidates {
			fmt.Printf("%6d  arc=%.3f  %s\n", c.ID, c.ARCScore, c.URL)
		}
		return nil
	}

	resp, err := client.Post(serverAddr+"/api/eviction/run", "application/json", nil)
	if err != nil {
		return fmt.Errorf("is the server running? %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Removed int `json:"removed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	fmt.Printf("removed %d pages\n", body.Removed)
	return nil
}
