package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index, vector and cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats()
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats() error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(serverAddr + "/api/stats")
	if err != nil {
		return fmt.Errorf("is the server running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stats failed with status %d", resp.StatusCode)
	}

	var body struct {
		DB struct {
			TotalPages int `json:"total_pages"`
		} `json:"db"`
		Vector struct {
			TotalVectors int     `json:"total_vectors"`
			Dimension    int     `json:"dimension"`
			MemoryMB     float64 `json:"memory_mb"`
		} `json:"vector"`
		Cache struct {
			Size   int   `json:"size"`
			Hits   int64 `json:"hits"`
			Misses int64 `json:"misses"`
		} `json:"cache"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}

	fmt.Printf("pages:   %d\n", body.DB.TotalPages)
	fmt.Printf("vectors: %d (dim %d, %.1f MB)\n",
		body.Vector.TotalVectors, body.Vector.Dimension, body.Vector.MemoryMB)
	fmt.Printf("cache:   %d entries, %d hits / %d misses\n",
		body.Cache.Size, body.Cache.Hits, body.Cache.Misses)
	return nil
}
