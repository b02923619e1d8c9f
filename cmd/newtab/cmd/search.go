package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search indexed pages on a running server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSearch(strings.Join(args, " "))
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
}

type searchClientResult struct {
	ID       int64   `json:"id"`
	URL      string  `json:"url"`
	Title    string  `json:"title"`
	Score    float64 `json:"relevance_score"`
	Metadata struct {
		VectorScore  float64 `json:"vector_score"`
		KeywordScore float64 `json:"keyword_score"`
	} `json:"metadata"`
}

type searchClientResponse struct {
	Results    []searchClientResult `json:"results"`
	TotalFound int                  `json:"total_found"`
}

func runSearch(query string) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(serverAddr + "/api/search?q=" + url.QueryEscape(query))
	if err != nil {
		return fmt.Errorf("is the server running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("search failed with status %d", resp.StatusCode)
	}

	var body searchClientResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}

	if body.TotalFound == 0 {
		fmt.Println("no results")
		return nil
	}
	for i, r := range body.Results {
		fmt.Printf("%2d. [%.3f] %s\n    %s  (kw %.2f, vec %.2f)\n",
			i+1, r.Score, r.Title, r.URL, r.Metadata.KeywordScore, r.Metadata.VectorScore)
	}
	return nil
}
