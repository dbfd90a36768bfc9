package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plotforge/plotforge/internal/config"
)

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <dataset.csv>",
	Short: "Upload a dataset and generate charts for a question",
	Long: `Upload a dataset to the running plotforge server and generate charts.

Examples:
  plotforge analyze drinks.csv --question "wine consumption by region"
  plotforge analyze sales.csv -q "top products in 2023" --out charts/`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question, _ := cmd.Flags().GetString("question")
		outDir, _ := cmd.Flags().GetString("out")
		if question == "" {
			return fmt.Errorf("--question is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Uploading %s", args[0])
		resp, err := client.upload(cmd.Context(), args[0], question)
		if err != nil {
			return err
		}

		var result struct {
			RunID   string `json:"run_id"`
			Message string `json:"message"`
			Images  []struct {
				Name string `json:"name"`
			} `json:"images"`
			// Image carries a base64 PNG when the server runs the
			// executor in buffer mode.
			Image string `json:"image"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Image != "" {
			raw, err := base64.StdEncoding.DecodeString(result.Image)
			if err != nil {
				return fmt.Errorf("decoding chart: %w", err)
			}
			target := "chart.png"
			if outDir != "" {
				if err := os.MkdirAll(outDir, 0o755); err != nil {
					return err
				}
				target = outDir + "/chart.png"
			}
			if err := os.WriteFile(target, raw, 0o644); err != nil {
				return err
			}
			printSuccess("Saved %s", target)
			return nil
		}

		printSuccess("%s", result.Message)
		for _, img := range result.Images {
			if outDir == "" {
				printStatus("Chart", "%s (fetch with: plotforge archive get %s)", img.Name, img.Name)
				continue
			}
			if err := fetchImage(cmd, client, img.Name, outDir); err != nil {
				printWarning("fetching %s: %v", img.Name, err)
				continue
			}
			printStatus("Chart", "%s/%s", outDir, img.Name)
		}
		return nil
	},
}

func fetchImage(cmd *cobra.Command, client *apiClient, name, outDir string) error {
	resp, err := client.get(cmd.Context(), "/get_image?path="+name)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(outDir + "/" + name)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}

func init() {
	analyzeCmd.Flags().StringP("question", "q", "", "what to analyze or visualize")
	analyzeCmd.Flags().String("out", "", "directory to download generated charts into")
}

// --- archive ---

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect archived charts",
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived charts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/list_archive")
		if err != nil {
			return err
		}

		var days []struct {
			Date  string `json:"date"`
			Files []struct {
				Name string `json:"name"`
				Size int64  `json:"size"`
			} `json:"files"`
		}
		if err := decodeJSON(resp, &days); err != nil {
			return err
		}

		if len(days) == 0 {
			fmt.Println("archive is empty")
			return nil
		}
		for _, day := range days {
			for _, f := range day.Files {
				fmt.Printf("%s  %8d  %s\n", day.Date, f.Size, f.Name)
			}
		}
		return nil
	},
}

var archiveGetCmd = &cobra.Command{
	Use:   "get <filename>",
	Short: "Download a chart from the serving set or today's archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := fetchImage(cmd, client, args[0], "."); err != nil {
			return err
		}
		printSuccess("Saved ./%s", args[0])
		return nil
	},
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent analysis runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/runs?limit=%d", limit))
		if err != nil {
			return err
		}

		var result struct {
			Runs []struct {
				ID         string `json:"id"`
				CreatedAt  string `json:"created_at"`
				SourceName string `json:"source_name"`
				Question   string `json:"question"`
				Status     string `json:"status"`
				DurationMS int64  `json:"duration_ms"`
			} `json:"runs"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Runs) == 0 {
			fmt.Println("no runs recorded")
			return nil
		}
		for _, r := range result.Runs {
			q := r.Question
			if len(q) > 48 {
				q = q[:45] + "..."
			}
			fmt.Printf("%s  %-9s  %6dms  %s  %q\n", r.CreatedAt, r.Status, r.DurationMS, r.SourceName, q)
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "maximum number of runs to show")
	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archiveGetCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage plotforge configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, info := range config.ShowAll(cfg) {
			fmt.Printf("%-32s %-40s (%s)\n", info.Key, info.Value, info.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			if strings.Contains(err.Error(), "unknown config key") {
				return fmt.Errorf("%w\nvalid keys:\n  %s", err, strings.Join(config.ValidKeys(), "\n  "))
			}
			return err
		}
		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
