package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logFormat string
	apiUrl    string
	filePath  string
	status    string
	reason    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "settler_ops",
		Short: "Operator tooling for the settlement coordinator",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Set the logging level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Set the log output format (json or text)")
	rootCmd.PersistentFlags().StringVar(&apiUrl, "api", "http://localhost:8085", "Coordinator API url")

	// Admit command
	admitCmd := &cobra.Command{
		Use:   "admit",
		Short: "Admit a settlement request from a json file",
		Run: func(cmd *cobra.Command, args []string) {
			body, err := os.ReadFile(filePath)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to read request file")
			}
			doRequest(http.MethodPost, "/settlements", body)
		},
	}
	admitCmd.Flags().StringVar(&filePath, "file", "", "Path to a settlement request json file")
	admitCmd.MarkFlagRequired("file")

	// Status command
	statusCmd := &cobra.Command{
		Use:   "status <settlement_id>",
		Short: "Show a settlement and both legs",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			doRequest(http.MethodGet, "/settlements/"+args[0], nil)
		},
	}

	// History command
	historyCmd := &cobra.Command{
		Use:   "history <settlement_id>",
		Short: "Show the status history of a settlement",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			doRequest(http.MethodGet, "/settlements/"+args[0]+"/history", nil)
		},
	}

	// Withdraw command
	withdrawCmd := &cobra.Command{
		Use:   "withdraw <settlement_id>",
		Short: "Withdraw a settlement that has not dispatched yet",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			doRequest(http.MethodDelete, "/settlements/"+args[0], nil)
		},
	}

	// Override command
	overrideCmd := &cobra.Command{
		Use:   "override <settlement_id>",
		Short: "Force-resolve a settlement after out-of-band verification",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			body, err := json.Marshal(map[string]string{"status": status, "reason": reason})
			if err != nil {
				log.Fatal().Err(err).Send()
			}
			doRequest(http.MethodPost, "/settlements/"+args[0]+"/override", body)
		},
	}
	overrideCmd.Flags().StringVar(&status, "status", "", "Target status (COMPLETE or FAILED)")
	overrideCmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit history")
	overrideCmd.MarkFlagRequired("status")
	overrideCmd.MarkFlagRequired("reason")

	// Alerts command
	alertsCmd := &cobra.Command{
		Use:   "alerts",
		Short: "List escalation alerts",
		Run: func(cmd *cobra.Command, args []string) {
			doRequest(http.MethodGet, "/alerts", nil)
		},
	}

	// Stats command
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show settlement counts by status",
		Run: func(cmd *cobra.Command, args []string) {
			doRequest(http.MethodGet, "/stats/settlements", nil)
		},
	}

	// Sweep command
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Trigger one reconciliation pass",
		Run: func(cmd *cobra.Command, args []string) {
			doRequest(http.MethodPost, "/sweep", nil)
		},
	}

	rootCmd.AddCommand(admitCmd, statusCmd, historyCmd, withdrawCmd, overrideCmd, alertsCmd, statsCmd, sweepCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func doRequest(method, path string, body []byte) {
	req, err := http.NewRequest(method, apiUrl+path, bytes.NewReader(body))
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatal().Err(err).Msg("request failed")
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read response")
	}
	if resp.StatusCode >= 400 {
		log.Error().Int("code", resp.StatusCode).Str("body", string(out)).Msg("request rejected")
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func setupLogging() {
	// Set up logging
	if logFormat == "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		output.FormatLevel = func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		}
		output.FormatMessage = func(i interface{}) string {
			return fmt.Sprintf("message: %s", i)
		}
		output.FormatFieldName = func(i interface{}) string {
			return fmt.Sprintf("%s:", i)
		}
		log.Logger = log.Output(output)
	}

	// Set log level
	switch strings.TrimSpace(strings.ToUpper(logLevel)) {
	case "DEBUG":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "INFO":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "WARN":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "ERROR":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
