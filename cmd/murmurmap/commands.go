// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/AleutianAI/murmurmap/cmd/murmurmap/config"
	"github.com/AleutianAI/murmurmap/pkg/logging"
	"github.com/AleutianAI/murmurmap/pkg/ux"
	"github.com/AleutianAI/murmurmap/pkg/validation"
	"github.com/AleutianAI/murmurmap/services/aggregator"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath  string
	logLevel    string
	logJSON     bool
	personality string

	graphURL    string
	graphIndex  string
	graphOutput string

	initPath  string
	initForce bool

	// Populated by PersistentPreRunE.
	appConfig config.MurmurmapConfig
	logger    *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "murmurmap",
		Short: "Builds Kumu relationship graphs from Murmurations profiles",
		Long: `murmurmap fetches a Murmurations profile, follows its relationships
through the Murmurations index and keeps every related organization that links
back. The result is a Kumu graph document.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadRuntime,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Close()
			}
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the graph API over HTTP",
		RunE:  runServe,
	}

	graphCmd = &cobra.Command{
		Use:   "graph",
		Short: "Build one graph document and print it",
		RunE:  runGraph,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the murmurmap configuration file",
	}
	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE:  runConfigInit,
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE:  runConfigShow,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default ~/.murmurmap/murmurmap.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log JSON to stderr")
	rootCmd.PersistentFlags().StringVar(&personality, "personality", "",
		"output style: standard, minimal, machine (default from $MURMURMAP_PERSONALITY or terminal detection)")

	graphCmd.Flags().StringVar(&graphURL, "url", "", "profile URL of the origin organization")
	graphCmd.Flags().StringVar(&graphIndex, "index", "", `index to search: "test" or any other value for production`)
	graphCmd.Flags().StringVarP(&graphOutput, "output", "o", "", "write the document to a file instead of stdout")
	_ = graphCmd.MarkFlagRequired("url")

	configInitCmd.Flags().StringVar(&initPath, "path", "", "destination (default ~/.murmurmap/murmurmap.yaml)")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(serveCmd, graphCmd, configCmd)
}

// loadRuntime resolves the configuration and builds the logger.
func loadRuntime(cmd *cobra.Command, args []string) error {
	ux.InitPersonality(personality)

	path, err := resolveConfigPath(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logJSON {
		cfg.Logging.JSON = true
	}

	logCfg, err := cfg.LoggerConfig()
	if err != nil {
		return err
	}
	appConfig = cfg
	logger = logging.New(logCfg).With("command", cmd.Name())
	if path != "" {
		logger.Debug("Configuration loaded", "path", path)
	}
	return nil
}

// resolveConfigPath returns the explicit path, or the default path when a
// file exists there, or "" for built-in defaults.
func resolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	path, err := config.DefaultPath()
	if err != nil {
		return "", nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	svc, err := aggregator.New(appConfig.ServiceConfig(logger.Slog()))
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}

func runGraph(cmd *cobra.Command, args []string) error {
	originURL, err := validation.SanitizeFetchURL(graphURL)
	if err != nil {
		return fmt.Errorf("--url: %w", err)
	}

	svcCfg := appConfig.ServiceConfig(logger.Slog())
	svcCfg.DisableMetrics = true
	svc, err := aggregator.New(svcCfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	doc, err := svc.BuildGraph(ctx, originURL, graphIndex)
	if err != nil {
		logger.Error("Graph build failed", "url", originURL, "error", err)
		return err
	}

	if len(doc.Elements) == 1 {
		logger.Warn("Graph has no connections", "url", originURL)
		ux.Warning(cmd.ErrOrStderr(), "no related organization links back to "+originURL)
	}
	if graphOutput == "" {
		return writeDocument(cmd.OutOrStdout(), doc)
	}
	f, err := os.Create(graphOutput)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", graphOutput, err)
	}
	if err := writeDocument(f, doc); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Info("Graph written", "path", graphOutput, "elements", len(doc.Elements))
	ux.GraphSummary(cmd.ErrOrStderr(), doc.Elements[0].LabelText(), len(doc.Elements), len(doc.Connections), graphOutput)
	return nil
}

func writeDocument(w io.Writer, doc any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to write graph document: %w", err)
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := initPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := config.WriteDefault(path, initForce); err != nil {
		return err
	}
	ux.Success(cmd.OutOrStdout(), "Wrote default configuration to "+filepath.Clean(path))
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	data, err := config.Marshal(appConfig)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
