package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath    string
	inputPath     string
	outputPath    string
	logLevel      string
	cores         int
	extractSlices bool
	slicesDir     string

	rootCmd = &cobra.Command{
		Use:   "osfista",
		Short: "Ordered-subsets FISTA tomographic reconstruction with ring-artifact removal",
		Long: `osfista reconstructs a volume from an HDF5 projection container using
ordered-subsets FISTA, optionally estimating a per-detector ring bias.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	reconstructCmd = &cobra.Command{
		Use:   "reconstruct",
		Short: "Reconstruct a volume from an HDF5 input container",
		Args:  cobra.NoArgs,
		RunE:  runReconstruct, // Defined in cmd_reconstruct.go
	}

	// --- Configuration ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage reconstruction configuration files",
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit, // Defined in cmd_config.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	reconstructCmd.Flags().StringVarP(&inputPath, "input", "i", "", "HDF5 input container")
	reconstructCmd.Flags().StringVarP(&outputPath, "output", "o", "reconstruction.h5", "HDF5 output container")
	reconstructCmd.Flags().IntVar(&cores, "cores", 0, "Number of slices projected concurrently (overrides the configured value)")
	reconstructCmd.Flags().BoolVar(&extractSlices, "extract-slices", false, "Save reconstructed slices along all axes as JPEG images")
	reconstructCmd.Flags().StringVar(&slicesDir, "slices-dir", "reconstructed_slices", "Directory for extracted slices")
	_ = reconstructCmd.MarkFlagRequired("input")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(reconstructCmd, configCmd)
}
