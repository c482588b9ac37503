/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"woreda-stats/config"
	"woreda-stats/metrics"
)

var cfgFile string
var Verbose bool
var Debug bool

// cfg is loaded before any subcommand runs.
var cfg *config.Config

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "woreda-stats",
	Short: "Export and summarise remote sensing statistics per woreda",
	Long: `Exports per-woreda statistics of an image collection to cloud storage,
	follows the export tasks to completion and pulls the results locally.
	Local rasters can be clipped to woreda boundaries and summarised under
	a mask raster:
	./woreda-stats export --boundaries woredas.geojson --collection COPERNICUS/S2_SR_HARMONIZED ...
	./woreda-stats monitor
	./woreda-stats sync --bucket my-bucket --prefix s2/ --dir downloads
	./woreda-stats clip --boundaries woredas.geojson --out-dir clipped ndvi.tif
	./woreda-stats zonalstats --data-dir clipped --mask-dir masks --out stats.parquet`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setLogLevels()
		var err error
		cfg, err = config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		if cfg.Metrics.Addr != "" {
			logrus.Infof("Serving metrics on %s", cfg.Metrics.Addr)
			metrics.StartServer(cfg.Metrics.Addr)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Metrics.Textfile == "" {
			return nil
		}
		return metrics.WriteTextfile(cfg.Metrics.Textfile)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	config.SetDefaults(viper.GetViper())

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.woreda-stats.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "v", false, "Verbose output")
	bindFlag(rootCmd.PersistentFlags().Lookup("verbose"), "verbose")
	rootCmd.PersistentFlags().BoolVarP(&Debug, "debug", "d", false, "Debug output")
	bindFlag(rootCmd.PersistentFlags().Lookup("debug"), "debug")

	rootCmd.PersistentFlags().String("metrics-addr", "", "Serve prometheus metrics on this address while running")
	bindFlag(rootCmd.PersistentFlags().Lookup("metrics-addr"), "metrics.addr")
	rootCmd.PersistentFlags().String("metrics-textfile", "", "Write metrics to this file when the command ends")
	bindFlag(rootCmd.PersistentFlags().Lookup("metrics-textfile"), "metrics.textfile")
	rootCmd.PersistentFlags().IntP("workers", "n", 8, "Number of workers to spawn for parallel raster processing")
	bindFlag(rootCmd.PersistentFlags().Lookup("workers"), "workers")
	rootCmd.PersistentFlags().String("jobstore", "woreda-stats.db", "sqlite file recording export runs")
	bindFlag(rootCmd.PersistentFlags().Lookup("jobstore"), "jobstore.path")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName(".woreda-stats")
	}
	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		logrus.Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		logrus.Fatalf("Reading config %s: %v", filepath.Clean(cfgFile), err)
	}
}

func bindFlag(flag *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, flag); err != nil {
		logrus.Exit(1)
	}
}

func setLogLevels() {
	if viper.GetBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
	} else if viper.GetBool("verbose") {
		logrus.SetLevel(logrus.InfoLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}
}
