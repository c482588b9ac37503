/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"woreda-stats/objectsync"
)

var (
	syncBucket string
	syncPrefix string
	syncDir    string
)

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Download exported files that are not present locally",
	Long: `Copy every object under a bucket prefix into a local directory,
	skipping files that already exist there. Failed downloads are reported
	and retried by the next run.

	Bucket and prefix default to the export bucket and folder of the
	config file. Storage is reached through its S3-compatible API with
	HMAC keys (storage.access_key_id and storage.secret_access_key).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bucket, prefix := syncBucket, syncPrefix
		if bucket == "" {
			bucket = cfg.Export.Bucket
		}
		if prefix == "" && cfg.Export.Folder != "" {
			prefix = cfg.Export.Folder + "/"
		}
		if bucket == "" {
			return errors.New("--bucket is required")
		}

		store, err := objectsync.NewMinioStore(cfg.ObjectStore())
		if err != nil {
			return err
		}
		summary, err := objectsync.Sync(cmd.Context(), store, bucket, prefix, syncDir)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Finished downloading. %d new files downloaded.\n", summary.Downloaded)
		for _, r := range summary.Failures() {
			fmt.Fprintf(out, "  failed %s: %v\n", r.Key, r.Err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().StringVar(&syncBucket, "bucket", "", "Bucket to download from")
	syncCmd.Flags().StringVar(&syncPrefix, "prefix", "", "Only download objects under this prefix")
	syncCmd.Flags().StringVar(&syncDir, "dir", "downloads", "Local directory to download into")

	syncCmd.Flags().String("endpoint", "", "S3-compatible storage endpoint")
	bindFlag(syncCmd.Flags().Lookup("endpoint"), "storage.endpoint")
}
