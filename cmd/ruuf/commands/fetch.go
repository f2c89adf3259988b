package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ruuf/ruuf/internal/config"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/storage"
)

var fetchList bool

var fetchCmd = &cobra.Command{
	Use:   "fetch <key|distro>",
	Short: "Download an image from the mirror into the work directory",
	Long: `Downloads an object from the configured S3 mirror into <work-dir>/downloads
and prints the local path. A copy whose recorded SHA-256 still matches is
reused. With --list, prints the keys below the given prefix instead.`,
	Args: exactArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().BoolVar(&fetchList, "list", false, "List keys below the argument instead of downloading")
	fetchCmd.Flags().String("s3-prefix", "", "Key prefix inside the bucket")
	bindFlag(fetchCmd, "s3-prefix")
}

func newStorage(ctx context.Context, cfg *config.Config) (*storage.Client, error) {
	client, err := storage.NewClient(ctx, storage.Options{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Prefix:    cfg.S3Prefix,
		Endpoint:  cfg.S3Endpoint,
		Anonymous: cfg.S3Anonymous,
	})
	if err != nil {
		return nil, errors.Wrap(err, "S3 client failed")
	}
	return client, nil
}

// fetchDistro resolves a distro selector and downloads it.
func fetchDistro(ctx context.Context, cfg *config.Config, selector string) (*storage.FetchResult, error) {
	key, err := storage.Resolve(cfg.Distros, selector)
	if err != nil {
		return nil, err
	}
	client, err := newStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return client.Fetch(ctx, key, filepath.Join(cfg.WorkDir, "downloads"))
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if fetchList {
		client, err := newStorage(ctx, cfg)
		if err != nil {
			return err
		}
		keys, err := client.List(ctx, args[0])
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	}

	res, err := fetchDistro(ctx, cfg, args[0])
	if err != nil {
		return err
	}

	source := "downloaded"
	if res.Cached {
		source = "cached"
	}
	fmt.Printf("%s (%s, %s, sha256 %s)\n", res.LocalPath, humanize.IBytes(uint64(res.Size)), source, res.SHA256)
	return nil
}
