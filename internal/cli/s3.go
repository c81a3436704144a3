package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/tsimport/internal/source"
)

var s3PathStyle bool

var s3Cmd = &cobra.Command{
	Use:   "s3 <s3://bucket/key>...",
	Short: "Import files stored in S3",
	Long: `Download objects from S3 (or an S3 compatible store) and import them like
local files. The object's extension selects the importer.

Credentials come from the default AWS chain. Set TSIMPORT_S3_ENDPOINT to use
MinIO or LocalStack.

Examples:
  tsimport s3 --sketch-id 3 s3://evidence/case42/host.plaso
  TSIMPORT_S3_ENDPOINT=http://localhost:9000 tsimport s3 --path-style s3://logs/web.jsonl`,
	Args: cobra.MinimumNArgs(1),
	RunE: runS3,
}

func init() {
	addImportFlags(s3Cmd)
	s3Cmd.Flags().BoolVar(&s3PathStyle, "path-style", false, "use path-style bucket addressing")
}

func runS3(cmd *cobra.Command, args []string) error {
	opts := mergeSettings(imp, cmd.Flags().Changed, fileSettings)

	ctx, cancel := signalContext()
	defer cancel()

	fetcher, err := source.NewS3Fetcher(ctx, source.S3Config{
		Region:       cfg.AWSRegion,
		Endpoint:     cfg.S3Endpoint,
		UsePathStyle: s3PathStyle || cfg.S3Endpoint != "",
	}, logger)
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "tsimport-s3-")
	if err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}
	defer os.RemoveAll(dir)

	paths := make([]string, 0, len(args))
	for _, uri := range args {
		local, err := fetcher.Fetch(ctx, uri, dir)
		if err != nil {
			return err
		}
		paths = append(paths, local)
	}
	return importFiles(ctx, cmd.OutOrStdout(), opts, paths)
}
