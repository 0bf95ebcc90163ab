package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crpwatch/crpwatch/internal/config"
	"github.com/crpwatch/crpwatch/internal/pipeline"
	"github.com/crpwatch/crpwatch/internal/storage"
)

// artefactSource reads the step artefacts kept in object storage.
type artefactSource interface {
	ListArtefacts(ctx context.Context, identifier string) ([]string, error)
	Download(ctx context.Context, key string) ([]byte, error)
}

// NewArtefactsCmd creates the artefacts command.
func NewArtefactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artefacts <identifier>",
		Short: "List or download the stored screenshots and HTML of an investigation",
		Long: `Artefacts lists the step files uploaded for an investigation. With --out
they are downloaded into <out>/<identifier>/step<N>/. Requires
STORAGE_ENABLED=true.`,
		Args: cobra.ExactArgs(1),
		RunE: runArtefactsCmd,
	}
	cmd.Flags().StringP("out", "o", "", "Download into this directory")
	return cmd
}

func runArtefactsCmd(cmd *cobra.Command, args []string) error {
	identifier := args[0]
	if err := pipeline.ValidateIdentifier(identifier); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.Storage.Enabled {
		return errors.New("artefacts needs object storage; set STORAGE_ENABLED=true")
	}
	store, err := storage.NewMinIOClient(storage.MinIOConfig{
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKey,
		SecretAccessKey: cfg.Storage.SecretKey,
		UseSSL:          cfg.Storage.UseSSL,
		BucketName:      cfg.Storage.Bucket,
		Region:          cfg.Storage.Region,
	}, nil)
	if err != nil {
		return err
	}

	out, _ := cmd.Flags().GetString("out")
	files, err := fetchArtefacts(cmd.Context(), store, identifier, out)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		yellow.Fprintf(cmd.OutOrStdout(), "no artefacts stored for %s\n", identifier)
		return nil
	}
	for _, f := range files {
		fmt.Fprintln(cmd.OutOrStdout(), f)
	}
	return nil
}

// fetchArtefacts returns the keys stored for identifier. When out is set
// each object is written below it and the local paths are returned instead.
func fetchArtefacts(ctx context.Context, src artefactSource, identifier, out string) ([]string, error) {
	keys, err := src.ListArtefacts(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("listing artefacts: %w", err)
	}
	if out == "" {
		return keys, nil
	}

	root, err := filepath.Abs(out)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(keys))
	for _, key := range keys {
		dst := filepath.Join(root, filepath.FromSlash(key))
		if !strings.HasPrefix(dst, root+string(filepath.Separator)) {
			return paths, fmt.Errorf("artefact key %q leaves %s", key, root)
		}
		data, err := src.Download(ctx, key)
		if err != nil {
			return paths, fmt.Errorf("downloading %s: %w", key, err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return paths, err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return paths, err
		}
		paths = append(paths, dst)
	}
	return paths, nil
}
