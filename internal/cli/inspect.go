package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	encryption "github.com/secureailabs/sail-dataset-upload/internal/crypto"
	"github.com/secureailabs/sail-dataset-upload/internal/datasetpkg"
	"github.com/secureailabs/sail-dataset-upload/internal/workspace"
)

// EnvDatasetKey supplies the base64 dataset key for inspect when no flag is set.
const EnvDatasetKey = "SAIL_DATASET_KEY"

type inspectOptions struct {
	key        string
	keyFile    string
	extractDir string
}

func newInspectCmd() *cobra.Command {
	var opts inspectOptions

	cmd := &cobra.Command{
		Use:   "inspect <dataset_<version>.zip>",
		Short: "Show, verify and extract a dataset package",
		Long: `Print the header and data model of a dataset package.

With a dataset key (--key, --key-file or ` + EnvDatasetKey + `) the content is
authenticated and decrypted and the contained files are listed.
--extract additionally writes them to a directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.key == "" && opts.keyFile == "" {
				opts.key = os.Getenv(EnvDatasetKey)
			}
			return runInspect(cmd.OutOrStdout(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.key, "key", "", "Base64 dataset key")
	cmd.Flags().StringVar(&opts.keyFile, "key-file", "", "File containing the base64 dataset key")
	cmd.Flags().StringVar(&opts.extractDir, "extract", "", "Write decrypted files to this directory")
	cmd.MarkFlagsMutuallyExclusive("key", "key-file")

	return cmd
}

func runInspect(out io.Writer, path string, opts inspectOptions) error {
	pkg, err := datasetpkg.Open(path)
	if err != nil {
		return err
	}

	h := pkg.Header
	fmt.Fprintf(out, "Package:          %s\n", path)
	fmt.Fprintf(out, "Format:           %s\n", h.DatasetPackagingFormat)
	fmt.Fprintf(out, "Dataset:          %s (%s)\n", h.DatasetName, h.DatasetID)
	fmt.Fprintf(out, "Data federation:  %s (%s)\n", h.DataFederationName, h.DataFederationID)
	fmt.Fprintf(out, "Data model:       %s (%s)\n", pkg.DataModel.Type, pkg.DataModel.DataModelID)
	for _, df := range pkg.DataModel.DataFrameModels {
		names := make([]string, 0, len(df.SeriesModels))
		for _, s := range df.SeriesModels {
			names = append(names, s.Name)
		}
		fmt.Fprintf(out, "  %-16s %s\n", df.Name, strings.Join(names, ", "))
	}
	fmt.Fprintf(out, "Encrypted bytes:  %d\n", len(pkg.Ciphertext))

	encoded := opts.key
	if opts.keyFile != "" {
		data, err := os.ReadFile(opts.keyFile)
		if err != nil {
			return fmt.Errorf("failed to read key file: %w", err)
		}
		encoded = strings.TrimSpace(string(data))
	}
	if encoded == "" {
		if opts.extractDir != "" {
			return fmt.Errorf("--extract needs a dataset key")
		}
		return nil
	}

	key, err := encryption.DecodeKey(encoded)
	if err != nil {
		return err
	}
	files, err := pkg.Decrypt(key)
	if err != nil {
		return fmt.Errorf("content did not authenticate: %w", err)
	}

	fmt.Fprintf(out, "Content:          verified, %d file(s)\n", len(files))
	for _, f := range files {
		fmt.Fprintf(out, "  %-16s %d bytes\n", f.Name, len(f.Data))
	}

	if opts.extractDir == "" {
		return nil
	}
	if err := os.MkdirAll(opts.extractDir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", opts.extractDir, err)
	}
	for _, f := range files {
		if err := workspace.ValidateName(f.Name); err != nil {
			return fmt.Errorf("refusing to extract %q: %w", f.Name, err)
		}
		dst := filepath.Join(opts.extractDir, f.Name)
		if err := os.WriteFile(dst, f.Data, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", dst, err)
		}
	}
	fmt.Fprintf(out, "Extracted to %s\n", opts.extractDir)
	return nil
}
