// Command kv-harness is the conformance harness CLI entrypoint: it builds
// a matrix of client/server/TLS/curve/key-type cells, runs each one, and
// leaves a proof manifest behind for every cell.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/kvconform/kvplugin/harness"
)

func main() {
	var (
		serverPaths string
		proofDir    string
		storageRoot string
		tlsModes    string
		curves      string
		keyTypes    string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "kv-harness",
		Short: "Run the KV conformance matrix across server implementations",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := hclog.New(&hclog.LoggerOptions{
				Name:  "kv-harness",
				Level: hclog.LevelFromString(logLevel),
			})

			servers, err := parseBinaries(serverPaths)
			if err != nil {
				return err
			}

			clients := []harness.Binary{{Name: "go"}}
			cells := harness.BuildMatrix(clients, servers, splitNonEmpty(tlsModes), splitNonEmpty(curves), splitNonEmpty(keyTypes))
			logger.Info("matrix built", "cells", len(cells))

			runner := &harness.Runner{
				ProofDir:    proofDir,
				StorageRoot: storageRoot,
				Logger:      logger,
				DefaultCmd:  func(path string) *exec.Cmd { return exec.Command(path) },
			}

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Minute)
			defer cancel()

			var failed int
			for _, cell := range cells {
				manifest, err := runner.Run(ctx, cell)
				if err != nil {
					failed++
					logger.Error("cell failed", "cell", cell.TestName(), "error", err)
					continue
				}
				logger.Info("cell passed", "cell", manifest.TestName)
			}

			fmt.Printf("%d/%d cells passed\n", len(cells)-failed, len(cells))
			if failed > 0 {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverPaths, "servers", "", "comma-separated name=path pairs, e.g. go=./kv-server,python=./soup-py")
	cmd.Flags().StringVar(&proofDir, "proof-dir", "./proofs", "directory to write proof manifests to")
	cmd.Flags().StringVar(&storageRoot, "storage-root", "./matrix-storage", "directory under which each cell gets its own KV storage dir")
	cmd.Flags().StringVar(&tlsModes, "tls-modes", "disabled,auto", "comma-separated TLS modes to exercise")
	cmd.Flags().StringVar(&curves, "curves", "P-256,P-384,P-521", "comma-separated curves to exercise")
	cmd.Flags().StringVar(&keyTypes, "key-types", "ec,rsa", "comma-separated key types to exercise")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseBinaries(spec string) ([]harness.Binary, error) {
	if spec == "" {
		return nil, fmt.Errorf("--servers is required (e.g. --servers go=./kv-server)")
	}
	var binaries []harness.Binary
	for _, pair := range strings.Split(spec, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --servers entry %q, want name=path", pair)
		}
		binaries = append(binaries, harness.Binary{Name: parts[0], Path: parts[1]})
	}
	return binaries, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
