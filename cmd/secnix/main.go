package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/blang/semver/v4"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/mrkirby153/secnix/internal/deploy"
	"github.com/mrkirby153/secnix/internal/manifest"
	"github.com/mrkirby153/secnix/pkg/logger"
)

func initContext() (context.Context, context.CancelFunc, error) {
	l, err := logger.NewLogger(logLevel, logJSON)
	if err != nil {
		return nil, nil, err
	}

	ctx := logger.NewContext(context.Background(), l)

	nctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	return nctx, stop, nil
}

func run(path string, checkOnly bool) error {
	ctx, stop, err := initContext()
	if err != nil {
		return err
	}
	defer stop()

	path, err = expandHome(path)
	if err != nil {
		return err
	}

	fs := afero.NewOsFs()
	m, err := manifest.Load(fs, path)
	if err != nil {
		return err
	}

	e := deploy.New(deploy.Config{
		Fs:              fs,
		Jobs:            jobs,
		KeepGenerations: keepGenerations,
		LinkRoot:        linkRoot,
		CheckOnly:       checkOnly,
		FailFast:        failFast,
	})

	report, err := e.Run(ctx, m)
	if report != nil {
		report.Log(ctx)
	}

	return err
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Args:  cobra.NoArgs,
	Short: "Print version",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := semver.Parse(version)
		if err != nil {
			return fmt.Errorf("wrong version format (probably built without correct ldflag): %w", err)
		}

		fmt.Println(v)

		return nil
	},
}

var (
	logLevel        string
	logJSON         bool
	jobs            int
	keepGenerations int
	linkRoot        string
	failFast        bool
	version         = "devel"

	rootCmd = &cobra.Command{
		Use:   "secnix <manifest> [check|install]",
		Args:  cobra.RangeArgs(1, 2),
		Short: "Decrypt and activate the secrets of a manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := "install"
			if len(args) == 2 {
				mode = args[1]
			}

			switch mode {
			case "install":
				return run(args[0], false)
			case "check":
				return run(args[0], true)
			default:
				return fmt.Errorf("unknown mode %q, expected check or install", mode)
			}
		},
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "")
	rootCmd.PersistentFlags().IntVar(&jobs, "jobs", 0, "number of secrets decrypted concurrently")
	rootCmd.PersistentFlags().IntVar(&keepGenerations, "keep-generations", 0, "old generations kept after activation")
	rootCmd.PersistentFlags().StringVar(&linkRoot, "link-root", "", "directory to link secrets into when no explicit link is set")
	rootCmd.PersistentFlags().BoolVar(&failFast, "fail-fast", false, "abort on the first failed secret")

	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal("secnix execution failed: ", err)
	}
}
