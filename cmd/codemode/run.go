package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"codemode-runtime/internal/config"
	"codemode-runtime/internal/facade"
)

type runFlags struct {
	file       string
	timeout    int
	memoryMB   int
	dirs       []string
	workdir    string
	imports    []string
	noMask     bool
	aggressive bool
	jsonOutput bool
}

func newRunCmd(load func() (*config.Config, error)) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run [code]",
		Short: "Run one snippet locally",
		Long: "Run a Lua snippet from the argument, --file or stdin. The snippet's " +
			"redacted stdout and stderr are copied through and the exit status is non-zero on failure.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readCode(args, f.file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			cfg, err := load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.runtime.Run(ctx, code, f.options(cmd))
			return printResult(cmd, res, f.jsonOutput)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.file, "file", "f", "", "read the snippet from a file")
	fl.IntVar(&f.timeout, "timeout", 0, "timeout in seconds (default from config)")
	fl.IntVar(&f.memoryMB, "memory", 0, "memory limit in MiB (default from config)")
	fl.StringSliceVar(&f.dirs, "allow-dir", nil, "directory the snippet may access (repeatable)")
	fl.StringVar(&f.workdir, "workdir", "", "working directory for relative paths")
	fl.StringSliceVar(&f.imports, "allow-import", nil, "module the snippet may require (repeatable)")
	fl.BoolVar(&f.noMask, "no-mask", false, "do not redact secrets in the output")
	fl.BoolVar(&f.aggressive, "aggressive", false, "also redact emails, phone numbers and IPs")
	fl.BoolVar(&f.jsonOutput, "json", false, "print the full result as JSON")
	return cmd
}

func (f runFlags) options(cmd *cobra.Command) facade.Options {
	opts := facade.Options{
		TimeoutSeconds:     f.timeout,
		MemoryLimitMB:      f.memoryMB,
		AllowedDirectories: f.dirs,
		WorkingDirectory:   f.workdir,
		AllowedImports:     f.imports,
	}
	if cmd.Flags().Changed("no-mask") {
		mask := !f.noMask
		opts.MaskSecrets = &mask
	}
	if cmd.Flags().Changed("aggressive") {
		opts.AggressiveMasking = &f.aggressive
	}
	return opts
}

// readCode picks the snippet from args, then file, then stdin.
func readCode(args []string, file string, stdin io.Reader) (string, error) {
	switch {
	case len(args) > 0 && file != "":
		return "", fmt.Errorf("pass the snippet as an argument or with --file, not both")
	case len(args) > 0:
		return args[0], nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
}

// printResult writes res and maps failure onto the process exit status: the
// snippet's own code when it ran, 1 otherwise.
func printResult(cmd *cobra.Command, res facade.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
		fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
		if !res.Success {
			fmt.Fprintf(cmd.ErrOrStderr(), "codemode: %s (execution %s)\n", res.Error, res.ExecutionID)
		}
	}
	if res.Success {
		return nil
	}
	if res.ExitCode != nil && *res.ExitCode != 0 {
		return &exitError{code: *res.ExitCode}
	}
	return &exitError{code: 1}
}
