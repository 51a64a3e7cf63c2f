package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"codemode-runtime/internal/api"
	"codemode-runtime/internal/facade"
)

// client talks to a running codemode server.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			return resp.StatusCode, fmt.Errorf("%s: %s", apiErr.Code, apiErr.Error)
		}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func main() {
	var (
		serverURL string
		apiKey    string
		opts      facade.Options
	)
	c := &client{}

	root := &cobra.Command{
		Use:           "codemode-cli",
		Short:         "Client for a codemode server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			c.baseURL = serverURL
			c.apiKey = apiKey
			// Snippets may run up to the server's maximum timeout.
			c.http = &http.Client{Timeout: 11 * time.Minute}
		},
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CODEMODE_API_KEY"), "API key")

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute a snippet on the server (reads stdin without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var code string
			if len(args) > 0 {
				code = args[0]
			} else {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				code = string(data)
			}
			return execute(cmd.Context(), c, code, opts)
		},
	}
	execFileCmd := &cobra.Command{
		Use:   "exec-file <file>",
		Short: "Execute a snippet file on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			return execute(cmd.Context(), c, string(data), opts)
		},
	}
	for _, cmd := range []*cobra.Command{execCmd, execFileCmd} {
		cmd.Flags().IntVar(&opts.TimeoutSeconds, "timeout", 0, "Timeout in seconds")
		cmd.Flags().IntVar(&opts.MemoryLimitMB, "memory", 0, "Memory limit in MiB")
		cmd.Flags().StringSliceVar((*[]string)(&opts.AllowedDirectories), "allow-dir", nil, "Directory the snippet may access")
		cmd.Flags().StringVar(&opts.WorkingDirectory, "workdir", "", "Working directory")
		cmd.Flags().StringSliceVar((*[]string)(&opts.AllowedImports), "allow-import", nil, "Module the snippet may require")
		root.AddCommand(cmd)
	}

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var health api.HealthResponse
			status, err := c.do(cmd.Context(), http.MethodGet, "/health", nil, &health)
			if err != nil {
				return err
			}
			if err := printJSON(health); err != nil {
				return err
			}
			if status != http.StatusOK {
				os.Exit(1)
			}
			return nil
		},
	})

	var limit int
	var backend, errCode string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions from the audit log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if backend != "" {
				q.Set("backend", backend)
			}
			if errCode != "" {
				q.Set("error", errCode)
			}
			var out []map[string]any
			if _, err := c.do(cmd.Context(), http.MethodGet, "/executions?"+q.Encode(), nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum records")
	listCmd.Flags().StringVar(&backend, "backend", "", "Only this sandbox backend")
	listCmd.Flags().StringVar(&errCode, "error", "", "Only this error code")
	root.AddCommand(listCmd)

	root.AddCommand(&cobra.Command{
		Use:   "get <execution-id>",
		Short: "Show one audited execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if _, err := c.do(cmd.Context(), http.MethodGet, "/executions/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "capabilities [module]",
		Short: "List the server's modules, or describe one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/capabilities"
			if len(args) == 1 {
				path += "/" + url.PathEscape(args[0])
			}
			var out any
			if _, err := c.do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, c *client, code string, opts facade.Options) error {
	var res facade.Result
	if _, err := c.do(ctx, http.MethodPost, "/execute", api.ExecuteRequest{Code: code, Options: opts}, &res); err != nil {
		return err
	}
	if err := printJSON(res); err != nil {
		return err
	}

	// Exit with the snippet's exit code
	if !res.Success {
		if res.ExitCode != nil && *res.ExitCode != 0 {
			os.Exit(*res.ExitCode)
		}
		os.Exit(1)
	}
	return nil
}

func printJSON(v any) error {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(formatted))
	return nil
}
