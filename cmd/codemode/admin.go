package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"codemode-runtime/internal/capability"
	"codemode-runtime/internal/config"
	"codemode-runtime/internal/facade"
	"codemode-runtime/internal/sandbox"
	"codemode-runtime/internal/store"
)

func newToolsCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "tools [module]",
		Short: "List the modules snippets may require, or describe one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			// Describing modules never starts a child.
			backend, err := sandbox.NewBackend(sandbox.Options{Backend: sandbox.BackendProcess})
			if err != nil {
				return err
			}
			rt := facade.New(backend, cfg.Execution, cfg.Store, facade.Deps{})
			defer rt.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "MODULE\tKIND\tFUNCS\tSUMMARY")
				for _, c := range rt.Capabilities() {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.Name, c.Kind, c.Functions, c.Summary)
				}
				return tw.Flush()
			}

			m, err := rt.Describe(args[0])
			if err != nil {
				return err
			}
			printModule(out, m)
			return nil
		},
	}
}

func printModule(w io.Writer, m capability.Module) {
	fmt.Fprintf(w, "%s (%s): %s\n\n", m.Name, m.Kind, m.Summary)
	for _, fn := range m.Functions {
		fmt.Fprintf(w, "  %s\n", fn.Signature)
		if fn.Doc != "" {
			fmt.Fprintf(w, "      %s\n", fn.Doc)
		}
	}
}

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, load func() (*config.Config, error), fn func(*store.Store) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	st, err := store.Open(cmd.Context(), cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func newSessionsCmd(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect saved session state",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List sessions, most recently updated first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withStore(cmd, load, func(st *store.Store) error {
					sessions, err := st.ListSessions(cmd.Context())
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tNAME\tUPDATED")
					for _, s := range sessions {
						fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.Name, s.UpdatedAt.Format(time.RFC3339))
					}
					return tw.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Print a session with its state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, load, func(st *store.Store) error {
					sess, err := st.GetSession(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), sess)
				})
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, load, func(st *store.Store) error {
					return st.DeleteSession(cmd.Context(), args[0])
				})
			},
		},
	)
	return cmd
}

func newSkillsCmd(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Manage saved skills",
	}

	var file, description string
	save := &cobra.Command{
		Use:   "save <name> [code]",
		Short: "Save a skill from the argument, --file or stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readCode(args[1:], file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withStore(cmd, load, func(st *store.Store) error {
				return st.SaveSkill(cmd.Context(), args[0], code, description)
			})
		},
	}
	save.Flags().StringVarP(&file, "file", "f", "", "read the skill code from a file")
	save.Flags().StringVarP(&description, "description", "d", "", "one-line description")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List skills by name",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withStore(cmd, load, func(st *store.Store) error {
					skills, err := st.ListSkills(cmd.Context())
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "NAME\tUPDATED\tDESCRIPTION")
					for _, s := range skills {
						fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.UpdatedAt.Format(time.RFC3339), s.Description)
					}
					return tw.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "show <name>",
			Short: "Print a skill's code",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, load, func(st *store.Store) error {
					sk, err := st.LoadSkill(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					fmt.Fprint(cmd.OutOrStdout(), sk.Code)
					return nil
				})
			},
		},
		save,
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a skill",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, load, func(st *store.Store) error {
					return st.DeleteSkill(cmd.Context(), args[0])
				})
			},
		},
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
