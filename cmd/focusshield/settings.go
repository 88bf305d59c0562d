package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"focusshield/internal/messaging"
	"focusshield/internal/store"
	"focusshield/settings"
)

func newSettingsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and edit the stored settings",
	}
	cmd.AddCommand(
		newSettingsShowCmd(a),
		newSettingsExportCmd(a),
		newSettingsImportCmd(a),
		newSettingsResetCmd(a),
		newSettingsSetCmd(a),
		newSettingsSiteCmd(a, "enable-site", "Create an override for a site from its current configuration", true),
		newSettingsSiteCmd(a, "reset-site", "Drop a site's override", false),
	)
	return cmd
}

// withStore opens the configured store for the duration of fn.
func (a *app) withStore(ctx context.Context, fn func(context.Context, store.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func siteView(st settings.Settings, site string) messaging.Context {
	host := settings.NormalizeHost(site)
	eff, has := settings.ResolveEffective(st, host)
	return messaging.Context{Hostname: host, Effective: eff, HasSiteOverride: has}
}

func newSettingsShowCmd(a *app) *cobra.Command {
	var site string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the stored document, or one site's resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				s, err := store.LoadSettings(ctx, st)
				if err != nil {
					return err
				}
				if site != "" {
					return printJSON(cmd.OutOrStdout(), siteView(s, site))
				}
				return printJSON(cmd.OutOrStdout(), s)
			})
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "resolve for this site")
	return cmd
}

func newSettingsExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Write the stored document as indented JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				s, err := store.LoadSettings(ctx, st)
				if err != nil {
					return err
				}
				b, err := settings.Marshal(s)
				if err != nil {
					return err
				}
				if len(args) == 1 {
					return os.WriteFile(args[0], b, 0o644)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return err
			})
		},
	}
}

func newSettingsImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Replace the stored document, backfilling defaults",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				b   []byte
				err error
			)
			if args[0] == "-" {
				b, err = io.ReadAll(cmd.InOrStdin())
			} else {
				b, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			s, err := settings.Import(b)
			if err != nil {
				return err
			}
			return a.withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				if err := store.SaveSettings(ctx, st, s); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			})
		},
	}
}

func newSettingsResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the store and write the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				s, err := store.Reset(ctx, st)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			})
		},
	}
}

func newSettingsSetCmd(a *app) *cobra.Command {
	var site string
	cmd := &cobra.Command{
		Use:   "set <field> <value>",
		Short: "Set one field globally, or for a site with --site",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			field := settings.Field(args[0])
			value := parseValue(args[1])
			return a.withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				s, err := store.Update(ctx, st, func(s settings.Settings) (settings.Settings, error) {
					return settings.SetField(s, site, field, value, site != "")
				})
				if err != nil {
					return err
				}
				if site != "" {
					return printJSON(cmd.OutOrStdout(), siteView(s, site))
				}
				return printJSON(cmd.OutOrStdout(), s.Global)
			})
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "write into this site's override")
	return cmd
}

// parseValue reads a JSON literal so that "false" and "0.9" keep their
// types. Anything else is taken as a string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func newSettingsSiteCmd(a *app, use, short string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <host>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				s, err := store.Update(ctx, st, func(s settings.Settings) (settings.Settings, error) {
					return settings.SetSiteOverride(s, args[0], enable)
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), siteView(s, args[0]))
			})
		},
	}
}
