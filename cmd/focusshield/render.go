package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"focusshield/internal/metrics"
	"focusshield/internal/proxy"
)

func newRenderCmd(a *app) *cobra.Command {
	var (
		site  string
		strip bool
	)
	cmd := &cobra.Command{
		Use:   "render <url|file|->",
		Short: "Apply the stored settings to one page and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			pc := proxy.ConfigFrom(a.cfg)
			pc.Store = st
			pc.Logger = a.log
			pc.Metrics = metrics.New()
			srv := proxy.New(pc)
			defer srv.Close()

			target, body, err := renderInput(cmd.InOrStdin(), args[0], site)
			if err != nil {
				return err
			}
			out, err := srv.Render(cmd.Context(), target, body, strip)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "site the local page belongs to")
	cmd.Flags().BoolVar(&strip, "strip", false, "drop hidden elements and scripts from the output")
	return cmd
}

// renderInput returns the target and, for local pages, the body. A nil body
// means target is fetched.
func renderInput(stdin io.Reader, arg, site string) (string, []byte, error) {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		return arg, nil, nil
	}
	var (
		body []byte
		err  error
	)
	if arg == "-" {
		body, err = io.ReadAll(stdin)
	} else {
		body, err = os.ReadFile(arg)
	}
	if err != nil {
		return "", nil, fmt.Errorf("read page: %w", err)
	}
	if body == nil {
		body = []byte{}
	}
	target := ""
	if site != "" {
		target = "https://" + site + "/"
	}
	return target, body, nil
}
