package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"frak-rpc/registry"
)

type originsCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *rootCommandeer
	note           string
}

func newOriginsCommandeer(rootCommandeer *rootCommandeer) *originsCommandeer {
	commandeer := &originsCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:   "origins",
		Short: "Manage the shared origin allowlist in etcd",
	}

	addCmd := &cobra.Command{
		Use:   "add origin",
		Short: "Allow an origin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return commandeer.withRegistry(cmd.Context(), func(ctx context.Context, reg registry.OriginRegistry) error {
				entry := registry.OriginEntry{Origin: args[0], Note: commandeer.note, AddedAt: time.Now().UTC()}
				return reg.Register(ctx, entry, rootCommandeer.config.Etcd.TTL)
			})
		},
	}
	addCmd.Flags().StringVar(&commandeer.note, "note", "", "Free-form note stored with the origin")

	removeCmd := &cobra.Command{
		Use:   "remove origin",
		Short: "Revoke an origin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return commandeer.withRegistry(cmd.Context(), func(ctx context.Context, reg registry.OriginRegistry) error {
				return reg.Deregister(ctx, args[0])
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the allowed origins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return commandeer.withRegistry(cmd.Context(), func(ctx context.Context, reg registry.OriginRegistry) error {
				entries, err := reg.Discover(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ORIGIN\tADDED\tNOTE")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\n", e.Origin, e.AddedAt.Format(time.RFC3339), e.Note)
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(addCmd, removeCmd, listCmd)
	commandeer.cmd = cmd
	return commandeer
}

func (oc *originsCommandeer) withRegistry(ctx context.Context, fn func(context.Context, registry.OriginRegistry) error) error {
	if err := oc.rootCommandeer.initialize(); err != nil {
		return err
	}
	reg, err := oc.rootCommandeer.openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return fn(ctx, reg)
}
