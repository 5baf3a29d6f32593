package main

import (
	"github.com/spf13/cobra"

	"github.com/orientinsight/bookingmail/internal/mailbox"
)

func newAllowlistCmd(load func() (*app, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allowlist",
		Short: "Show or replace the sender allowlist",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the effective sender allowlist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.Close()

			_, persisted, err := a.store.GetSenderAllowlist(cmd.Context())
			if err != nil {
				return err
			}
			list, err := mailbox.LoadAllowList(cmd.Context(), a.store, a.cfg.Allowlist.DefaultDomain)
			if err != nil {
				return err
			}

			if !persisted {
				cmd.Println("# no allowlist stored, using the default domain")
			}
			for _, e := range list.Entries() {
				cmd.Println(e)
			}
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <entry>...",
		Short: "Replace the allowlist with exact addresses or @domain suffixes",
		Long:  "Replace the allowlist. Passing no entries clears it, which falls back to the default domain.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.Close()

			entries := mailbox.NewAllowList(args).Entries()
			if err := a.store.SetSenderAllowlist(cmd.Context(), entries); err != nil {
				return err
			}
			cmd.Printf("Stored %d allowlist entries\n", len(entries))
			return nil
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}
