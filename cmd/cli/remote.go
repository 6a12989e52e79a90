package main

import (
	"fmt"
	"strings"

	"github.com/nickyhof/ForkDB/db"
	"github.com/nickyhof/ForkDB/ps"
	"github.com/spf13/cobra"
)

type authFlags struct {
	token    string
	sshKey   string
	username string
	password string
}

func (flags *authFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flags.token, "token", "", "access token for HTTPS remotes")
	cmd.Flags().StringVar(&flags.sshKey, "ssh-key", "", "private key for SSH remotes")
	cmd.Flags().StringVar(&flags.username, "username", "", "username for basic auth")
	cmd.Flags().StringVar(&flags.password, "password", "", "password for basic auth")
}

func (flags *authFlags) auth() *ps.RemoteAuth {
	switch {
	case flags.token != "":
		return &ps.RemoteAuth{Type: ps.AuthTypeToken, Token: flags.token}
	case flags.sshKey != "":
		return &ps.RemoteAuth{Type: ps.AuthTypeSSH, KeyPath: flags.sshKey}
	case flags.username != "":
		return &ps.RemoteAuth{Type: ps.AuthTypeBasic, Username: flags.username, Password: flags.password}
	default:
		return nil
	}
}

func newRemoteCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Manage remotes the mainline history is shared with",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <name> <url>",
		Short: "Register a remote",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			instance, err := opts.open()
			if err != nil {
				return err
			}
			defer instance.Close()

			if err := instance.AddRemote(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added remote %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List remotes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			instance, err := opts.open()
			if err != nil {
				return err
			}
			defer instance.Close()

			remotes, err := instance.Remotes()
			if err != nil {
				return err
			}

			table := db.NewTable(cmd.OutOrStdout())
			table.Header([]string{"name", "url"})
			for _, remote := range remotes {
				table.Row([]string{remote.Name, strings.Join(remote.URLs, ", ")})
			}
			table.Render()
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instance, err := opts.open()
			if err != nil {
				return err
			}
			defer instance.Close()

			if err := instance.RemoveRemote(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed remote %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func newPushCmd(opts *rootOptions) *cobra.Command {
	var flags authFlags

	cmd := &cobra.Command{
		Use:   "push [remote]",
		Short: "Publish the mainline history to a remote",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := ps.DefaultRemote
			if len(args) == 1 {
				remote = args[0]
			}

			instance, err := opts.open()
			if err != nil {
				return err
			}
			defer instance.Close()

			if err := instance.Push(remote, flags.auth()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pushed history to %s\n", remote)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newPullCmd(opts *rootOptions) *cobra.Command {
	var (
		flags authFlags
		force bool
	)

	cmd := &cobra.Command{
		Use:   "pull [remote]",
		Short: "Fast-forward mainline to a remote's history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := ps.DefaultRemote
			if len(args) == 1 {
				remote = args[0]
			}

			instance, err := opts.open()
			if err != nil {
				return err
			}
			defer instance.Close()

			txn, moved, err := instance.Pull(remote, flags.auth(), force)
			if err != nil {
				return err
			}
			if !moved {
				fmt.Fprintln(cmd.OutOrStdout(), "Already up to date")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pulled mainline (transaction %s)\n", txn.Short())
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "replace local history that the remote does not have")
	return cmd
}
