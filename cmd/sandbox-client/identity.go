package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/remote-sandbox/client/internal/model"
	"github.com/remote-sandbox/client/internal/repository"
)

func newIdentityCmd(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect or forget the stored client id",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the stored client id",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				repo, closeDB, err := openIdentityRepo(cmd, global)
				if err != nil {
					return err
				}
				defer closeDB()

				id, err := repo.Load(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if id == model.NoIdentity {
					fmt.Fprintln(out, "no client id stored")
					return nil
				}

				updated, ok, err := repo.UpdatedAt(cmd.Context())
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintf(out, "client id %d (saved %s)\n", id, updated.Local().Format(time.RFC3339))
				} else {
					fmt.Fprintf(out, "client id %d\n", id)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "forget",
			Short: "Delete the stored client id so the next run registers fresh",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				repo, closeDB, err := openIdentityRepo(cmd, global)
				if err != nil {
					return err
				}
				defer closeDB()

				if err := repo.Clear(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "client id forgotten")
				return nil
			},
		},
	)
	return cmd
}

func openIdentityRepo(cmd *cobra.Command, global *globalOptions) (*repository.IdentityRepository, func(), error) {
	cfg, err := loadConfig(cmd, global)
	if err != nil {
		return nil, nil, err
	}
	database, err := openDatabase(cfg.Storage.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewIdentityRepository(database), func() { database.Close() }, nil
}
