package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/a2rok/a2rok/internal/auth"
	"github.com/a2rok/a2rok/internal/domain"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage principals and their agent tokens",
	}
	cmd.AddCommand(
		newUserCreateCmd(),
		newUserListCmd(),
		newUserRotateCmd(),
		newUserRevokeCmd(),
		newUserQuotaCmd(),
	)
	return cmd
}

func newUserCreateCmd() *cobra.Command {
	var sf storeFlags
	var email, name string
	var quota int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a principal and print its one-time token",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag(cmd.Flags(), "email"); err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := sf.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			token, err := auth.GenerateToken()
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			p, err := store.CreateUser(ctx, email, name, auth.HashToken(token, store.TokenPepper()), quota)
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "id:", p.ID)
			fmt.Fprintln(out, "email:", p.Email)
			fmt.Fprintln(out, "quota:", formatQuota(p.QuotaTotal))
			fmt.Fprintln(out, "token:", token)
			return nil
		},
	}
	sf.bind(cmd.Flags())
	cmd.Flags().StringVar(&email, "email", "", "Principal email")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().Int64Var(&quota, "quota", 0, "Request quota (0 = default, negative = unlimited)")
	return cmd
}

func newUserListCmd() *cobra.Command {
	var sf storeFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List principals with quota usage",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := sf.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			users, err := store.ListUsers(ctx)
			if err != nil {
				return fmt.Errorf("list users: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tEMAIL\tNAME\tUSED\tQUOTA\tCREATED")
			for _, u := range users {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					u.ID, u.Email, u.Name, u.QuotaUsed, formatQuota(u.QuotaTotal), u.CreatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
	sf.bind(cmd.Flags())
	return cmd
}

func newUserRotateCmd() *cobra.Command {
	var sf storeFlags
	cmd := &cobra.Command{
		Use:   "rotate <email>",
		Short: "Replace a principal's token and print the new one",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := sf.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			p, err := store.FindUserByEmail(ctx, args[0])
			if err != nil {
				return fmt.Errorf("find user %q: %w", args[0], err)
			}
			token, err := auth.GenerateToken()
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			if err := store.RotateToken(ctx, p.ID, auth.HashToken(token, store.TokenPepper())); err != nil {
				return fmt.Errorf("rotate token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "token:", token)
			return nil
		},
	}
	sf.bind(cmd.Flags())
	return cmd
}

func newUserRevokeCmd() *cobra.Command {
	var sf storeFlags
	cmd := &cobra.Command{
		Use:   "revoke <email>",
		Short: "Disable a principal",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := sf.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			p, err := store.FindUserByEmail(ctx, args[0])
			if err != nil {
				return fmt.Errorf("find user %q: %w", args[0], err)
			}
			if err := store.RevokeUser(ctx, p.ID); err != nil {
				return fmt.Errorf("revoke user: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "revoked:", p.Email)
			return nil
		},
	}
	sf.bind(cmd.Flags())
	return cmd
}

func newUserQuotaCmd() *cobra.Command {
	var sf storeFlags
	var total int64
	var reset bool
	cmd := &cobra.Command{
		Use:   "quota <email>",
		Short: "Show or change a principal's request quota",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := sf.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			p, err := store.FindUserByEmail(ctx, args[0])
			if err != nil {
				return fmt.Errorf("find user %q: %w", args[0], err)
			}
			if cmd.Flags().Changed("total") {
				if err := store.SetQuotaTotal(ctx, p.ID, total); err != nil {
					return fmt.Errorf("set quota: %w", err)
				}
			}
			if reset {
				if err := store.ResetQuotaUsage(ctx, p.ID); err != nil {
					return fmt.Errorf("reset quota: %w", err)
				}
			}
			gotTotal, used, err := store.QuotaUsage(ctx, p.ID)
			if err != nil {
				return fmt.Errorf("quota usage: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/%s\n", p.Email, used, formatQuota(gotTotal))
			return nil
		},
	}
	sf.bind(cmd.Flags())
	cmd.Flags().Int64Var(&total, "total", domain.DefaultQuotaTotal, "New request allowance (negative = unlimited)")
	cmd.Flags().BoolVar(&reset, "reset", false, "Zero the used counter")
	return cmd
}

func formatQuota(total int64) string {
	if total < 0 {
		return "unlimited"
	}
	return strconv.FormatInt(total, 10)
}
