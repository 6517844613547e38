package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/a2rok/a2rok/internal/domain"
)

func newDomainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domain",
		Short: "Manage the domain directory",
	}
	cmd.AddCommand(newDomainAddCmd(), newDomainListCmd(), newDomainRemoveCmd())
	return cmd
}

func newDomainAddCmd() *cobra.Command {
	var sf storeFlags
	var email string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Attach a domain to a principal",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag(cmd.Flags(), "email"); err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := sf.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			p, err := store.FindUserByEmail(ctx, email)
			if err != nil {
				return fmt.Errorf("find user %q: %w", email, err)
			}
			if err := store.ClaimDomain(ctx, p.ID, args[0]); err != nil {
				return fmt.Errorf("add domain: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "domain %s -> %s\n", args[0], p.Email)
			return nil
		},
	}
	sf.bind(cmd.Flags())
	cmd.Flags().StringVar(&email, "email", "", "Owner email")
	return cmd
}

func newDomainRemoveCmd() *cobra.Command {
	var sf storeFlags
	var email string
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Detach a domain from its owner",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag(cmd.Flags(), "email"); err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := sf.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			p, err := store.FindUserByEmail(ctx, email)
			if err != nil {
				return fmt.Errorf("find user %q: %w", email, err)
			}
			if err := store.DeleteDomain(ctx, p.ID, args[0]); err != nil {
				return fmt.Errorf("remove domain: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed:", args[0])
			return nil
		},
	}
	sf.bind(cmd.Flags())
	cmd.Flags().StringVar(&email, "email", "", "Owner email")
	return cmd
}

func newDomainListCmd() *cobra.Command {
	var sf storeFlags
	var email string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered domains",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := sf.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			records, err := store.ListDomains(ctx)
			if err != nil {
				return fmt.Errorf("list domains: %w", err)
			}
			if email != "" {
				records = filterByOwnerEmail(records, email)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DOMAIN\tOWNER\tCREATED")
			for _, rec := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", rec.Name, rec.OwnerEmail, rec.CreatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
	sf.bind(cmd.Flags())
	cmd.Flags().StringVar(&email, "email", "", "Only domains of this owner")
	return cmd
}

func filterByOwnerEmail(records []domain.DomainRecord, email string) []domain.DomainRecord {
	out := records[:0]
	for _, rec := range records {
		if strings.EqualFold(rec.OwnerEmail, strings.TrimSpace(email)) {
			out = append(out, rec)
		}
	}
	return out
}
