package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codequality/rule-registry/pkg/rules"
	"github.com/codequality/rule-registry/pkg/tenancy"
)

func newProfileCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage quality profiles",
	}
	cmd.AddCommand(newProfileCreateCmd(opts))
	return cmd
}

func newProfileCreateCmd(opts *rootOptions) *cobra.Command {
	var key, name, language string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a quality profile in the default organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := createProfile(cmd.Context(), a, cfg.Organization.Default, key, name, language)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.Kee)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Profile key (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "Profile name (required)")
	cmd.Flags().StringVar(&language, "language", "", "Profile language")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func createProfile(ctx context.Context, a *app, org, key, name, language string) (*rules.QualityProfileRecord, error) {
	if err := tenancy.ValidateOrganization(org); err != nil {
		return nil, err
	}
	sess, err := rules.BeginSession(ctx, a.db)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	p := &rules.QualityProfileRecord{
		Kee:              key,
		OrganizationUUID: org,
		Name:             name,
		Language:         language,
	}
	if err := rules.NewProfileStore(a.db).InsertProfile(ctx, sess, p); err != nil {
		return nil, err
	}
	if err := sess.Commit(); err != nil {
		return nil, err
	}
	a.logger.Info("quality profile created", "profileKey", p.Kee, "organization", org)
	return p, nil
}
