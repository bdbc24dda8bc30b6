package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-compliance/internal/inputs"
)

// newSeedCmd writes generated fixtures into the file input source so a run
// can be tried without real contracts or shelf images.
func newSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <location> <date>",
		Short: "Generate input fixtures for a location",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectDir(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(project)
			if err != nil {
				return err
			}
			rawProfile, _ := cmd.Flags().GetString("profile")
			seed, _ := cmd.Flags().GetUint64("seed")
			profile := inputs.Profile(rawProfile)
			switch profile {
			case inputs.ProfileCompliant, inputs.ProfileViolations, inputs.ProfileDisputed:
			default:
				return fmt.Errorf("unknown profile %q (want compliant, violations or disputed)", rawProfile)
			}
			settings, err := cfg.Settings()
			if err != nil {
				return err
			}
			location, date := args[0], args[1]
			in, err := inputs.Generate(location, date, inputs.GenerateOptions{
				Subjects: settings.Subjects,
				Profile:  profile,
				Seed:     seed,
			})
			if err != nil {
				return err
			}
			if err := inputs.WriteFixtures(cfg.DataDir(), location, date, in); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %s for %s (%s): %d contracts, %d images, %d planograms\n",
				location, date, profile, len(in.Contracts), len(in.Images), len(in.Planograms))
			return nil
		},
	}
	cmd.Flags().String("profile", string(inputs.ProfileCompliant), "fixture profile: compliant, violations or disputed")
	cmd.Flags().Uint64("seed", 1, "generator seed")
	return cmd
}
