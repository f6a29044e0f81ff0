package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/audit-trail/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize audittrail configuration with an interactive wizard",
	Long:  `Runs an interactive wizard and writes the answers to the config file (default .audittrail.yml).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.RunWizard(cfgFile); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", cfgFile)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
