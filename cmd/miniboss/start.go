package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/afroisalreadyinu/miniboss/internal/docker"
	"github.com/afroisalreadyinu/miniboss/internal/scheduler"
)

var (
	startExclude []string
	startTimeout int
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the defined services in dependency order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		coll, err := loadCollection()
		if err != nil {
			return err
		}
		client, err := docker.NewSDKClient()
		if err != nil {
			return err
		}
		defer client.Close()

		out, err := scheduler.StartServices(cmd.Context(), client, coll, scheduler.Options{
			NetworkName: networkName,
			Timeout:     time.Duration(startTimeout) * time.Second,
			Exclude:     startExclude,
		})
		if err != nil {
			return err
		}
		if len(out.Failed) > 0 {
			return fmt.Errorf("failed to start: %s", strings.Join(out.Failed, ","))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().StringArrayVar(&startExclude, "exclude", nil,
		"Service to leave out of the run (repeatable)")
	startCmd.Flags().IntVar(&startTimeout, "timeout", 300,
		"Seconds to wait for a service to become ready")
}
