package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/afroisalreadyinu/miniboss/internal/docker"
	"github.com/afroisalreadyinu/miniboss/internal/scheduler"
)

var (
	stopExclude []string
	stopTimeout int
	stopRemove  bool
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop running services in reverse dependency order",
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

		_, err = scheduler.StopServices(cmd.Context(), client, coll, scheduler.Options{
			NetworkName: networkName,
			Timeout:     time.Duration(stopTimeout) * time.Second,
			Exclude:     stopExclude,
			Remove:      stopRemove,
		})
		return err
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
	stopCmd.Flags().StringArrayVar(&stopExclude, "exclude", nil,
		"Service to leave running (repeatable)")
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 50,
		"Seconds to wait before a stubborn container is killed")
	stopCmd.Flags().BoolVar(&stopRemove, "remove", false,
		"Remove containers after stopping; with no exclusions, also the network and the context file")
}
