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
	reloadTimeout int
	reloadRemove  bool
)

var reloadCmd = &cobra.Command{
	Use:   "reload SERVICE",
	Short: "Rebuild one service's image and restart it on the new image",
	Args:  cobra.ExactArgs(1),
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

		out, err := scheduler.ReloadService(cmd.Context(), client, coll, args[0], scheduler.Options{
			NetworkName: networkName,
			Timeout:     time.Duration(reloadTimeout) * time.Second,
			Remove:      reloadRemove,
		})
		if err != nil {
			return err
		}
		if len(out.Failed) > 0 {
			return fmt.Errorf("failed to reload: %s", strings.Join(out.Failed, ","))
		}
		fmt.Printf("[miniboss] reloaded service %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reloadCmd)
	reloadCmd.Flags().IntVar(&reloadTimeout, "timeout", 300,
		"Seconds to wait for the service to become ready")
	reloadCmd.Flags().BoolVar(&reloadRemove, "remove", false,
		"Remove the old container instead of leaving it stopped")
}
