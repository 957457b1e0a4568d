package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/afroisalreadyinu/miniboss/internal/docker"
	"github.com/afroisalreadyinu/miniboss/internal/doctor"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check docker CLI, daemon and buildx availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		var pinger doctor.Pinger
		if client, err := docker.NewSDKClient(); err == nil {
			defer client.Close()
			pinger = client
		}

		results := doctor.RunAll(cmd.Context(), pinger)
		allOK := true

		for _, result := range results {
			status := "OK"
			if !result.OK {
				status = "FAIL"
				allOK = false
			}

			if result.Version != "" {
				fmt.Printf("%-10s %-4s %s\n", result.Name, status, result.Version)
			} else {
				fmt.Printf("%-10s %-4s %s\n", result.Name, status, result.Detail)
			}
		}

		if !allOK {
			return fmt.Errorf("one or more checks failed")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
