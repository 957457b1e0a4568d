package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "Show the status of the defined services",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		coll, err := loadCollection()
		if err != nil {
			return err
		}
		source, err := newDockerStatusSource(coll.Group)
		if err != nil {
			return err
		}
		defer source.Close()

		names := make([]string, 0, len(coll.Definitions))
		for _, def := range coll.Definitions {
			names = append(names, def.Name)
		}

		statuses, err := source.Snapshot(cmd.Context(), names)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tSTATUS\tUPTIME\tCONTAINER\tINSTANCES")
		for _, name := range names {
			s := statuses[name]
			container := s.ContainerID
			if container == "" {
				container = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\n",
				s.Service, s.Status, s.Uptime, container, s.Running, s.Instances)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(psCmd)
}
