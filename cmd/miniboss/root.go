package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/afroisalreadyinu/miniboss/internal/service"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	servicesFile string
	networkName  string
)

var rootCmd = &cobra.Command{
	Use:          "miniboss",
	Short:        "Manage a group of docker services for local development",
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (%s)", version, commit)
	rootCmd.PersistentFlags().StringVarP(&servicesFile, "file", "f", "miniboss.yml",
		"Path to the service definitions file")
	rootCmd.PersistentFlags().StringVar(&networkName, "network-name", "miniboss",
		"Name of the docker network the services run on")
}

func loadCollection() (*service.Collection, error) {
	path, err := filepath.Abs(servicesFile)
	if err != nil {
		return nil, fmt.Errorf("resolve services file path %q: %w", servicesFile, err)
	}
	return service.Load(path)
}
