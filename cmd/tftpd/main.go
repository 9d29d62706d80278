package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftpd/internal/cli"
)

func main() {
	rootCmd := cli.NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("tftpd failed")
	}
}
