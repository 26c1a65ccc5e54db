// Command vexfs formats, inspects, and populates VexFS volumes.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("vexfs: command failed")
		os.Exit(1)
	}
}
