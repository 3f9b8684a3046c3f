// Command canvasctl talks to a canvas-sync server: it issues development
// tokens, manages canvases over REST and follows a canvas live.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("canvasctl failed")
		os.Exit(1)
	}
}
