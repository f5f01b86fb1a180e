// Command apptctl operates the recurring appointment engine.
package main

import (
	"fmt"
	"os"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
