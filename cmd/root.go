package cmd

import (
	"github.com/spf13/cobra"
)

func Execute() {
	var root = &cobra.Command{Use: "campuskb"}
	root.AddCommand(serveCMD(), migrateCMD())
	_ = root.Execute()
}
