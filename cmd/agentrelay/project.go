package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"agentrelay/internal/domain"
)

var encodeProjectCmd = &cobra.Command{
	Use:   "encode-project <path>",
	Short: "Print the project id for a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		id, err := domain.EncodeProjectID(path)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var decodeProjectCmd = &cobra.Command{
	Use:   "decode-project <id>",
	Short: "Print the directory a project id refers to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := domain.DecodeProjectID(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(encodeProjectCmd, decodeProjectCmd)
}
