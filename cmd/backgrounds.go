package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var backgroundsCmd = &cobra.Command{
	Use:     "backgrounds",
	Aliases: []string{"bg"},
	Short:   "Manage background tracks",
	Long:    `List, select, clear and import background tracks. The selection is stored in conf.yaml inside the backgrounds directory and overrides the profile's mix.background.`,
}

var backgroundsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List background tracks",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService()
		defer svc.Close(context.Background())

		backgrounds, err := svc.ListBackgrounds()
		if err != nil {
			return err
		}
		if len(backgrounds) == 0 {
			fmt.Println("No background tracks found")
			return nil
		}
		for _, bg := range backgrounds {
			marker := " "
			if bg.IsSelected {
				marker = "*"
			}
			fmt.Printf("%s %-40s %10s  %s\n", marker, bg.Name, bg.SizeHuman, bg.ModTimeHuman)
		}
		return nil
	},
}

var backgroundsSelectCmd = &cobra.Command{
	Use:   "select <name>",
	Short: "Select the background used for mixing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService()
		defer svc.Close(context.Background())

		if err := svc.SetSelectedBackground(args[0]); err != nil {
			return err
		}
		fmt.Printf("Selected background: %s\n", args[0])
		return nil
	},
}

var backgroundsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Mix without a background",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService()
		defer svc.Close(context.Background())

		if err := svc.ClearSelectedBackground(); err != nil {
			return err
		}
		fmt.Println("Background cleared")
		return nil
	},
}

var backgroundsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Copy an audio file into the backgrounds directory and select it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService()
		defer svc.Close(context.Background())

		info, err := svc.ImportBackground(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Imported %s (%s)\n", info.Name, info.SizeHuman)
		return nil
	},
}

func init() {
	backgroundsCmd.AddCommand(backgroundsListCmd)
	backgroundsCmd.AddCommand(backgroundsSelectCmd)
	backgroundsCmd.AddCommand(backgroundsClearCmd)
	backgroundsCmd.AddCommand(backgroundsImportCmd)
}
