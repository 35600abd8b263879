package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/chatrelay/internal/audio/device"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		terminate, err := device.Init()
		if err != nil {
			return err
		}
		defer func() { _ = terminate() }()

		inputs, err := device.ListInputs()
		if err != nil {
			return err
		}
		if len(inputs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No input devices found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tNAME\tRATE\tDEFAULT")
		for _, d := range inputs {
			def := ""
			if d.IsDefault {
				def = "*"
			}
			fmt.Fprintf(w, "%d\t%s\t%.0f\t%s\n", d.Index, d.Name, d.SampleRate, def)
		}
		return w.Flush()
	},
}
