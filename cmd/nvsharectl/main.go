package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nvshare-io/nvshare/internal/transport"
	"github.com/nvshare-io/nvshare/internal/wireproto"
)

// controlID is the fixed, unauthenticated sender id nvsharectl stamps on
// every frame it sends; the daemon does not validate it against the
// client table since nvsharectl never REGISTERs.
const controlID uint64 = 0xBEEF

func main() {
	var setTQ string
	var antiThrash string

	root := &cobra.Command{
		Use:           "nvsharectl",
		Short:         "Configure a running nvshare-scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControl(setTQ, antiThrash)
		},
	}

	root.SetOut(os.Stderr)
	root.SetErr(os.Stderr)

	root.Flags().StringVarP(&setTQ, "set-tq", "T", "", "set the scheduler's time quantum to N seconds (must be a positive integer)")
	root.Flags().StringVarP(&antiThrash, "anti-thrash", "S", "", "set the scheduler status: \"on\" or \"off\"")

	root.PreRunE = func(cmd *cobra.Command, args []string) error {
		if setTQ == "" && antiThrash == "" {
			return cmd.Help()
		}
		return nil
	}
	origRunE := root.RunE
	root.RunE = func(cmd *cobra.Command, args []string) error {
		if setTQ == "" && antiThrash == "" {
			return nil
		}
		return origRunE(cmd, args)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runControl(setTQ, antiThrash string) error {
	if antiThrash != "" {
		var status wireproto.MessageType
		switch antiThrash {
		case "on":
			status = wireproto.SchedOn
		case "off":
			status = wireproto.SchedOff
		default:
			return fmt.Errorf("invalid value for --anti-thrash (-S): must be \"on\" or \"off\"")
		}

		if err := sendControl(status, ""); err != nil {
			return fmt.Errorf("failed to turn the nvshare-scheduler %s: %w", antiThrash, err)
		}
		fmt.Printf("Successfully turned the nvshare-scheduler %s.\n", antiThrash)
	}

	if setTQ != "" {
		n, err := strconv.Atoi(setTQ)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid value for --set-tq: TQ must be a positive integer")
		}

		if err := sendControl(wireproto.SetTQ, strconv.Itoa(n)); err != nil {
			return fmt.Errorf("failed to set the nvshare-scheduler TQ to %d seconds: %w", n, err)
		}
		fmt.Printf("Successfully set the nvshare-scheduler TQ to %d seconds.\n", n)
	}

	return nil
}

func sendControl(t wireproto.MessageType, data string) error {
	conn, err := transport.Dial(transport.SockPath())
	if err != nil {
		return fmt.Errorf("connect to nvshare-scheduler: %w", err)
	}
	defer conn.Close()

	msg := wireproto.NewMessage(t)
	msg.ID = controlID
	if data != "" {
		msg.SetData(data)
	}
	return transport.SendMessage(conn, msg)
}
