package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "prudpd",
		Short: "PRUDP v1 server and tooling",
		Long: `prudpd runs PRUDP v1 services on one UDP socket and carries the
helpers used to prepare and debug them: service profile conversion and packet
signature checks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newProfileCBORCmd())
	root.AddCommand(newSignatureCmd())
	return root
}

func readInput(in io.Reader, path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(in)
	}
	return os.ReadFile(path)
}

func writeOutput(out io.Writer, path string, data []byte) error {
	if path == "" {
		if _, err := out.Write(data); err != nil {
			return err
		}
		_, err := out.Write([]byte("\n"))
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func decodeBase64(raw []byte) ([]byte, error) {
	clean := strings.Join(strings.Fields(string(raw)), "")
	if clean == "" {
		return nil, fmt.Errorf("empty base64 input")
	}
	return base64.StdEncoding.DecodeString(clean)
}
