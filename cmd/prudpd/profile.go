package main

import (
	"encoding/base64"
	"fmt"

	cborprofile "github.com/bridgefall/prudp/profile/cbor"
	"github.com/spf13/cobra"
)

func newProfileCBORCmd() *cobra.Command {
	var (
		decode     bool
		inPath     string
		outPath    string
		base64Mode bool
		yamlInput  bool
	)
	cmd := &cobra.Command{
		Use:   "profile-cbor",
		Short: "Convert a service profile between JSON/YAML and CBOR",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			input, err := readInput(cmd.InOrStdin(), inPath)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			if decode {
				if base64Mode {
					if input, err = decodeBase64(input); err != nil {
						return fmt.Errorf("decode base64: %w", err)
					}
				}
				out, err := cborprofile.DecodeCBORToJSON(input)
				if err != nil {
					return fmt.Errorf("decode: %w", err)
				}
				return writeOutput(cmd.OutOrStdout(), outPath, out)
			}

			encode := cborprofile.EncodeJSONService
			if yamlInput {
				encode = cborprofile.EncodeYAMLService
			}
			out, err := encode(input)
			if err != nil {
				return fmt.Errorf("encode: %w", err)
			}
			if base64Mode {
				out = []byte(base64.StdEncoding.EncodeToString(out))
			}
			return writeOutput(cmd.OutOrStdout(), outPath, out)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&decode, "decode", false, "decode CBOR into JSON")
	f.StringVar(&inPath, "in", "", "input file (defaults to stdin)")
	f.StringVar(&outPath, "out", "", "output file (defaults to stdout)")
	f.BoolVar(&base64Mode, "base64", false, "read/write base64-wrapped CBOR")
	f.BoolVar(&yamlInput, "yaml", false, "encode from YAML instead of JSON")
	return cmd
}
