package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bridgefall/prudp/packet"
	"github.com/spf13/cobra"
)

func newSignatureCmd() *cobra.Command {
	var (
		accessKey  string
		sessionKey string
		connSig    string
	)
	cmd := &cobra.Command{
		Use:   "signature <hex packet>",
		Short: "Recompute the signature of a captured packet",
		Long: `signature decodes one PRUDP v1 packet given as hex and prints the
signature carried by the packet next to the one computed for the access key.
SYN and CONNECT are signed without a connection signature; later packets need
--conn-sig set to the signature of the receiving side.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := decodeHex(args[0])
			if err != nil {
				return fmt.Errorf("packet: %w", err)
			}
			key, err := decodeHex(sessionKey)
			if err != nil {
				return fmt.Errorf("session key: %w", err)
			}
			sig, err := decodeHex(connSig)
			if err != nil {
				return fmt.Errorf("connection signature: %w", err)
			}
			if len(sig) != 0 && len(sig) != packet.SignatureSize {
				return fmt.Errorf("connection signature must be %d bytes", packet.SignatureSize)
			}

			p, _, err := packet.Decode(raw)
			if err != nil {
				return err
			}
			signer, err := packet.NewSigner(accessKey)
			if err != nil {
				return err
			}
			computed, err := signer.Sign(p, key, sig)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "packet:   %v\n", p)
			fmt.Fprintf(out, "carried:  %x\n", p.Signature[:])
			fmt.Fprintf(out, "computed: %x\n", computed[:])
			if computed != p.Signature {
				return fmt.Errorf("signature mismatch")
			}
			fmt.Fprintln(out, "valid")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&accessKey, "access-key", defaultAccessKey, "game server access key")
	f.StringVar(&sessionKey, "session-key", "", "session key as hex")
	f.StringVar(&connSig, "conn-sig", "", "connection signature as hex")
	return cmd
}

func decodeHex(s string) ([]byte, error) {
	clean := strings.Join(strings.Fields(s), "")
	if clean == "" {
		return nil, nil
	}
	return hex.DecodeString(clean)
}
