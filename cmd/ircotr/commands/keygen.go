package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	var network string
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen <nick>",
		Short: "Create the private key for an account and print its fingerprint",
		Long: "Create the private key for nick on a network. An existing key is kept\n" +
			"unless --force is given, in which case peers will see a new fingerprint.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, conn, err := openApp(network)
			if err != nil {
				return err
			}
			defer a.Close()

			if !cfg.Storage.PersistKeys {
				fmt.Println(styles.Warning.Render("persist_keys is off, the key will not be saved"))
			}

			if force {
				local, err := a.Codec().Encode(args[0], conn)
				if err != nil {
					return err
				}
				if _, err := a.OTR().Keyring().Generate(string(local)); err != nil {
					return err
				}
			}

			// Bounded by key_generation_timeout.
			fp, err := a.Fingerprint(cmd.Context(), conn, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("%s %s\n", styles.Nick.Render(args[0]+"@"+network), styles.Fingerprint.Render(formatFingerprint(fp)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&network, "network", "n", "default", "network the nickname belongs to")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "replace an existing key")
	return cmd
}
