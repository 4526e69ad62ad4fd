package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meszmate/ircotr/internal/identity"
)

func fingerprintsCmd() *cobra.Command {
	var network string
	var own bool

	cmd := &cobra.Command{
		Use:   "fingerprints <nick>",
		Short: "List the peer fingerprints seen by an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, conn, err := openApp(network)
			if err != nil {
				return err
			}
			defer a.Close()

			local, err := a.Codec().Encode(args[0], conn)
			if err != nil {
				return err
			}

			if own {
				fp, err := a.Fingerprint(cmd.Context(), conn, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s %s\n\n", styles.Header.Render("Your fingerprint:"), styles.Fingerprint.Render(formatFingerprint(fp)))
			}

			fps, err := a.Storage().Fingerprints(string(local))
			if err != nil {
				return err
			}
			if len(fps) == 0 {
				fmt.Println(styles.Muted.Render("No fingerprints seen yet."))
				return nil
			}

			for _, fp := range fps {
				peer, _, _ := identity.Split(identity.SessionIdentity(fp.Peer))
				fmt.Printf("%s %s %s %s\n",
					styles.Nick.Width(16).Render(peer),
					styles.Fingerprint.Render(formatFingerprint(fp.Fingerprint)),
					trustBadge(styles, fp.Verified),
					styles.Muted.Render("last seen "+fp.LastSeen.Format("2006-01-02 15:04")),
				)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&network, "network", "n", "default", "network the nickname belongs to")
	cmd.Flags().BoolVar(&own, "own", false, "also print our own fingerprint, generating the key if needed")

	cmd.AddCommand(verifyCmd(&network, true), verifyCmd(&network, false), forgetFingerprintCmd(&network))
	return cmd
}

func verifyCmd(network *string, verified bool) *cobra.Command {
	use, short := "verify", "Mark a peer fingerprint as verified"
	if !verified {
		use, short = "distrust", "Mark a peer fingerprint as not verified"
	}

	return &cobra.Command{
		Use:   use + " <nick> <peer> <fingerprint>",
		Short: short,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := parseFingerprint(args[2])
			if err != nil {
				return err
			}

			a, conn, err := openApp(*network)
			if err != nil {
				return err
			}
			defer a.Close()

			local, peer, err := a.Pair(conn, args[0], args[1])
			if err != nil {
				return err
			}
			if err := a.Storage().SetFingerprintVerified(local, peer, fp, verified); err != nil {
				return err
			}

			fmt.Printf("%s %s\n", styles.Nick.Render(args[1]), trustBadge(styles, verified))
			return nil
		},
	}
}

func forgetFingerprintCmd(network *string) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <nick> <peer> <fingerprint>",
		Short: "Remove a peer fingerprint",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := parseFingerprint(args[2])
			if err != nil {
				return err
			}

			a, conn, err := openApp(*network)
			if err != nil {
				return err
			}
			defer a.Close()

			local, peer, err := a.Pair(conn, args[0], args[1])
			if err != nil {
				return err
			}
			return a.Storage().DeleteFingerprint(local, peer, fp)
		},
	}
}
