package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meszmate/ircotr/internal/crypto/otr"
	"github.com/meszmate/ircotr/internal/identity"
)

type peerFlags struct {
	network string
	nick    string
	peer    string
}

func (f *peerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.network, "network", "n", "default", "network the nicknames belong to")
	cmd.Flags().StringVar(&f.nick, "nick", "", "our nickname")
	cmd.Flags().StringVar(&f.peer, "peer", "", "peer nickname; with --nick, scopes the policy to one conversation")
}

func (f *peerFlags) scoped() (bool, error) {
	switch {
	case f.nick == "" && f.peer == "":
		return false, nil
	case f.nick == "" || f.peer == "":
		return false, errors.New("--nick and --peer must be given together")
	default:
		return true, nil
	}
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show or change the encryption policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showPolicy()
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Show the default policy and per-peer overrides",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return showPolicy()
			},
		},
		policySetCmd(),
		policyClearCmd(),
	)
	return cmd
}

func showPolicy() error {
	a, _, err := openApp("")
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("%s %s\n", styles.Header.Render("Default policy:"), a.Policy())

	overrides, err := a.Storage().PeerPolicies()
	if err != nil {
		return err
	}
	if len(overrides) == 0 {
		return nil
	}

	fmt.Println()
	fmt.Println(styles.Header.Render("Overrides:"))
	for _, o := range overrides {
		nick, network, ok := identity.Split(identity.SessionIdentity(o.Account))
		peer, _, _ := identity.Split(identity.SessionIdentity(o.Peer))
		if !ok {
			continue
		}
		fmt.Printf("  %s %s %s %s\n",
			styles.Muted.Width(12).Render(string(network)),
			styles.Nick.Width(16).Render(nick),
			styles.Nick.Width(16).Render(peer),
			o.Policy,
		)
	}
	return nil
}

func policySetCmd() *cobra.Command {
	var f peerFlags

	cmd := &cobra.Command{
		Use:       "set <disabled|manual|opportunistic|always>",
		Short:     "Set the default policy, or the policy for one peer",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"disabled", "manual", "opportunistic", "always"},
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := otr.ParsePolicy(args[0])
			if err != nil {
				return err
			}
			scoped, err := f.scoped()
			if err != nil {
				return err
			}

			a, conn, err := openApp(f.network)
			if err != nil {
				return err
			}
			defer a.Close()

			if !scoped {
				if err := a.SetPolicy(policy); err != nil {
					return err
				}
				fmt.Println(styles.Success.Render("Default policy set to " + policy.String()))
				return nil
			}

			if err := a.SetPeerPolicy(conn, f.nick, f.peer, policy); err != nil {
				return err
			}
			fmt.Println(styles.Success.Render(fmt.Sprintf("Policy for %s set to %s", f.peer, policy)))
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func policyClearCmd() *cobra.Command {
	var f peerFlags

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the override for one peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scoped, err := f.scoped()
			if err != nil {
				return err
			}
			if !scoped {
				return errors.New("--nick and --peer are required")
			}

			a, conn, err := openApp(f.network)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.ClearPeerPolicy(conn, f.nick, f.peer)
		},
	}
	f.register(cmd)
	return cmd
}
