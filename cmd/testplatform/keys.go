package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/joncooperworks/testplatform/trust"
)

func newKeysCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage module signing keys in the OS keyring",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "generate <key-id>",
			Short: "Generate a signing key and print its public key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := a.openStore(a.cfg.Trust.Service)
				if err != nil {
					return err
				}
				pub, err := trust.GenerateKey(store, args[0])
				if err != nil {
					return err
				}
				pemData, err := trust.EncodePublicKey(pub)
				if err != nil {
					return err
				}
				a.printf("%s %s (%s)\n%s", okStyle.Render("Generated"), args[0], trust.Fingerprint(pub), pemData)
				return nil
			},
		},
		&cobra.Command{
			Use:   "import <key-id> <public-key.pem>",
			Short: "Trust a publisher's public key",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				pemData, err := os.ReadFile(args[1])
				if err != nil {
					return fmt.Errorf("read public key: %w", err)
				}
				store, err := a.openStore(a.cfg.Trust.Service)
				if err != nil {
					return err
				}
				pub, err := trust.ImportPublicKey(store, args[0], pemData)
				if err != nil {
					return err
				}
				a.printf("%s %s (%s)\n", okStyle.Render("Imported"), args[0], trust.Fingerprint(pub))
				return nil
			},
		},
		&cobra.Command{
			Use:   "export <key-id>",
			Short: "Print a key's public half in PEM form",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := a.openStore(a.cfg.Trust.Service)
				if err != nil {
					return err
				}
				pub, err := store.PublicKey(args[0])
				if err != nil {
					return err
				}
				pemData, err := trust.EncodePublicKey(pub)
				if err != nil {
					return err
				}
				a.printf("%s", pemData)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored keys",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := a.openStore(a.cfg.Trust.Service)
				if err != nil {
					return err
				}
				keys, err := store.ListKeys()
				if err != nil {
					return err
				}
				if len(keys) == 0 {
					a.printf("%s\n", warnStyle.Render("No keys stored."))
					return nil
				}
				rows := make([][]string, 0, len(keys))
				for _, k := range keys {
					kind := "public"
					if k.HasPrivate {
						kind = "signing"
					}
					rows = append(rows, []string{k.ID, k.Fingerprint, kind})
				}
				a.printf("%s\n", table([]string{"KEY", "FINGERPRINT", "TYPE"}, rows))
				return nil
			},
		},
	)
	return cmd
}

func newSignCommand(a *app) *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "sign <module>...",
		Short: "Write a detached signature next to each module",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(a.cfg.Trust.Service)
			if err != nil {
				return err
			}
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read module: %w", err)
				}
				sig, err := trust.Sign(store, keyID, filepath.Base(path), data)
				if err != nil {
					return err
				}
				if err := trust.WriteSignature(trust.SignatureFile(path), sig); err != nil {
					return err
				}
				a.printf("%s %s -> %s\n", okStyle.Render("Signed"), path, trust.SignatureFile(path))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&keyID, "key", "k", "", "signing key ID")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
