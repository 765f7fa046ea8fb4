package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/narrator/internal/config"
	"github.com/MrWong99/narrator/pkg/credential"
	"github.com/MrWong99/narrator/pkg/credential/sqlite"
)

var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"creds"},
	Short:   "Manage stored backend API keys",
	Long: "Manage the secrets in the credential store.\n\n" +
		"ACCOUNT is a backend ID (stored as backend/<id>) or a full account name\n" +
		"containing a slash.",
}

func init() {
	credentialsCmd.AddCommand(
		&cobra.Command{
			Use:   "set ACCOUNT [SECRET]",
			Short: "Store a secret; read from stdin when SECRET is omitted",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  runCredentialsSet,
		},
		&cobra.Command{
			Use:   "get ACCOUNT",
			Short: "Print a stored secret",
			Args:  cobra.ExactArgs(1),
			RunE:  runCredentialsGet,
		},
		&cobra.Command{
			Use:   "delete ACCOUNT",
			Short: "Remove a secret",
			Args:  cobra.ExactArgs(1),
			RunE:  runCredentialsDelete,
		},
		&cobra.Command{
			Use:   "exists ACCOUNT",
			Short: "Report whether a secret is stored",
			Args:  cobra.ExactArgs(1),
			RunE:  runCredentialsExists,
		},
		&cobra.Command{
			Use:   "list",
			Short: "List the stored account names",
			Args:  cobra.NoArgs,
			RunE:  runCredentialsList,
		},
	)
}

// openCredentials opens the persistent credential store of the config.
func openCredentials() (*sqlite.Store, error) {
	if cfg.Credentials.Store != config.CredentialsSQLite {
		return nil, fmt.Errorf("credential store %q is not persistent; set credentials.store to sqlite", cfg.Credentials.Store)
	}
	return sqlite.Open(cfg.Credentials.Path)
}

func account(arg string) string {
	if strings.Contains(arg, "/") {
		return arg
	}
	return credential.BackendAccount(arg)
}

func runCredentialsSet(cmd *cobra.Command, args []string) error {
	secret := ""
	if len(args) == 2 {
		secret = args[1]
	} else {
		sc := bufio.NewScanner(cmd.InOrStdin())
		if sc.Scan() {
			secret = strings.TrimSpace(sc.Text())
		}
		if err := sc.Err(); err != nil {
			return err
		}
	}
	if secret == "" {
		return errors.New("secret must not be empty")
	}

	store, err := openCredentials()
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Save(cmd.Context(), account(args[0]), secret); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", account(args[0]))
	return nil
}

func runCredentialsGet(cmd *cobra.Command, args []string) error {
	store, err := openCredentials()
	if err != nil {
		return err
	}
	defer store.Close()
	secret, err := store.Get(cmd.Context(), account(args[0]))
	if errors.Is(err, credential.ErrNotFound) {
		return fmt.Errorf("no secret stored for %s", account(args[0]))
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), secret)
	return nil
}

func runCredentialsDelete(cmd *cobra.Command, args []string) error {
	store, err := openCredentials()
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Delete(cmd.Context(), account(args[0]))
}

func runCredentialsExists(cmd *cobra.Command, args []string) error {
	store, err := openCredentials()
	if err != nil {
		return err
	}
	defer store.Close()
	ok, err := store.Exists(cmd.Context(), account(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ok)
	return nil
}

func runCredentialsList(cmd *cobra.Command, _ []string) error {
	store, err := openCredentials()
	if err != nil {
		return err
	}
	defer store.Close()
	accounts, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	for _, a := range accounts {
		fmt.Fprintln(cmd.OutOrStdout(), a)
	}
	return nil
}
