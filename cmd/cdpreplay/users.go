package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"github.com/pquerna/otp/totp"
	"github.com/spf13/cobra"

	"pkt.systems/cdpreplay/internal/appconfig"
	"pkt.systems/cdpreplay/internal/auth"
	"pkt.systems/cdpreplay/schema"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
)

const (
	defaultPasswordLength = 20
	totpIssuer            = "cdpreplay"
)

func newUsersCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage control API users",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	cmd.AddCommand(newUsersListCmd(&cfgPath))
	cmd.AddCommand(newUsersAddCmd(&cfgPath))
	cmd.AddCommand(newUsersDeleteCmd(&cfgPath))
	cmd.AddCommand(newUsersRotateTOTP(&cfgPath))
	cmd.AddCommand(newUsersChpasswd(&cfgPath))
	cmd.AddCommand(newUsersRoleCmd(&cfgPath))

	return cmd
}

func openUserStore(cmd *cobra.Command, cfgPath string) (*auth.Store, error) {
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return auth.NewStore(cfg.Auth.UserFile, cfg.Auth.SeedUsers, pslog.Ctx(cmd.Context()))
}

func newUsersListCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openUserStore(cmd, *cfgPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, user := range store.Users() {
				role := user.Role
				if role == "" {
					role = auth.RoleAdmin
				}
				_, _ = fmt.Fprintf(out, "%s  %s\n", user.Username, role)
			}
			return nil
		},
	}
}

func newUsersAddCmd(cfgPath *string) *cobra.Command {
	var passwordFromStdin bool
	var autoPassword bool
	var roleName string
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Add a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]
			if err := validateUsername(username); err != nil {
				return err
			}
			role, err := auth.ParseRole(roleName)
			if err != nil {
				return err
			}
			password, generated, err := resolvePassword(cmd, passwordFromStdin, autoPassword)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			secret, url, err := generateTOTP(username)
			if err != nil {
				return err
			}
			store, err := openUserStore(cmd, *cfgPath)
			if err != nil {
				return err
			}
			if err := store.AddUser(auth.User{
				Username:     username,
				PasswordHash: hash,
				TOTPSecret:   secret,
				Role:         role,
			}); err != nil {
				return err
			}
			printUserEnrollment(cmd.OutOrStdout(), username, role, password, generated, secret, url)
			return nil
		},
	}
	cmd.Flags().BoolVar(&passwordFromStdin, "password-from-stdin", false, "read password from stdin")
	cmd.Flags().BoolVar(&autoPassword, "auto-password", false, "generate a random password")
	cmd.Flags().StringVar(&roleName, "role", string(auth.RoleOperator), "role: viewer, operator or admin")
	return cmd
}

func newUsersDeleteCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openUserStore(cmd, *cfgPath)
			if err != nil {
				return err
			}
			if err := store.DeleteUser(args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted user: %s\n", args[0])
			return nil
		},
	}
}

func newUsersRotateTOTP(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-totp <username>",
		Short: "Rotate TOTP secret for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]
			if err := validateUsername(username); err != nil {
				return err
			}
			secret, url, err := generateTOTP(username)
			if err != nil {
				return err
			}
			store, err := openUserStore(cmd, *cfgPath)
			if err != nil {
				return err
			}
			if err := store.SetTOTP(username, secret); err != nil {
				return err
			}
			printUserEnrollment(cmd.OutOrStdout(), username, "", "", false, secret, url)
			return nil
		},
	}
}

func newUsersChpasswd(cfgPath *string) *cobra.Command {
	var passwordFromStdin bool
	var autoPassword bool
	cmd := &cobra.Command{
		Use:   "chpasswd <username>",
		Short: "Change a user's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]
			if err := validateUsername(username); err != nil {
				return err
			}
			password, generated, err := resolvePassword(cmd, passwordFromStdin, autoPassword)
			if err != nil {
				return err
			}
			store, err := openUserStore(cmd, *cfgPath)
			if err != nil {
				return err
			}
			if err := store.SetPassword(username, password); err != nil {
				return err
			}
			printUserEnrollment(cmd.OutOrStdout(), username, "", password, generated, "", "")
			return nil
		},
	}
	cmd.Flags().BoolVar(&passwordFromStdin, "password-from-stdin", false, "read password from stdin")
	cmd.Flags().BoolVar(&autoPassword, "auto-password", false, "generate a random password")
	return cmd
}

func newUsersRoleCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "role <username> <viewer|operator|admin>",
		Short: "Change a user's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]
			if err := validateUsername(username); err != nil {
				return err
			}
			role, err := auth.ParseRole(args[1])
			if err != nil {
				return err
			}
			store, err := openUserStore(cmd, *cfgPath)
			if err != nil {
				return err
			}
			if err := store.SetRole(username, role); err != nil {
				return err
			}
			printUserEnrollment(cmd.OutOrStdout(), username, role, "", false, "", "")
			return nil
		},
	}
}

func resolvePassword(cmd *cobra.Command, fromStdin, auto bool) (string, bool, error) {
	if fromStdin && auto {
		return "", false, errors.New("choose one of --password-from-stdin or --auto-password")
	}
	if fromStdin {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", false, err
		}
		pass := strings.TrimSpace(string(data))
		if pass == "" {
			return "", false, errors.New("password from stdin is empty")
		}
		return pass, false, nil
	}
	if auto {
		pass, err := generatePassword(defaultPasswordLength)
		if err != nil {
			return "", false, err
		}
		return pass, true, nil
	}
	passphrase, err := keymgmt.PromptPassphrase(cmd.InOrStdin(), "Password: ", cmd.ErrOrStderr())
	if err != nil {
		return "", false, err
	}
	confirm, err := keymgmt.PromptPassphrase(cmd.InOrStdin(), "Confirm password: ", cmd.ErrOrStderr())
	if err != nil {
		return "", false, err
	}
	if string(passphrase) != string(confirm) {
		return "", false, errors.New("passwords do not match")
	}
	pass := string(passphrase)
	if pass == "" {
		return "", false, errors.New("password is empty")
	}
	return pass, false, nil
}

func generatePassword(length int) (string, error) {
	if length <= 0 {
		length = defaultPasswordLength
	}
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = charset[int(b)%len(charset)]
	}
	return string(buf), nil
}

func generateTOTP(username string) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: username,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

func printUserEnrollment(w io.Writer, username string, role auth.Role, password string, showPassword bool, secret, url string) {
	_, _ = fmt.Fprintf(w, "username: %s\n", username)
	if role != "" {
		_, _ = fmt.Fprintf(w, "role: %s\n", role)
	}
	if showPassword && password != "" {
		_, _ = fmt.Fprintf(w, "password: %s\n", password)
	}
	if secret != "" {
		_, _ = fmt.Fprintf(w, "totp_secret: %s\n", secret)
	}
	if url != "" {
		_, _ = fmt.Fprintf(w, "otpauth_url: %s\n", url)
		_, _ = fmt.Fprintln(w, "totp_qr:")
		qrterminal.GenerateHalfBlock(url, qrterminal.L, w)
	}
}

func validateUsername(username string) error {
	if err := schema.ValidateUserID(schema.UserID(username)); err != nil {
		return errors.New("invalid username: must match [a-z0-9._-]")
	}
	return nil
}
