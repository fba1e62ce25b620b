package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tgfeed/tca/internal/app"
	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
	"github.com/tgfeed/tca/internal/upstream"
)

// loginSessionTTL bounds one interactive login exchange. Telegram codes
// expire on their own well within this.
const loginSessionTTL = 10 * time.Minute

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign an account in to Telegram",
	Long: `Run the interactive authentication flow for an account: send the login
code to the phone, prompt for it, and handle the optional cloud password.
The resulting session is encrypted and stored on the account row.

Examples:
  tca login --account 1 --phone +15551234567`,
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, _ := cmd.Flags().GetInt64("account")
		phone, _ := cmd.Flags().GetString("phone")
		phone = strings.TrimSpace(phone)
		if accountID <= 0 {
			return errors.New("--account is required")
		}
		if phone == "" {
			return errors.New("--phone is required")
		}
		return withUnlockedApp(cmd, func(ctx context.Context, a *app.App) error {
			return runLogin(ctx, a, accountID, phone)
		})
	},
}

func runLogin(ctx context.Context, a *app.App, accountID int64, phone string) error {
	client, err := a.Upstream().ClientFor(ctx, accountID)
	if err != nil {
		return fmt.Errorf("connect account %d: %w", accountID, err)
	}

	codeHash, err := client.SendCode(ctx, phone)
	if err != nil {
		return fmt.Errorf("send code: %w", err)
	}

	sess := &types.AuthSession{
		SessionID:   uuid.NewString(),
		PhoneNumber: phone,
		Status:      types.AuthCodeSent,
		CodeHash:    codeHash,
		ExpiresAt:   time.Now().UTC().Add(loginSessionTTL),
	}
	if err := a.Writer().Submit(ctx, func(tx *sql.Tx) error {
		// Rows left behind by abandoned flows go out with the new insert.
		if _, err := repo.DeleteExpiredAuthSessions(ctx, tx, time.Now().UTC()); err != nil {
			return err
		}
		return repo.CreateAuthSession(ctx, tx, sess)
	}); err != nil {
		return err
	}
	setStatus := func(status types.AuthStatus) {
		_ = a.Writer().Submit(ctx, func(tx *sql.Tx) error {
			return repo.UpdateAuthSession(ctx, tx, sess.SessionID, status, sess.CodeHash, nil, time.Now().UTC())
		})
	}

	var code string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Verification code").
			Description(fmt.Sprintf("Sent to %s", phone)).
			Value(&code).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("code is required")
				}
				return nil
			}),
	))
	if err := form.Run(); err != nil {
		setStatus(types.AuthFailed)
		return err
	}
	code = strings.TrimSpace(code)

	// The code prompt can sit open indefinitely; give a clear answer when
	// the session lapsed instead of relaying Telegram's rejection.
	if _, err := repo.GetAuthSession(ctx, a.Store().Read(), sess.SessionID, time.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = a.Writer().Submit(ctx, func(tx *sql.Tx) error {
				return repo.DeleteAuthSession(ctx, tx, sess.SessionID)
			})
			return fmt.Errorf("login session expired after %s; run 'tca login' again", loginSessionTTL)
		}
		return err
	}

	err = client.SignIn(ctx, phone, code, codeHash, "")
	if kind, ok := upstream.KindOf(err); ok && kind == upstream.KindPasswordNeeded {
		setStatus(types.AuthPasswordNeeded)
		var password string
		pwForm := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Cloud password").
				Description("This account has two-step verification enabled").
				EchoMode(huh.EchoModePassword).
				Value(&password),
		))
		if err := pwForm.Run(); err != nil {
			setStatus(types.AuthFailed)
			return err
		}
		err = client.SignIn(ctx, phone, code, codeHash, password)
	}
	if err != nil {
		setStatus(types.AuthFailed)
		return fmt.Errorf("sign in: %w", err)
	}

	setStatus(types.AuthAuthorized)
	fmt.Printf("Account %d signed in; session stored encrypted\n", accountID)
	return nil
}

func init() {
	loginCmd.Flags().Int64("account", 0, "Account id to sign in")
	loginCmd.Flags().String("phone", "", "Phone number in international format")
	rootCmd.AddCommand(loginCmd)
}
