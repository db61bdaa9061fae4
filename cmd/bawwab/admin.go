package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/leibniz-psychology/bawwab/internal/config"
	"github.com/leibniz-psychology/bawwab/internal/store"
)

// readSecrets fills empty values from successive lines of r.
func readSecrets(r io.Reader, values ...*string) error {
	sc := bufio.NewScanner(r)
	for _, v := range values {
		if *v != "" {
			continue
		}
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return err
			}
			return errors.New("missing password on standard input")
		}
		*v = strings.TrimRight(sc.Text(), "\r")
	}
	return nil
}

func userAdd(ctx context.Context, cfg *config.Config, log zerolog.Logger, args []string) error {
	flagSet := pflag.NewFlagSet("useradd", pflag.ContinueOnError)
	password := flagSet.String("password", "", "gateway login password (read from stdin if empty)")
	sshPassword := flagSet.String("ssh-password", "", "backend password (read from stdin if empty)")
	withTOTP := flagSet.Bool("totp", false, "require a TOTP second factor and print its provisioning URL")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("usage: bawwab useradd [flags] <name>")
	}
	name := flagSet.Arg(0)

	if err := readSecrets(os.Stdin, password, sshPassword); err != nil {
		return err
	}

	nu := store.NewUser{Name: name, Password: *password, SSHPassword: *sshPassword}
	var provisioning string
	if *withTOTP {
		key, err := totp.Generate(totp.GenerateOpts{Issuer: "bawwab", AccountName: name})
		if err != nil {
			return fmt.Errorf("generate TOTP secret: %w", err)
		}
		nu.TOTPSecret = key.Secret()
		provisioning = key.URL()
	}

	st, closeDB, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := st.CreateUser(ctx, nu); err != nil {
		return err
	}
	if provisioning != "" {
		fmt.Println(provisioning)
	}
	return nil
}

func mintAction(ctx context.Context, cfg *config.Config, log zerolog.Logger, args []string) error {
	flagSet := pflag.NewFlagSet("action", pflag.ContinueOnError)
	user := flagSet.String("user", "", "account whose connection runs the command")
	ttl := flagSet.Duration("ttl", 0, "validity (0 = forever)")
	uses := flagSet.Int("uses", 0, "number of uses (0 = unlimited)")
	extra := flagSet.String("extra-data", "", "JSON echoed in the started notification")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *user == "" || flagSet.NArg() == 0 {
		return errors.New("usage: bawwab action --user <name> [flags] -- <command> [args...]")
	}

	na := store.NewAction{User: *user, Command: flagSet.Args(), TTL: *ttl, Uses: *uses}
	if *extra != "" {
		if !json.Valid([]byte(*extra)) {
			return errors.New("--extra-data is not valid JSON")
		}
		na.ExtraData = json.RawMessage(*extra)
	}

	st, closeDB, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeDB()

	if _, err := st.GetUser(ctx, *user); err != nil {
		return err
	}
	a, err := st.CreateAction(ctx, na)
	if err != nil {
		return err
	}
	fmt.Println(a.Token)
	return nil
}
