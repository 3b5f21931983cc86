package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/choiyounggi/linkly-calendar/internal/authz"
	"github.com/choiyounggi/linkly-calendar/internal/chat"
	"github.com/choiyounggi/linkly-calendar/internal/config"
	"github.com/choiyounggi/linkly-calendar/internal/envelope"
	"github.com/choiyounggi/linkly-calendar/internal/store"
	"github.com/choiyounggi/linkly-calendar/pkg/chatclient"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "keygen":
		err = runKeygen(args)
	case "seed":
		err = runSeed(args)
	case "token":
		err = runToken(args)
	case "listen", "send":
		err = chatclient.RunCLI(os.Args[0], os.Args[1:], io.Discard)
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  keygen    Generate a 32-byte message encryption key")
	fmt.Fprintln(os.Stderr, "  seed      Create a couple with two members for local runs")
	fmt.Fprintln(os.Stderr, "  token     Issue a handshake token for a couple member")
	for _, line := range (chatclient.UsageError{}).UsageLines()[1:] {
		fmt.Fprintln(os.Stderr, line)
	}
	os.Exit(2)
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	version := fs.Int("version", 1, "key version")
	cipher := fs.String("cipher", string(envelope.CipherAESGCM), "aes-256-gcm or chacha20-poly1305")
	format := fs.String("format", "hex", "hex or base64")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := envelope.ParseCipher(*cipher)
	if err != nil {
		return err
	}

	var raw [envelope.KeySize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return err
	}
	var encoded string
	switch *format {
	case "hex":
		encoded = hex.EncodeToString(raw[:])
	case "base64":
		encoded = base64.StdEncoding.EncodeToString(raw[:])
	default:
		return fmt.Errorf("unknown format %q", *format)
	}

	entry := fmt.Sprintf("%d:%s:%s", *version, c, encoded)
	// Round-trip through the parser so a printed key is always loadable.
	if _, err := envelope.ParseKeyRing(entry, "", *version); err != nil {
		return err
	}
	fmt.Println(encoded)
	fmt.Fprintf(os.Stderr, "CHAT_ENCRYPTION_KEYS=%s\nCHAT_ENCRYPTION_KEY_VERSION=%d\n", entry, *version)
	return nil
}

func runSeed(args []string) error {
	cfg := config.Load()
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	driver := fs.String("db-driver", cfg.DatabaseDriver, "postgres or sqlite")
	dsn := fs.String("db-url", cfg.DatabaseURL, "database DSN")
	coupleID := fs.String("couple", "couple_1", "couple id")
	users := fs.String("users", "user_1,user_2", "two comma-separated user ids")
	provider := fs.String("provider", "seed", "auth provider recorded for both members")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ids := strings.Split(*users, ",")
	if len(ids) != 2 || strings.TrimSpace(ids[0]) == "" || strings.TrimSpace(ids[1]) == "" {
		return errors.New("-users needs exactly two ids")
	}

	db, err := store.Open(*driver, *dsn)
	if err != nil {
		return err
	}
	st := store.New(db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.AutoMigrate(ctx); err != nil {
		return err
	}

	// Provider ids follow the seed_user_N convention the identity
	// endpoint defaults to.
	return st.WithTx(ctx, func(tx *store.Store) error {
		for i, id := range ids {
			m := store.Member{
				CoupleID:       *coupleID,
				UserID:         strings.TrimSpace(id),
				ProviderUserID: fmt.Sprintf("seed_user_%d", i+1),
				AuthProvider:   *provider,
			}
			if err := tx.Members().Add(ctx, m); err != nil {
				return err
			}
			fmt.Printf("member couple=%s user=%s providerUserId=%s\n", m.CoupleID, m.UserID, m.ProviderUserID)
		}
		fmt.Printf("default identity: %s\n", chat.DefaultProviderUserID)
		return nil
	})
}

func runToken(args []string) error {
	cfg := config.Load()
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", cfg.HandshakeSecret, "HS256 shared secret")
	edKey := fs.String("ed25519-key", "", "base64 Ed25519 private key (EdDSA instead of HS256)")
	kid := fs.String("kid", "", "key id header for EdDSA tokens")
	issuer := fs.String("issuer", cfg.HandshakeIssuer, "token issuer")
	coupleID := fs.String("couple", "", "couple id")
	userID := fs.String("user", "", "user id")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *coupleID == "" || *userID == "" {
		return errors.New("-couple and -user are required")
	}

	var (
		signer *authz.Signer
		err    error
	)
	if *edKey != "" {
		signer, err = authz.NewEd25519Signer(*edKey, *kid, *issuer)
	} else {
		signer, err = authz.NewHMACSigner(*secret, *issuer)
	}
	if err != nil {
		return err
	}

	tok, err := signer.Sign(authz.Identity{CoupleID: *coupleID, UserID: *userID}, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
