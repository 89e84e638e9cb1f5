// Command license-issuer manages the vendor side of the license system:
// root and license key pairs, product-key files and genesis tokens.
//
//	license-issuer keygen      -alg ed25519 -out keys/root
//	license-issuer product-key -root keys/root -root-alg ed25519 -license keys/lic -license-alg sm2 -out product.key
//	license-issuer genesis     -root keys/root ... -code APP-0001 -valid-for 8760h -out APP-0001.json
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/linlurui/decentri-license/internal/config"
	"github.com/linlurui/decentri-license/internal/infrastructure"
	"github.com/linlurui/decentri-license/internal/issuer"
	"github.com/linlurui/decentri-license/internal/security"
	"github.com/linlurui/decentri-license/pkg/contracts"
)

const (
	privateKeySuffix = ".key"
	publicKeySuffix  = ".pub"
)

var errUsage = errors.New("usage: license-issuer <keygen|product-key|genesis|version> [flags]")

func main() {
	logger := infrastructure.NewLogger(config.LoggingConfig{Level: "info"}, os.Stderr)
	if err := run(os.Args[1:], os.Stdout, logger); err != nil {
		logger.Error("license-issuer failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer, logger *slog.Logger) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], logger)
	case "product-key":
		return runProductKey(args[1:], stdout, logger)
	case "genesis":
		return runGenesis(args[1:], stdout, logger)
	case "version":
		_, err := fmt.Fprintln(stdout, contracts.GetFullVersionString("license-issuer"))
		return err
	default:
		return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
	}
}

func runKeygen(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	alg := fs.String("alg", "ed25519", "key algorithm: rsa, ed25519 or sm2")
	out := fs.String("out", "", "output path prefix; writes <out>.key and <out>.pub")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.New("keygen: -out is required")
	}

	algorithm, err := security.ParseAlgorithm(*alg)
	if err != nil {
		return err
	}
	pair, err := security.GenerateKeyPair(algorithm)
	if err != nil {
		return err
	}
	if err := writeKeyPair(*out, pair); err != nil {
		return err
	}
	logger.Info("Key pair written",
		slog.String("algorithm", algorithm.String()),
		slog.String("private_key", *out+privateKeySuffix),
		slog.String("public_key", *out+publicKeySuffix))
	return nil
}

// issuerFlags are shared by the commands that need a certified license key.
type issuerFlags struct {
	root       *string
	rootAlg    *string
	license    *string
	licenseAlg *string
	appID      *string
	out        *string
}

func addIssuerFlags(fs *flag.FlagSet) issuerFlags {
	return issuerFlags{
		root:       fs.String("root", "", "root key pair path prefix"),
		rootAlg:    fs.String("root-alg", "ed25519", "root key algorithm"),
		license:    fs.String("license", "", "license key pair path prefix"),
		licenseAlg: fs.String("license-alg", "ed25519", "license key algorithm"),
		appID:      fs.String("app-id", "default-app", "application id stamped into tokens"),
		out:        fs.String("out", "", "output file (stdout when empty)"),
	}
}

func (f issuerFlags) issuer(clock func() time.Time) (*issuer.Issuer, error) {
	if *f.root == "" || *f.license == "" {
		return nil, errors.New("-root and -license are required")
	}
	root, err := readKeyPair(*f.root, *f.rootAlg)
	if err != nil {
		return nil, fmt.Errorf("root key: %w", err)
	}
	license, err := readKeyPair(*f.license, *f.licenseAlg)
	if err != nil {
		return nil, fmt.Errorf("license key: %w", err)
	}
	var opts []issuer.Option
	if clock != nil {
		opts = append(opts, issuer.WithClock(clock))
	}
	return issuer.New(root, license, *f.appID, opts...)
}

func runProductKey(args []string, stdout io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("product-key", flag.ContinueOnError)
	flags := addIssuerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	iss, err := flags.issuer(nil)
	if err != nil {
		return err
	}
	if err := writeOutput(*flags.out, stdout, iss.ProductKey().Format()); err != nil {
		return err
	}
	logger.Info("Product key written",
		slog.String("root_fingerprint", iss.Anchor().Fingerprint()),
		slog.String("out", *flags.out))
	return nil
}

func runGenesis(args []string, stdout io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("genesis", flag.ContinueOnError)
	flags := addIssuerFlags(fs)
	code := fs.String("code", "", "license code")
	validFor := fs.Duration("valid-for", 0, "validity period; 0 never expires")
	envHash := fs.String("env-hash", "", "environment hash to pin the token to")
	embedKey := fs.Bool("embed-private-key", true, "seal the license private key into the token")
	payload := fs.String("payload", "", "genesis state payload")
	encrypt := fs.Bool("encrypt", false, "write the token in encrypted form")
	issuedAt := fs.Int64("issued-at", 0, "issue time as unix seconds; now when 0")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*code) == "" {
		return errors.New("genesis: -code is required")
	}

	var clock func() time.Time
	if *issuedAt > 0 {
		at := time.Unix(*issuedAt, 0)
		clock = func() time.Time { return at }
	}
	iss, err := flags.issuer(clock)
	if err != nil {
		return err
	}

	tok, err := iss.IssueGenesis(issuer.GenesisRequest{
		LicenseCode:     *code,
		ValidFor:        *validFor,
		EnvironmentHash: *envHash,
		EmbedPrivateKey: *embedKey,
		Payload:         *payload,
	})
	if err != nil {
		return err
	}
	data, err := tok.Encode()
	if err != nil {
		return err
	}

	content := string(data)
	if *encrypt {
		if content, err = security.SealEnvelope(iss.Anchor().EnvelopeKey(), data); err != nil {
			return fmt.Errorf("encrypt token: %w", err)
		}
	}
	if err := writeOutput(*flags.out, stdout, content); err != nil {
		return err
	}
	logger.Info("Genesis token issued",
		slog.String("token_id", tok.TokenID),
		slog.String("app_id", tok.AppID),
		slog.Int64("expire_time", tok.ExpireTime),
		slog.Bool("encrypted", *encrypt))
	return nil
}

func writeKeyPair(prefix string, pair *security.KeyPair) error {
	if err := os.MkdirAll(filepath.Dir(prefix), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(prefix+privateKeySuffix, []byte(pair.PrivateKeyPEM), 0o600); err != nil {
		return err
	}
	return os.WriteFile(prefix+publicKeySuffix, []byte(pair.PublicKeyPEM), 0o644)
}

func readKeyPair(prefix, alg string) (*security.KeyPair, error) {
	algorithm, err := security.ParseAlgorithm(alg)
	if err != nil {
		return nil, err
	}
	priv, err := os.ReadFile(prefix + privateKeySuffix)
	if err != nil {
		return nil, err
	}
	pub, err := os.ReadFile(prefix + publicKeySuffix)
	if err != nil {
		return nil, err
	}
	return &security.KeyPair{
		Algorithm:     algorithm,
		PrivateKeyPEM: string(priv),
		PublicKeyPEM:  string(pub),
	}, nil
}

func writeOutput(path string, stdout io.Writer, content string) error {
	if path == "" {
		_, err := io.WriteString(stdout, content)
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
