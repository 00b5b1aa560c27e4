package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"studio/internal/infra/credentials"
	"studio/internal/middleware"
	"studio/internal/sqlinline"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Show or grant credits",
	Run:   runCreditsShow,
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant <amount>",
	Short: "Add credits to the user's balance",
	Args:  cobra.ExactArgs(1),
	Run:   runCreditsGrant,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage backend and API tokens",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set <provider> [token]",
	Short: "Store a backend token (v1, v2, v3 or edit)",
	Long: `Store the token a generation backend is called with. The token is read
from the argument or, when omitted, from BACKEND_<PROVIDER>_TOKEN.`,
	Args: cobra.RangeArgs(1, 2),
	Run:  runTokenSet,
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Sign an API bearer token for --user and --brand",
	Run:   runTokenMint,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Run:   runMigrate,
}

var mintTTL time.Duration

func init() {
	creditsCmd.AddCommand(creditsGrantCmd)
	tokenCmd.AddCommand(tokenSetCmd)
	tokenCmd.AddCommand(tokenMintCmd)
	tokenMintCmd.Flags().DurationVar(&mintTTL, "ttl", 24*time.Hour, "Token lifetime")
}

func runCreditsShow(cmd *cobra.Command, args []string) {
	if ownerUser == "" {
		exitError("--user is required")
	}
	c := initContext()
	defer c.Close()

	balance, err := c.Ledger.Balance(cmd.Context(), ownerUser)
	if err != nil {
		exitError("failed to read balance: %v", err)
	}
	fmt.Printf("%s: %d credits\n", ownerUser, balance)
}

func runCreditsGrant(cmd *cobra.Command, args []string) {
	if ownerUser == "" {
		exitError("--user is required")
	}
	amount, err := strconv.Atoi(args[0])
	if err != nil || amount <= 0 {
		exitError("amount must be a positive integer")
	}
	c := initContext()
	defer c.Close()

	balance, err := c.Ledger.Grant(cmd.Context(), ownerUser, amount)
	if err != nil {
		exitError("failed to grant credits: %v", err)
	}
	color.New(color.FgGreen).Printf("+%d ", amount)
	fmt.Printf("%s now has %d credits\n", ownerUser, balance)
}

func runTokenSet(cmd *cobra.Command, args []string) {
	variant := strings.ToLower(strings.TrimSpace(args[0]))
	switch variant {
	case "v1", "v2", "v3", "edit":
	default:
		exitError("unsupported provider %q", args[0])
	}
	token := ""
	if len(args) == 2 {
		token = args[1]
	} else {
		token = os.Getenv("BACKEND_" + strings.ToUpper(variant) + "_TOKEN")
	}
	if strings.TrimSpace(token) == "" {
		exitError("token is required via argument or BACKEND_%s_TOKEN", strings.ToUpper(variant))
	}

	c := initContext()
	defer c.Close()

	provider := credentials.ProviderForVariant(variant)
	props := map[string]any{"set_by": "studioctl", "set_at": time.Now().UTC().Format(time.RFC3339)}
	if err := credentials.NewStore(c.Runner).SetToken(cmd.Context(), provider, token, props); err != nil {
		exitError("failed to persist %s token: %v", provider, err)
	}
	fmt.Printf("stored token for %s\n", provider)
}

func runTokenMint(cmd *cobra.Command, args []string) {
	requireOwner()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		exitError("JWT_SECRET is required")
	}
	token, err := middleware.SignJWT(secret, middleware.TokenClaims{
		Sub:     ownerUser,
		BrandID: ownerBrand,
		Exp:     time.Now().Add(mintTTL).Unix(),
	})
	if err != nil {
		exitError("%v", err)
	}
	fmt.Println(token)
}

func runMigrate(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if _, err := c.Runner.Exec(cmd.Context(), sqlinline.QCreateSchema); err != nil {
		exitError("migration failed: %v", err)
	}
	color.New(color.FgGreen).Println("schema up to date")
}
