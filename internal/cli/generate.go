package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"studio/internal/compare"
	"studio/internal/domain"
	"studio/internal/domain/jsoncfg"
)

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Generate one image",
	Long: `Start a single generation and follow it until the image is ready or
failed. Without --wait the command returns as soon as the render is queued.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runGenerate,
}

var variationsCmd = &cobra.Command{
	Use:   "variations <prompt>",
	Short: "Generate three variations and store them as a group",
	Args:  cobra.MinimumNArgs(1),
	Run:   runVariations,
}

var compareCmd = &cobra.Command{
	Use:   "compare <prompt>",
	Short: "Generate three variations and keep only the ones you pick",
	Long: `Render every variant under one credit session. Nothing is stored
unless named with --save, e.g. --save v1,v3.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runCompare,
}

var (
	genAspect  string
	genProduct string
	genLocale  string
	genWait    time.Duration
	genCost    int
	genMax     int
	genSave    []string
)

func init() {
	for _, cmd := range []*cobra.Command{generateCmd, variationsCmd, compareCmd} {
		cmd.Flags().StringVar(&genAspect, "aspect", "", "Aspect ratio, e.g. 1:1 or 16:9")
		cmd.Flags().StringVar(&genProduct, "product", "", "Product id the image belongs to")
		cmd.Flags().StringVar(&genLocale, "locale", "", "Prompt locale (en, id)")
	}
	generateCmd.Flags().DurationVar(&genWait, "wait", 3*time.Minute, "How long to follow the image; 0 returns once queued")
	for _, cmd := range []*cobra.Command{variationsCmd, compareCmd} {
		cmd.Flags().IntVar(&genCost, "credit-cost", jsoncfg.DefaultCreditCost, "Credits charged for the session")
		cmd.Flags().IntVar(&genMax, "max-generations", jsoncfg.DefaultMaxGenerations, "Generations the session allows")
	}
	compareCmd.Flags().StringSliceVar(&genSave, "save", nil, "Variants to store once ready")
}

func generateInput(args []string) jsoncfg.GenerateJSON {
	return jsoncfg.GenerateJSON{
		Prompt:      strings.Join(args, " "),
		AspectRatio: genAspect,
		ProductID:   genProduct,
		Locale:      genLocale,
	}
}

func runGenerate(cmd *cobra.Command, args []string) {
	c := initStudioContext()
	defer c.Close()

	ws, err := c.workspace()
	if err != nil {
		exitError("%v", err)
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go func() { _ = ws.Run(ctx) }()
	defer ws.Close()

	img, err := ws.Generate(ctx, generateInput(args))
	if err != nil {
		reportFailure(err)
	}
	color.New(color.FgYellow).Printf("image %s ", img.ID)
	fmt.Println("queued")
	if genWait <= 0 {
		return
	}

	waitCtx, stop := context.WithTimeout(ctx, genWait)
	defer stop()
	final, err := followImage(waitCtx, c, img.ID)
	if err != nil {
		exitError("%v", err)
	}
	printImage(*final)
	fmt.Printf("credits left: %d\n", ws.Credits())
}

// followImage waits until the row leaves the generating state.
func followImage(ctx context.Context, c *cmdContext, id string) (*domain.Image, error) {
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		img, err := c.Images.Get(ctx, c.Owner(), id)
		if err != nil {
			return nil, err
		}
		if img.Status != domain.ImageStatusGenerating {
			return img, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("image %s still generating: %w", shortID(id), ctx.Err())
		case <-tick.C:
		}
	}
}

func sessionInput(args []string) jsoncfg.VariationsJSON {
	return jsoncfg.VariationsJSON{
		GenerateJSON:   generateInput(args),
		CreditCost:     genCost,
		MaxGenerations: genMax,
	}
}

func runVariations(cmd *cobra.Command, args []string) {
	c := initStudioContext()
	defer c.Close()

	b, err := c.Dispatcher.GenerateVariations(cmd.Context(), c.Owner(), sessionInput(args))
	if err != nil {
		reportFailure(err)
	}
	followBatch(b)
	snap, _ := b.Wait(cmd.Context())
	rows := 0
	for _, res := range snap {
		if res.Image != nil {
			rows++
		}
	}
	fmt.Printf("group %s: %d of %d stored\n", b.ID(), rows, len(domain.Variants))
}

func runCompare(cmd *cobra.Command, args []string) {
	c := initStudioContext()
	defer c.Close()

	b, err := c.Dispatcher.Compare(cmd.Context(), c.Owner(), sessionInput(args))
	if err != nil {
		reportFailure(err)
	}
	defer b.Close()
	followBatch(b)

	for _, name := range genSave {
		v, err := domain.ParseVariant(name)
		if err != nil {
			exitError("%v", err)
		}
		img, err := b.Save(cmd.Context(), v)
		if err != nil {
			color.New(color.FgRed).Printf("save %s: %s\n", v, domain.UserMessage(err))
			continue
		}
		color.New(color.FgGreen).Printf("saved %s ", v)
		fmt.Printf("as %s\n", img.ID)
	}
}

// followBatch prints each variant as it resolves.
func followBatch(b *compare.Batch) {
	fmt.Printf("batch %s (session %s)\n", b.ID(), shortID(b.Session().ID))
	for res := range b.Updates() {
		switch res.Status {
		case compare.StatusReady:
			color.New(color.FgGreen).Printf("  %s ready", res.Variant)
			if res.Image != nil {
				fmt.Printf("  %s", res.Image.ImageURL)
			} else if res.Err != nil {
				color.New(color.FgRed).Printf("  not stored: %s", domain.UserMessage(res.Err))
			}
			fmt.Println()
		default:
			color.New(color.FgRed).Printf("  %s failed", res.Variant)
			fmt.Printf("  %s\n", domain.UserMessage(res.Err))
		}
	}
}

func reportFailure(err error) {
	var ice *domain.InsufficientCreditsError
	if errors.As(err, &ice) {
		exitError("%s (balance %d)", domain.UserMessage(err), ice.Balance)
	}
	exitError("%s: %v", domain.UserMessage(err), err)
}
