package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"studio/internal/compare"
	"studio/internal/domain"
	"studio/internal/versions"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the brand's images",
	Run:   runList,
}

var versionsCmd = &cobra.Command{
	Use:   "versions <image-id>",
	Short: "Show every version of an image",
	Args:  cobra.ExactArgs(1),
	Run:   runVersions,
}

var editCmd = &cobra.Command{
	Use:   "edit <image-id> <prompt>",
	Short: "Edit an image into a new version",
	Long: `Render a new version from the latest version, or from the one named
with --from (0 is the original).`,
	Args: cobra.MinimumNArgs(2),
	Run:  runEdit,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <image-id>",
	Short: "Delete an image",
	Args:  cobra.ExactArgs(1),
	Run:   runDelete,
}

var (
	listGroups bool
	editFrom   int
)

func init() {
	listCmd.Flags().BoolVar(&listGroups, "groups", false, "Show variation groups instead of single images")
	editCmd.Flags().IntVar(&editFrom, "from", -1, "Version index to edit from")
}

func runList(cmd *cobra.Command, args []string) {
	requireOwner()
	c := initContext()
	defer c.Close()

	images, err := c.Images.ListByOwner(cmd.Context(), c.Owner())
	if err != nil {
		exitError("failed to list images: %v", err)
	}
	if len(images) == 0 {
		fmt.Println("No images yet")
		return
	}
	if listGroups {
		for _, g := range compare.GroupImages(images) {
			yellow := color.New(color.FgYellow)
			yellow.Printf("group %s ", shortID(g.ID))
			if err := compare.ValidateGroup(g.Images, len(domain.Variants)); err != nil {
				color.New(color.FgRed).Print("[inconsistent] ")
			}
			fmt.Println(domain.TruncatePrompt(g.Prompt, 60))
			for _, img := range g.Images {
				fmt.Printf("    %s  %s\n", shortID(img.ID), img.ImageURL)
			}
		}
		return
	}
	for _, img := range images {
		printImage(img)
	}
}

func printImage(img domain.Image) {
	color.New(color.FgYellow).Printf("%s ", shortID(img.ID))
	statusColor(img.Status).Printf("%-10s ", img.Status)
	fmt.Printf("edits %d/%d  %s\n", img.EditCount, maxEditsOf(img), domain.TruncatePrompt(img.Prompt, 60))
	if img.ImageURL != "" {
		fmt.Printf("    %s\n", img.ImageURL)
	}
}

func maxEditsOf(img domain.Image) int {
	return img.EditCount + versions.RemainingEdits(img)
}

func statusColor(s domain.ImageStatus) *color.Color {
	switch s {
	case domain.ImageStatusReady:
		return color.New(color.FgGreen)
	case domain.ImageStatusError:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgCyan)
	}
}

func runVersions(cmd *cobra.Command, args []string) {
	requireOwner()
	c := initContext()
	defer c.Close()

	img, err := c.Images.Get(cmd.Context(), c.Owner(), args[0])
	if err != nil {
		exitError("%s", domain.UserMessage(err))
	}
	all := versions.AllVersions(*img)
	for i, v := range all {
		label := "v" + strconv.Itoa(i)
		if i == len(all)-1 {
			color.New(color.FgCyan).Printf("%-4s", label)
		} else {
			fmt.Printf("%-4s", label)
		}
		fmt.Printf(" %s  %s", v.Timestamp.Format("2006-01-02 15:04"), v.ImageURL)
		if v.EditPrompt != "" {
			fmt.Printf("  %q", v.EditPrompt)
		}
		fmt.Println()
	}
	fmt.Printf("%d edits left\n", versions.RemainingEdits(*img))
}

func runEdit(cmd *cobra.Command, args []string) {
	c := initStudioContext()
	defer c.Close()

	var from *int
	if editFrom >= 0 {
		from = &editFrom
	}
	img, err := c.Versions.EditFrom(cmd.Context(), c.Owner(), args[0], from, strings.Join(args[1:], " "))
	if err != nil {
		exitError("%s", domain.UserMessage(err))
	}
	printImage(*img)
}

func runDelete(cmd *cobra.Command, args []string) {
	requireOwner()
	c := initContext()
	defer c.Close()

	if err := c.Images.Delete(cmd.Context(), c.Owner(), args[0]); err != nil {
		exitError("%s", domain.UserMessage(err))
	}
	fmt.Printf("deleted %s\n", args[0])
}
