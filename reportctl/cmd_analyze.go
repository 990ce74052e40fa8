package main

import (
	"fmt"
	"os"
	"path/filepath"

	"civicportal/intake"
	"civicportal/suggest"

	"github.com/spf13/cobra"
)

var analyzeImage string

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Suggest problem categories for a photo",
	Long: `Uploads a photo to the image analysis service and prints the suggested
categories. When analysis finds nothing or fails, the general categories
are printed instead, as the report forms do.`,
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeImage, "image", "", "Photo of the problem (JPEG, PNG or GIF, up to 10MB)")
	analyzeCmd.MarkFlagRequired("image")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	att, err := loadImage(analyzeImage)
	if err != nil {
		return err
	}
	backend, err := newBackend()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	res := suggest.Suggest(ctx, backend, att)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, res.Message)
	for _, c := range res.Categories {
		fmt.Fprintf(out, "  - %s\n", c)
	}
	return nil
}

// loadImage reads and validates a photo the way the upload field does
func loadImage(path string) (*intake.Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > intake.MaxImageSize {
		return nil, fmt.Errorf("%s: %s", path, intake.MsgImageTooLarge)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return intake.Accept(filepath.Base(path), "", data)
}
