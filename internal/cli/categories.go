package cli

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"skulink/internal/domain"
)

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "Manage the category table",
}

var categoriesImportCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Upsert categories from a CSV file",
	Long: `Reads rows of category_id,lvl1,lvl2,lvl3,remaining and upserts them into the
category table. A header row is skipped. Empty or missing levels are stored as NULL.`,
	Args: cobra.ExactArgs(1),
	RunE: runCategoriesImport,
}

func init() {
	categoriesCmd.AddCommand(categoriesImportCmd)
	rootCmd.AddCommand(categoriesCmd)
}

func runCategoriesImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	cats, err := parseCategories(f)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()
	if err := e.store.Bootstrap(cmd.Context()); err != nil {
		e.log.Error().Err(err).Str("stage", "bootstrap").Msg("schema bootstrap failed")
		return fmt.Errorf("bootstrap: %w", err)
	}
	if err := e.store.PutCategories(cmd.Context(), cats); err != nil {
		e.log.Error().Err(err).Str("stage", "categories").Str("path", args[0]).Msg("category import failed")
		return fmt.Errorf("import categories: %w", err)
	}
	e.log.Info().Int("categories", len(cats)).Str("path", args[0]).Msg("categories imported")
	cmd.Printf("Imported %d categories.\n", len(cats))
	return nil
}

func parseCategories(r io.Reader) ([]domain.Category, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var cats []domain.Category
	for first := true; ; first = false {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return cats, nil
		}
		if err != nil {
			return nil, err
		}
		id, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
		if err != nil {
			if first {
				continue
			}
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("line %d: category id %q: %w", line, rec[0], domain.ErrInvalidConfig)
		}
		cats = append(cats, domain.Category{ID: id, Path: domain.CategoryPath{
			Lvl1:      field(rec, 1),
			Lvl2:      field(rec, 2),
			Lvl3:      field(rec, 3),
			Remaining: field(rec, 4),
		}})
	}
}

func field(rec []string, i int) *string {
	if i >= len(rec) {
		return nil
	}
	v := strings.TrimSpace(rec[i])
	if v == "" {
		return nil
	}
	return &v
}
