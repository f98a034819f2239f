package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/knowledged/internal/records"
)

var (
	upsertID       string
	upsertQuestion string
	upsertAnswer   string
	upsertKeywords []string
	upsertCategory string

	productID          string
	productName        string
	productPrice       float64
	productStock       int
	productCategory    string
	productDescription string
	productAttributes  map[string]string
	productKeywords    []string
)

func init() {
	rootCmd.AddCommand(upsertCmd)
	rootCmd.AddCommand(productCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(importCmd)

	upsertCmd.Flags().StringVar(&upsertID, "id", "", "record id (assigned when empty)")
	upsertCmd.Flags().StringVarP(&upsertQuestion, "question", "q", "", "question text (required)")
	upsertCmd.Flags().StringVarP(&upsertAnswer, "answer", "a", "", "answer text (required)")
	upsertCmd.Flags().StringSliceVarP(&upsertKeywords, "keyword", "k", nil, "keyword, repeatable")
	upsertCmd.Flags().StringVarP(&upsertCategory, "category", "c", "", "category")

	productCmd.Flags().StringVar(&productID, "id", "", "product id (assigned when empty)")
	productCmd.Flags().StringVarP(&productName, "name", "n", "", "product name (required)")
	productCmd.Flags().Float64VarP(&productPrice, "price", "p", 0, "price")
	productCmd.Flags().IntVarP(&productStock, "stock", "s", 0, "units in stock")
	productCmd.Flags().StringVarP(&productCategory, "category", "c", "", "category")
	productCmd.Flags().StringVarP(&productDescription, "description", "d", "", "description")
	productCmd.Flags().StringToStringVar(&productAttributes, "attr", nil, "attribute as key=value, repeatable")
	productCmd.Flags().StringSliceVarP(&productKeywords, "keyword", "k", nil, "keyword, repeatable")
}

var upsertCmd = &cobra.Command{
	Use:   "upsert",
	Short: "Create or replace a knowledge record",
	Long: `Create or replace a question/answer knowledge record. The index is
updated before the command returns.

Examples:
  knowledged upsert -q "What is the refund policy?" -a "30 days, no questions asked." -k refund -c Policies

  # Replace an existing record
  knowledged upsert --id K3 -q "Do you ship abroad?" -a "Yes, to 40 countries."`,
	Args: cobra.NoArgs,
	RunE: runUpsert,
}

var productCmd = &cobra.Command{
	Use:   "product",
	Short: "Create or replace a product",
	Long: `Create or replace a product record. Every product has a synthesized
knowledge record describing it, which is written in the same step.

Examples:
  knowledged product -n "Red Mug" -p 9.99 -s 12 -c Kitchen --attr color=red --attr volume=350ml`,
	Args: cobra.NoArgs,
	RunE: runProduct,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a knowledge record or product",
	Long: `Delete a knowledge record, or a product together with its synthesized
record. Synthesized records cannot be deleted directly.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import records from a seed file",
	Long: `Import knowledge records and products from a JSON, YAML or TOML seed
file. Invalid records are skipped and reported in the log.

Examples:
  knowledged import seed.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func runUpsert(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		saved, err := a.engine.UpsertKnowledgeRecord(ctx, records.KnowledgeRecord{
			ID:       upsertID,
			Question: upsertQuestion,
			Answer:   upsertAnswer,
			Keywords: upsertKeywords,
			Category: upsertCategory,
		})
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), saved)
	})
}

func runProduct(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		p, synth, err := a.engine.UpsertProductRecord(ctx, records.ProductRecord{
			ID:          productID,
			Name:        productName,
			Price:       productPrice,
			Stock:       productStock,
			Category:    productCategory,
			Description: productDescription,
			Attributes:  productAttributes,
			Keywords:    productKeywords,
		})
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), struct {
			Product     records.ProductRecord   `json:"product"`
			Synthesized records.KnowledgeRecord `json:"synthesized"`
		}{p, synth})
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		coll, err := a.engine.DeleteRecord(ctx, args[0])
		if err != nil {
			return err
		}
		cmd.Printf("Deleted %s from %s\n", args[0], coll)
		return nil
	})
}

func runImport(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		res, err := a.store.ImportSeed(ctx, args[0])
		if err != nil {
			return fmt.Errorf("import %s: %w", args[0], err)
		}
		cmd.Printf("Imported %d knowledge records and %d products (%d skipped)\n",
			res.Knowledge, res.Products, res.Skipped)
		return nil
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
