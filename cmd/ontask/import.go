package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vnihit/ontask2-UNSW/internal/dataset"
	"github.com/vnihit/ontask2-UNSW/internal/storage"
)

var (
	importContainer string
	importName      string
	importQuery     string
	importPrimary   string
	importSource    string
)

var importCmd = &cobra.Command{
	Use:   "import [datalab-id]",
	Short: "Load a datalab from the configured SQL datasource",
	Long: `Run a query against the datasource and store the rows as the datalab's
data. Without a datalab ID a new datalab is created in --container.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&importContainer, "container", "", "container for a new datalab")
	importCmd.Flags().StringVar(&importName, "name", "", "name of a new datalab")
	importCmd.Flags().StringVar(&importQuery, "query", "", "SQL query (required)")
	importCmd.Flags().StringVar(&importPrimary, "primary", "", "primary key column (required)")
	importCmd.Flags().StringVar(&importSource, "source", "sql", "datasource step name")
	importCmd.MarkFlagRequired("query")
	importCmd.MarkFlagRequired("primary")

	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Datasource.DSN == "" {
		return fmt.Errorf("datasource.dsn is not configured")
	}

	src, err := dataset.OpenSQL(cfg.Datasource.Driver, cfg.Datasource.DSN)
	if err != nil {
		return err
	}
	defer src.Close()

	records, types, err := src.Query(ctx, importQuery)
	if err != nil {
		return err
	}

	store, err := storage.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	var d *dataset.Datalab
	if len(args) == 1 {
		d, err = store.GetDatalab(ctx, args[0])
		if err != nil {
			return fmt.Errorf("datalab %s: %w", args[0], err)
		}
	} else {
		if importContainer == "" || importName == "" {
			return fmt.Errorf("--container and --name are required for a new datalab")
		}
		d = &dataset.Datalab{ID: uuid.NewString(), ContainerID: importContainer, Name: importName}
	}

	if err := d.Import(importSource, importPrimary, records, types); err != nil {
		return err
	}
	if err := store.SaveDatalab(ctx, d); err != nil {
		return err
	}

	fmt.Printf("Imported %d records into datalab %s\n", len(records), d.ID)
	return nil
}
