package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/cdpreplay/internal/appconfig"
	"pkt.systems/cdpreplay/internal/persist"
	"pkt.systems/cdpreplay/internal/recordingschema"
	"pkt.systems/cdpreplay/schema"
	"pkt.systems/pslog"
)

// errInvalidDocuments marks a validate run that found errors. The issues
// have already been printed.
var errInvalidDocuments = errors.New("invalid recording documents")

func newRecordingsCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:     "recordings",
		Aliases: []string{"rec"},
		Short:   "Manage stored recordings",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	cmd.AddCommand(newRecordingsListCmd(&cfgPath))
	cmd.AddCommand(newRecordingsShowCmd(&cfgPath))
	cmd.AddCommand(newRecordingsValidateCmd())
	cmd.AddCommand(newRecordingsSchemaCmd())
	cmd.AddCommand(newRecordingsImportCmd(&cfgPath))

	return cmd
}

func loadStore(cmd *cobra.Command, cfgPath string) (appconfig.Config, *persist.Store, error) {
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		return appconfig.Config{}, nil, err
	}
	store, err := openStore(cfg, pslog.Ctx(cmd.Context()))
	if err != nil {
		return appconfig.Config{}, nil, err
	}
	return cfg, store, nil
}

func newRecordingsListCmd(cfgPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recordings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := loadStore(cmd, *cfgPath)
			if err != nil {
				return err
			}
			recs, err := store.ListRecordings(cmd.Context())
			if err != nil {
				return err
			}
			summaries := make([]schema.RecordingSummary, 0, len(recs))
			for _, rec := range recs {
				summaries = append(summaries, rec.Summary())
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, summaries)
			}
			if len(summaries) == 0 {
				_, _ = fmt.Fprintln(out, "no recordings")
				return nil
			}
			for _, sum := range summaries {
				_, _ = fmt.Fprintf(out, "%s  %s  (%d steps)\n", sum.ID, sum.Title, sum.Steps)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print recordings as JSON")
	return cmd
}

func newRecordingsShowCmd(cfgPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <recording>",
		Short: "Print a recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := loadStore(cmd, *cfgPath)
			if err != nil {
				return err
			}
			id, err := schema.NormalizeRecordingID(args[0])
			if err != nil {
				return fmt.Errorf("invalid recording id %q", args[0])
			}
			rec, err := store.GetRecording(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, rec)
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(rec); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of YAML")
	return cmd
}

func newRecordingsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check recording documents against the schema and replay rules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				report := recordingschema.ValidateDocument(data, filepath.Ext(path))
				if report.Valid() {
					_, _ = fmt.Fprintf(out, "%s: ok\n", path)
				} else {
					failed++
					_, _ = fmt.Fprintf(out, "%s: invalid\n", path)
				}
				for _, issue := range report.Issues {
					_, _ = fmt.Fprintf(out, "  %s\n", issue)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d of %d", errInvalidDocuments, failed, len(args))
			}
			return nil
		},
	}
}

func newRecordingsSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of recording documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := recordingschema.Generate()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

func newRecordingsImportCmd(cfgPath *string) *cobra.Command {
	var id string
	var force bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Validate a recording document and add it to the recordings directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			ext := filepath.Ext(path)
			report := recordingschema.ValidateDocument(data, ext)
			if !report.Valid() {
				return report.Err()
			}
			rec, err := persist.DecodeRecording(data, ext)
			if err != nil {
				return err
			}
			if strings.TrimSpace(id) != "" {
				rec.ID = schema.RecordingID(id)
			}
			if rec.ID == "" {
				rec.ID = schema.RecordingID(strings.TrimSuffix(filepath.Base(path), ext))
			}
			normalized, err := schema.NormalizeRecordingID(string(rec.ID))
			if err != nil {
				return fmt.Errorf("invalid recording id %q", rec.ID)
			}
			rec.ID = normalized
			if rec.Title == "" {
				rec.Title = string(rec.ID)
			}
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = time.Now().UTC()
			}

			_, store, err := loadStore(cmd, *cfgPath)
			if err != nil {
				return err
			}
			if !force {
				if _, err := store.GetRecording(cmd.Context(), rec.ID); err == nil {
					return fmt.Errorf("recording %s already exists; use --force to replace it", rec.ID)
				} else if !errors.Is(err, schema.ErrRecordingNotFound) {
					return err
				}
			}
			if err := store.SaveRecording(cmd.Context(), rec); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, issue := range report.Issues {
				_, _ = fmt.Fprintf(out, "  %s\n", issue)
			}
			_, _ = fmt.Fprintf(out, "imported recording: %s (%d steps)\n", rec.ID, len(rec.Steps))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "recording id (defaults to the id in the document or the file name)")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing recording")
	return cmd
}
