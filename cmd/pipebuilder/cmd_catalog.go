package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/davidroman0O/pipebuilder/store"
)

func (a *app) openCatalog() (*store.Catalog, error) {
	c, err := store.Open(a.config.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", a.config.Catalog.Path, err)
	}
	return c, nil
}

// withCatalog opens the catalog for the duration of fn.
func (a *app) withCatalog(fn func(*store.Catalog) error) error {
	c, err := a.openCatalog()
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func (a *app) catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the catalog of named pipelines",
	}
	cmd.AddCommand(
		a.catalogSaveCmd(),
		a.catalogListCmd(),
		a.catalogShowCmd(),
		a.catalogExportCmd(),
		a.catalogDeleteCmd(),
	)
	return cmd
}

func (a *app) catalogSaveCmd() *cobra.Command {
	var (
		tags        []string
		description string
	)
	cmd := &cobra.Command{
		Use:   "save NAME FILE",
		Short: "Store a pipeline file in the catalog under NAME",
		Long: `save stores the pipeline under NAME, replacing any pipeline with the same
name. Metadata fields of the file become catalog properties.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, path := args[0], args[1]
			b, fileMeta, err := a.loadDocument(path)
			if err != nil {
				return err
			}

			meta := store.NewMetadata()
			meta.Description = description
			for _, tag := range tags {
				meta.AddTag(tag)
			}
			if len(fileMeta) > 0 {
				if err := propertiesFrom(fileMeta, meta); err != nil {
					return err
				}
			}

			return a.withCatalog(func(c *store.Catalog) error {
				entry, err := c.Save(cmd.Context(), name, b, meta)
				if err != nil {
					return err
				}
				a.logger.Info("pipeline saved", "name", entry.Name, "id", entry.ID, "stages", len(entry.Pipeline))
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d stages)\n", entry.Name, len(entry.Pipeline))
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "tag to attach (repeatable)")
	cmd.Flags().StringVar(&description, "description", "", "short description of the pipeline")
	return cmd
}

// propertiesFrom copies a file's metadata document into meta.Properties
// through its relaxed Extended JSON form.
func propertiesFrom(doc bson.D, meta *store.Metadata) error {
	raw, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	props := map[string]interface{}{}
	if err := json.Unmarshal(raw, &props); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	for k, v := range props {
		meta.SetProperty(k, v)
	}
	return nil
}

func (a *app) catalogListCmd() *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog pipelines, optionally filtered by tag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCatalog(func(c *store.Catalog) error {
				var (
					entries []store.Entry
					err     error
				)
				switch len(tags) {
				case 0:
					entries, err = c.List(cmd.Context())
				case 1:
					entries, err = c.FindByTag(cmd.Context(), tags[0])
				default:
					entries, err = c.FindByAllTags(cmd.Context(), tags)
				}
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSTAGES\tTAGS\tUPDATED")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
						e.Name, len(e.Pipeline), strings.Join(e.Metadata.Tags, ","), e.UpdatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "only list pipelines carrying every given tag")
	return cmd
}

func (a *app) catalogShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Print a catalog pipeline and its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCatalog(func(c *store.Catalog) error {
				entry, err := c.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				b, err := c.Builder(cmd.Context(), args[0], a.builderOptions()...)
				if err != nil {
					return err
				}
				out, err := b.Render(a.config.renderOptions()...)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Name:        %s\n", entry.Name)
				fmt.Fprintf(w, "ID:          %s\n", entry.ID)
				if entry.Metadata.Description != "" {
					fmt.Fprintf(w, "Description: %s\n", entry.Metadata.Description)
				}
				if len(entry.Metadata.Tags) > 0 {
					fmt.Fprintf(w, "Tags:        %s\n", strings.Join(entry.Metadata.Tags, ", "))
				}
				fmt.Fprintf(w, "Updated:     %s\n", entry.UpdatedAt.Format(time.RFC3339))
				fmt.Fprintln(w, out)
				return nil
			})
		},
	}
}

func (a *app) catalogExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export NAME FILE",
		Short: "Write a catalog pipeline to a pipeline file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, path := args[0], args[1]
			return a.withCatalog(func(c *store.Catalog) error {
				entry, err := c.Get(cmd.Context(), name)
				if err != nil {
					return err
				}
				b, err := c.Builder(cmd.Context(), name, a.builderOptions()...)
				if err != nil {
					return err
				}
				if err := b.Persist(path, exportMetadata(entry), a.config.renderOptions()...); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %s to %s\n", name, path)
				return nil
			})
		},
	}
}

// exportMetadata builds the metadata document written next to an exported
// pipeline. Empty fields are left out.
func exportMetadata(e store.Entry) bson.D {
	md := bson.D{{Key: "name", Value: e.Name}}
	if e.Metadata.Description != "" {
		md = append(md, bson.E{Key: "description", Value: e.Metadata.Description})
	}
	if len(e.Metadata.Tags) > 0 {
		tags := make(bson.A, len(e.Metadata.Tags))
		for i, t := range e.Metadata.Tags {
			tags[i] = t
		}
		md = append(md, bson.E{Key: "tags", Value: tags})
	}
	return md
}

func (a *app) catalogDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Remove a pipeline from the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCatalog(func(c *store.Catalog) error {
				removed, err := c.Delete(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("%w: %s", store.ErrNotFound, args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}
