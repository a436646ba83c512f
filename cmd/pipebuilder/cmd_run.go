package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/davidroman0O/pipebuilder"
)

func (a *app) runCmd() *cobra.Command {
	var (
		collection string
		database   string
		maxResults int
	)
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute a pipeline file against a collection and print the results",
		Long: `run validates the pipeline, sends it to the configured MongoDB server and
prints every result document as relaxed Extended JSON, one per line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if database == "" {
				database = a.config.Mongo.Database
			}
			if database == "" {
				return errors.New("no database: set mongo.database in the config or pass --database")
			}
			b, err := a.load(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if a.config.Mongo.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, a.config.Mongo.Timeout)
				defer cancel()
			}

			client, err := mongo.Connect(options.Client().ApplyURI(a.config.Mongo.URI))
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer func() {
				if err := client.Disconnect(context.Background()); err != nil {
					a.logger.Warn("disconnect failed", "error", err)
				}
			}()

			coll := client.Database(database).Collection(collection)
			return a.execute(ctx, cmd.OutOrStdout(), coll, b, maxResults)
		},
	}
	cmd.Flags().StringVarP(&collection, "collection", "c", "", "collection to aggregate (required)")
	cmd.Flags().StringVarP(&database, "database", "d", "", "database name (overrides mongo.database)")
	cmd.Flags().IntVar(&maxResults, "limit-results", 0, "stop printing after this many documents (0 prints all)")
	cmd.MarkFlagRequired("collection")
	return cmd
}

// execute runs b through a Runner and streams the results to w.
func (a *app) execute(ctx context.Context, w io.Writer, agg pipebuilder.Aggregator, b *pipebuilder.Builder, maxResults int) error {
	runner := pipebuilder.NewRunner(
		pipebuilder.WithRunnerLogger(pipebuilder.NewSlogLogger(a.logger)),
		pipebuilder.WithRunOptions(pipebuilder.RunOptions{
			Validate:     true,
			AllowDiskUse: a.config.Mongo.AllowDiskUse,
		}),
		pipebuilder.WithMiddleware(
			pipebuilder.LoggingMiddleware(),
			pipebuilder.TracingMiddleware(nil),
		),
	)

	cursor, err := runner.Run(ctx, agg, b)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	printed := 0
	for cursor.Next(ctx) {
		if maxResults > 0 && printed >= maxResults {
			break
		}
		line, err := bson.MarshalExtJSON(cursor.Current, false, false)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		fmt.Fprintln(w, string(line))
		printed++
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("read results: %w", err)
	}
	a.logger.Info("aggregation finished", "documents", printed)
	return nil
}
