// Package main implements ndbctl, a command-line client for operating on an
// nDB database directory directly, without going through ndbserver.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ndblabs/ndb"
)

var dataDir string

func main() {
	root := &cobra.Command{
		Use:   "ndbctl",
		Short: "Operate on an nDB database directory",
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "path to the database directory")

	root.AddCommand(createCmd())
	root.AddCommand(insertCmd())
	root.AddCommand(searchCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(compactCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*ndb.Database, error) {
	return ndb.Open(dataDir)
}

func createCmd() *cobra.Command {
	var metric string
	cmd := &cobra.Command{
		Use:   "create <collection> <dimension>",
		Short: "Create a new collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dim, err := parseInt(args[1])
			if err != nil {
				return fmt.Errorf("invalid dimension: %w", err)
			}
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			opts := []ndb.CollectionOption{}
			if metric != "" {
				opts = append(opts, ndb.WithMetric(parseMetric(metric)))
			}
			if _, err := db.CreateCollection(args[0], dim, opts...); err != nil {
				return err
			}
			fmt.Printf("created collection %q (dimension=%d)\n", args[0], dim)
			return nil
		},
	}
	cmd.Flags().StringVar(&metric, "metric", "", "distance metric: cosine, dot, euclidean (default cosine)")
	return cmd
}

func insertCmd() *cobra.Command {
	var payloadJSON string
	cmd := &cobra.Command{
		Use:   "insert <collection> <id> <vector-json>",
		Short: "Insert a document into a collection",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			vector, err := parseVector(args[2])
			if err != nil {
				return err
			}
			payload, err := parsePayload(payloadJSON)
			if err != nil {
				return err
			}
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			coll, err := db.Collection(args[0])
			if err != nil {
				return err
			}
			if err := coll.Insert(args[1], vector, payload); err != nil {
				return err
			}
			fmt.Printf("inserted %q into %q\n", args[1], args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "JSON object payload")
	return cmd
}

func searchCmd() *cobra.Command {
	var topK int
	var approximate bool
	cmd := &cobra.Command{
		Use:   "search <collection> <vector-json>",
		Short: "Search a collection for the nearest neighbors of a vector",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vector, err := parseVector(args[1])
			if err != nil {
				return err
			}
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			coll, err := db.Collection(args[0])
			if err != nil {
				return err
			}
			opts := []ndb.SearchOption{}
			if approximate {
				opts = append(opts, ndb.Approximate())
			}
			results, err := coll.Search(vector, topK, opts...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 10, "number of results to return")
	cmd.Flags().BoolVar(&approximate, "approximate", false, "use the ANN index instead of an exact scan")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <collection>",
		Short: "Print a collection's size and durability stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			coll, err := db.Collection(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(coll.Stats())
		},
	}
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact <collection>",
		Short: "Merge a collection's segments and drop tombstoned documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			coll, err := db.Collection(args[0])
			if err != nil {
				return err
			}
			return coll.Compact()
		},
	}
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func parseVector(s string) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("vector must be a JSON array of numbers: %w", err)
	}
	return v, nil
}

func parsePayload(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var p map[string]any
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return p, nil
}

func parseMetric(s string) ndb.Metric {
	switch s {
	case "dot":
		return ndb.MetricDot
	case "euclidean":
		return ndb.MetricEuclidean
	default:
		return ndb.MetricCosine
	}
}
