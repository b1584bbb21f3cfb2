// Command ivfgo builds, inspects and queries IVFPQ databases on a local
// blob store.
package main

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/hupe1980/ivfgo"
	"github.com/hupe1980/ivfgo/blobstore"
	"github.com/hupe1980/ivfgo/vector"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:           "ivfgo",
		Short:         "Embeddable IVFPQ vector database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newBuildCmd(&verbose))
	cmd.AddCommand(newQueryCmd(&verbose))
	cmd.AddCommand(newInfoCmd())
	return cmd
}

func logger(verbose bool) *ivfgo.Logger {
	if verbose {
		return ivfgo.NewTextLogger(slog.LevelDebug)
	}
	return ivfgo.NoopLogger()
}

func newBuildCmd(verbose *bool) *cobra.Command {
	var (
		input      string
		dim        int
		partitions int
		divisions  int
		clusters   int
		random     int
		seed       int64
	)

	cmd := &cobra.Command{
		Use:   "build <db-dir>",
		Short: "Build a database from a raw float32 vector file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []float32
			var err error
			switch {
			case input != "":
				data, err = readRawVectors(input)
				if err != nil {
					return err
				}
			case random > 0:
				rng := rand.New(rand.NewSource(seed))
				data = make([]float32, random*dim)
				for i := range data {
					data[i] = rng.Float32()
				}
			default:
				return fmt.Errorf("either --input or --random is required")
			}

			vs, err := vector.NewBlock(data, dim)
			if err != nil {
				return err
			}
			db, err := ivfgo.New(vs).
				WithPartitions(partitions).
				WithDivisions(divisions).
				WithClusters(clusters).
				WithRNG(rand.New(rand.NewSource(seed))).
				WithLogger(logger(*verbose)).
				Build()
			if err != nil {
				return err
			}

			store := blobstore.NewLocalStore(args[0])
			if err := ivfgo.Serialize(cmd.Context(), db, store, manifestFile); err != nil {
				return err
			}
			fmt.Printf("built database: %d vectors, %d partitions, %d divisions, %d codes\n",
				db.Len(), db.NumPartitions(), db.NumDivisions(), db.NumCodes())
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "raw little-endian float32 vector file")
	cmd.Flags().IntVarP(&dim, "dim", "d", 128, "vector dimension")
	cmd.Flags().IntVarP(&partitions, "partitions", "p", ivfgo.DefaultPartitions, "number of partitions")
	cmd.Flags().IntVarP(&divisions, "divisions", "m", ivfgo.DefaultDivisions, "number of PQ divisions")
	cmd.Flags().IntVarP(&clusters, "clusters", "c", ivfgo.DefaultClusters, "number of PQ codes")
	cmd.Flags().IntVar(&random, "random", 0, "generate this many random vectors instead of reading --input")
	cmd.Flags().Int64Var(&seed, "seed", 42, "random seed")
	return cmd
}

func newQueryCmd(verbose *bool) *cobra.Command {
	var (
		k      int
		nprobe int
		qspec  string
	)

	cmd := &cobra.Command{
		Use:   "query <db-dir>",
		Short: "Query the k nearest neighbors of a vector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store := blobstore.NewLocalStore(args[0])
			db, err := ivfgo.Load(ctx, store, manifestFile,
				ivfgo.WithLoadLogger(logger(*verbose)))
			if err != nil {
				return err
			}

			q, err := parseQueryVector(qspec, db.VectorSize())
			if err != nil {
				return err
			}
			results, err := db.Query(ctx, q, k, nprobe)
			if err != nil {
				return err
			}
			for i, r := range results {
				fmt.Printf("%2d. %s partition=%d distance=%.6f\n",
					i+1, r.VectorID, r.PartitionIndex, r.SquaredDistance)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&k, "k", "k", 10, "number of neighbors")
	cmd.Flags().IntVarP(&nprobe, "nprobe", "n", 3, "number of partitions to probe")
	cmd.Flags().StringVarP(&qspec, "vector", "q", "", "comma-separated query vector (random if omitted)")
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <db-dir>",
		Short: "Print database metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := blobstore.NewLocalStore(args[0])
			db, err := ivfgo.Load(cmd.Context(), store, manifestFile)
			if err != nil {
				return err
			}
			fmt.Printf("vector size:    %d\n", db.VectorSize())
			fmt.Printf("partitions:     %d\n", db.NumPartitions())
			fmt.Printf("divisions:      %d\n", db.NumDivisions())
			fmt.Printf("codes:          %d\n", db.NumCodes())
			fmt.Printf("subvector size: %d\n", db.SubvectorSize())
			if names := db.AttributeNames(); len(names) > 0 {
				fmt.Printf("attributes:     %s\n", strings.Join(names, ", "))
			}
			return nil
		},
	}
}

// manifestFile is the manifest name inside a database directory.
const manifestFile = "db.binpb"

func readRawVectors(path string) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%s: size %d is not a multiple of 4", path, len(raw))
	}
	data := make([]float32, len(raw)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return data, nil
}

func parseQueryVector(spec string, dim int) ([]float32, error) {
	if spec == "" {
		q := make([]float32, dim)
		rng := rand.New(rand.NewSource(rand.Int63())) //nolint:gosec
		for i := range q {
			q[i] = rng.Float32()
		}
		return q, nil
	}
	parts := strings.Split(spec, ",")
	if len(parts) != dim {
		return nil, fmt.Errorf("query vector has %d elements, want %d", len(parts), dim)
	}
	q := make([]float32, dim)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, err
		}
		q[i] = float32(f)
	}
	return q, nil
}
