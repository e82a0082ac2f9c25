package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sparsemoe/internal/bucket"
	"github.com/samcharles93/sparsemoe/internal/store"
	"github.com/samcharles93/sparsemoe/pkg/mcf"
)

type inspectProjection struct {
	store.ProjectionInfo
	Buckets      int     `json:"buckets"`
	BucketsPerEx int     `json:"buckets_per_expert"`
	Capacity     int     `json:"dispatch_capacity"`
	ZeroProbes   float64 `json:"zero_probe_fraction"`
}

type inspectReport struct {
	Path        string              `json:"path"`
	Major       uint16              `json:"major"`
	Minor       uint16              `json:"minor"`
	Aligned64   bool                `json:"aligned64"`
	Bytes       int64               `json:"bytes"`
	Projections []inspectProjection `json:"projections"`
}

func inspectCmd() *cli.Command {
	var jsonOut bool
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Describe the projections of a bucket store",
		ArgsUsage: "<store.mcf>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print the report as JSON", Destination: &jsonOut},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if _, _, err := prepare(ctx, cmd); err != nil {
				return err
			}
			path := cmd.Args().First()
			if path == "" {
				return cli.Exit("error: inspect needs a store path", 1)
			}
			report, err := inspectStore(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if jsonOut {
				b, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(b))
				return nil
			}
			printInspectReport(report)
			return nil
		},
	}
}

func inspectStore(path string) (*inspectReport, error) {
	mf, err := mcf.Open(path)
	if err != nil {
		return nil, err
	}
	report := &inspectReport{
		Path:      path,
		Major:     mf.Header.Major,
		Minor:     mf.Header.Minor,
		Aligned64: mf.Header.Flags&mcf.FlagTensorDataAligned64 != 0,
	}
	_ = mf.Close()

	s, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	report.Bytes = s.Bytes()
	for i, w := range s.Projections {
		report.Projections = append(report.Projections, inspectProjection{
			ProjectionInfo: s.Info.Projections[i],
			Buckets:        w.NumExperts * w.ExpertSize(),
			BucketsPerEx:   w.ExpertSize(),
			Capacity:       bucket.CapacityFor(w),
			ZeroProbes:     zeroFraction(w.Probes.Bits()),
		})
	}
	return report, nil
}

func zeroFraction(bits []uint16) float64 {
	if len(bits) == 0 {
		return 0
	}
	var n int
	for _, b := range bits {
		if b&0x7fff == 0 {
			n++
		}
	}
	return float64(n) / float64(len(bits))
}

func printInspectReport(r *inspectReport) {
	fmt.Printf("store:   %s\n", r.Path)
	fmt.Printf("format:  MCF %d.%d (aligned64=%v)\n", r.Major, r.Minor, r.Aligned64)
	fmt.Printf("size:    %.1f MiB in device buffers\n\n", float64(r.Bytes)/(1<<20))
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tEXPERTS\tOUT x IN\tBUCKETS/EXPERT\tCAPACITY\tZERO PROBES\tMiB")
	for _, p := range r.Projections {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d x %d\t%d\t%d\t%.1f%%\t%.1f\n",
			p.Name, p.Experts, p.Out, p.In, p.BucketsPerEx, p.Capacity, 100*p.ZeroProbes, float64(p.Bytes)/(1<<20))
	}
	_ = tw.Flush()
}
