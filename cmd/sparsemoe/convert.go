package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sparsemoe/internal/bucket"
	"github.com/samcharles93/sparsemoe/internal/logger"
	"github.com/samcharles93/sparsemoe/internal/store"
	"github.com/samcharles93/sparsemoe/pkg/mcf"
)

func convertCmd() *cli.Command {
	var (
		input   string
		output  string
		pattern string
	)

	return &cli.Command{
		Name:  "convert",
		Usage: "Bucketize dense expert weights from a .safetensors file into a bucket store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "source .safetensors file", Required: true, Destination: &input},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "destination .mcf file", Required: true, Destination: &output},
			&cli.StringFlag{
				Name:        "pattern",
				Usage:       "tensor prefix; tensors named <prefix>.<expert>.<proj>.weight are converted",
				Value:       "model.layers.0.block_sparse_moe.experts",
				Destination: &pattern,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, log, err := prepare(ctx, cmd)
			if err != nil {
				return err
			}
			start := time.Now()
			ws, err := convertSafetensors(log, input, pattern)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: convert: %v", err), 1)
			}
			if err := store.Save(output, ws...); err != nil {
				return cli.Exit(fmt.Sprintf("error: save: %v", err), 1)
			}
			log.Info("wrote bucket store", "path", output, "projections", len(ws), "elapsed", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func convertSafetensors(log logger.Logger, path, prefix string) ([]*bucket.ExpertWeights, error) {
	sf, err := mcf.OpenSafetensorsFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sf.Close() }()

	groups, err := collectExperts(sf.Names(), prefix)
	if err != nil {
		return nil, err
	}
	var out []*bucket.ExpertWeights
	for _, proj := range slices.Sorted(maps.Keys(groups)) {
		names := groups[proj]
		var (
			mats     [][]float32
			in, rows int
		)
		for e, name := range names {
			vals, info, err := sf.ReadFloat32(name)
			if err != nil {
				return nil, err
			}
			if len(info.Shape) != 2 {
				return nil, fmt.Errorf("%s: want a 2-d weight, got shape %v", name, info.Shape)
			}
			r, c := int(info.Shape[0]), int(info.Shape[1])
			if e == 0 {
				rows, in = r, c
			} else if r != rows || c != in {
				return nil, fmt.Errorf("%s: shape %v differs from expert 0 [%d %d]", name, info.Shape, rows, in)
			}
			mats = append(mats, vals)
		}
		log.Info("bucketizing projection", "projection", proj, "experts", len(mats), "out", rows, "in", in)
		w, err := bucket.FromDense(proj, in, rows, mats)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// collectExperts groups "<prefix>.<expert>.<proj>.weight" names by projection,
// ordered by expert number. Every projection must cover experts 0..n-1 and all
// projections must agree on n.
func collectExperts(names []string, prefix string) (map[string][]string, error) {
	prefix = strings.TrimSuffix(prefix, ".") + "."
	byProj := make(map[string]map[int]string)
	for _, name := range names {
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		rest, ok = strings.CutSuffix(rest, ".weight")
		if !ok {
			continue
		}
		expert, proj, ok := strings.Cut(rest, ".")
		if !ok || proj == "" || strings.Contains(proj, ".") {
			continue
		}
		e, err := strconv.Atoi(expert)
		if err != nil || e < 0 {
			continue
		}
		if byProj[proj] == nil {
			byProj[proj] = make(map[int]string)
		}
		byProj[proj][e] = name
	}
	if len(byProj) == 0 {
		return nil, fmt.Errorf("no tensors match %s<expert>.<proj>.weight", prefix)
	}

	out := make(map[string][]string, len(byProj))
	experts := -1
	for proj, m := range byProj {
		if experts >= 0 && len(m) != experts {
			return nil, fmt.Errorf("projection %s has %d experts, others have %d", proj, len(m), experts)
		}
		experts = len(m)
		list := make([]string, len(m))
		for e, name := range m {
			if e >= len(m) {
				return nil, fmt.Errorf("projection %s: expert numbers are not contiguous from 0", proj)
			}
			list[e] = name
		}
		out[proj] = list
	}
	return out, nil
}
