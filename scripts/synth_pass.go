//go:build ignore

// synth_pass writes a synthetic evaluation dataset, a matching predictions
// stream and a config file, for trying out cmd/salt end to end:
//
//	go run scripts/synth_pass.go -dir /tmp/salt
//	salt -config /tmp/salt/config.yaml -source /tmp/salt/user.synth_mc23_ttbar_output.arrow \
//	     -predictions /tmp/salt/predictions.arrows -ckpt /tmp/salt/ckpts/epoch=0-val_loss=1.0.ckpt
package main

import (
	"flag"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-salt/internal/batch"
	"github.com/23skdu/longbow-salt/internal/config"
	"github.com/23skdu/longbow-salt/internal/store"
	"github.com/23skdu/longbow-salt/internal/tasks"
	"github.com/23skdu/longbow-salt/internal/tensor"
)

var (
	outDir    = flag.String("dir", "synth", "Output directory")
	numJets   = flag.Int("jets", 1000, "Number of jets")
	maxTracks = flag.Int("tracks", 40, "Track slots per jet")
	batchSize = flag.Int("batch", 100, "Jets per prediction batch")
	seed      = flag.Uint64("seed", 1, "Random seed")
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	flag.Parse()

	if err := os.MkdirAll(filepath.Join(*outDir, "ckpts"), 0o755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create output directory")
	}
	src := rand.New(rand.NewPCG(*seed, *seed))
	logit := distuv.Normal{Mu: 0, Sigma: 2, Src: src}
	pt := distuv.LogNormal{Mu: 3.5, Sigma: 0.8, Src: src}
	mem := memory.NewGoAllocator()

	counts := make([]int, *numJets)
	for i := range counts {
		counts[i] = src.IntN(*maxTracks + 1)
	}

	sourcePath := filepath.Join(*outDir, "user.synth_mc23_ttbar_output.arrow")
	writeSource(mem, sourcePath, counts, pt)

	predPath := filepath.Join(*outDir, "predictions.arrows")
	writePredictions(mem, predPath, counts, logit)

	writeConfig(filepath.Join(*outDir, "config.yaml"))
	if err := os.WriteFile(filepath.Join(*outDir, "ckpts", "epoch=0-val_loss=1.0.ckpt"), nil, 0o644); err != nil {
		log.Fatal().Err(err).Msg("Failed to write checkpoint placeholder")
	}

	log.Info().
		Str("source", sourcePath).
		Str("predictions", predPath).
		Int("jets", *numJets).
		Msg("Synthetic pass written")
}

func writeSource(mem memory.Allocator, path string, counts []int, pt distuv.LogNormal) {
	n := len(counts)
	fb := array.NewFloat32Builder(mem)
	defer fb.Release()
	ib := array.NewInt64Builder(mem)
	defer ib.Release()

	labels := []int64{0, 4, 5}
	for range counts {
		fb.Append(float32(pt.Rand()))
	}
	ptArr := fb.NewArray()
	defer ptArr.Release()
	for i := range counts {
		ib.Append(labels[i%len(labels)])
	}
	labelArr := ib.NewArray()
	defer labelArr.Release()
	for _, k := range counts {
		ib.Append(int64(k))
	}
	nTracks := ib.NewArray()
	defer nTracks.Release()

	jets := array.NewRecordBatch(arrow.NewSchema([]arrow.Field{
		{Name: "pt", Type: arrow.PrimitiveTypes.Float32},
		{Name: "HadronConeExclTruthLabelID", Type: arrow.PrimitiveTypes.Int64},
		{Name: "n_tracks_loose", Type: arrow.PrimitiveTypes.Int64},
	}, nil), []arrow.Array{ptArr, labelArr, nTracks}, int64(n))
	defer jets.Release()

	for _, k := range counts {
		for j := 0; j < *maxTracks; j++ {
			if j < k {
				ib.Append(int64(j % 3))
			} else {
				ib.Append(-1)
			}
		}
	}
	origin := ib.NewArray()
	defer origin.Release()
	tracks := array.NewRecordBatch(arrow.NewSchema([]arrow.Field{
		{Name: "truthOriginLabel", Type: arrow.PrimitiveTypes.Int64},
	}, nil), []arrow.Array{origin}, int64(n**maxTracks))
	defer tracks.Release()

	if err := store.Write(path, mem,
		store.Block{Name: "jets", Record: jets, Attrs: map[string]string{"flavour_label": "bjets,cjets,ujets"}},
		store.Block{Name: "tracks", Record: tracks, Slots: *maxTracks},
	); err != nil {
		log.Fatal().Err(err).Msg("Failed to write source")
	}
}

func randomMatrix(rows, cols int, d distuv.Normal) *tensor.Matrix {
	m := tensor.NewMatrix(rows, cols, nil)
	data := m.Data()
	for i := range data {
		data[i] = float32(d.Rand())
	}
	return m
}

func writePredictions(mem memory.Allocator, path string, counts []int, logit distuv.Normal) {
	f, err := os.Create(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create predictions file")
	}
	defer f.Close()

	enc := batch.NewEncoder(mem)
	var w *ipc.Writer
	for lo := 0; lo < len(counts); lo += *batchSize {
		hi := min(lo+*batchSize, len(counts))
		mask, err := tensor.MaskFromCounts(*maxTracks, counts[lo:hi])
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build mask")
		}
		rec, err := enc.Encode(batch.Batch{
			Mask: mask,
			Outputs: map[string]batch.Output{
				"jets_classification": {Level: batch.LevelJet, Values: randomMatrix(hi-lo, 3, logit)},
				"track_origin":        {Level: batch.LevelTrack, Values: randomMatrix(mask.Valid(), 3, logit)},
				"track_vertexing":     {Level: batch.LevelPair, Values: randomMatrix(mask.Pairs(), 1, logit)},
			},
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to encode batch")
		}
		if w == nil {
			w = ipc.NewWriter(f, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
		}
		if err := w.Write(rec); err != nil {
			log.Fatal().Err(err).Msg("Failed to write batch")
		}
		rec.Release()
	}
	if w != nil {
		if err := w.Close(); err != nil {
			log.Fatal().Err(err).Msg("Failed to close predictions stream")
		}
	}
}

func writeConfig(path string) {
	cfg := config.Default()
	cfg.JetVariables = []string{"pt", "HadronConeExclTruthLabelID", "n_tracks_loose"}
	cfg.TrackVariables = []string{"truthOriginLabel"}
	cfg.WriteTracks = true
	cfg.Tasks = []tasks.Spec{
		{Name: "jets_classification", Kind: tasks.KindClassification, Label: "flavour_label"},
		{Name: "track_origin", Kind: tasks.KindClassification, Input: tasks.InputTrack, ClassNames: []string{"Pileup", "Fake", "Primary"}},
		{Name: "track_vertexing", Kind: tasks.KindVertexing},
	}
	cfg.TrainFile = filepath.Join(filepath.Dir(path), "user.synth_mc23_ttbar_output.arrow")

	data, err := yaml.Marshal(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to marshal config")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Fatal().Err(err).Msg("Failed to write config")
	}
}
