package assembler

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// OutputExt is the extension of output containers.
const OutputExt = ".arrow"

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SampleName returns the third "_" separated token of the source file name,
// or the file stem when there are fewer tokens.
func SampleName(source string) string {
	s := stem(source)
	parts := strings.Split(s, "_")
	if len(parts) < 3 || parts[2] == "" {
		return s
	}
	return parts[2]
}

// OutputPath names the output file of a pass next to its checkpoint:
// <checkpoint stem>__test_<sample>.arrow. An empty sample is derived from
// the source file name.
func OutputPath(checkpoint, source, sample string) string {
	if sample == "" {
		sample = SampleName(source)
	}
	return filepath.Join(filepath.Dir(checkpoint), stem(checkpoint)+"__test_"+sample+OutputExt)
}

var lossPattern = regexp.MustCompile(`loss=([0-9]*\.?[0-9]+(?:[eE][-+]?[0-9]+)?)`)

// BestCheckpoint returns the *.ckpt file in dir with the lowest "loss="
// value in its name. Files without a loss value are ignored.
func BestCheckpoint(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.ckpt"))
	if err != nil {
		return "", fmt.Errorf("failed to list checkpoints: %w", err)
	}

	best, bestLoss := "", 0.0
	for _, m := range matches {
		sub := lossPattern.FindStringSubmatch(filepath.Base(m))
		if sub == nil {
			continue
		}
		loss, err := strconv.ParseFloat(sub[1], 64)
		if err != nil {
			continue
		}
		if best == "" || loss < bestLoss || (loss == bestLoss && m < best) {
			best, bestLoss = m, loss
		}
	}
	if best == "" {
		return "", fmt.Errorf("no checkpoint with a loss value in %s: %w", dir, os.ErrNotExist)
	}
	return best, nil
}
